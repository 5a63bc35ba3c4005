package queue

import (
	"context"
	"time"
)

// Entry is an immutable record read from the event log.
type Entry struct {
	Position       Position
	PayloadType    string
	Payload        []byte
	SourceInstance string
	CreatedAt      time.Time
}

// Assignment pairs an entry with the binding that will apply it.
type Assignment struct {
	Entry   Entry
	Binding *Binding
}

// LogReader is the ordered event log.
type LogReader interface {
	// FetchSince returns up to limit entries with a sequence after
	// after.Sequence and a creation time not before after.Time, in ascending
	// sequence order.
	FetchSince(ctx context.Context, after Position, limit int) ([]Entry, error)
	// MarkTaken records that entry has been handed to processing. It is
	// idempotent and best-effort.
	MarkTaken(ctx context.Context, entry Entry) error
}

// PendingCounter is implemented by readers that can report how many entries
// are still waiting after a position.
type PendingCounter interface {
	PendingCount(ctx context.Context, after Position) (int64, error)
}

// CursorBackend stores named string properties scoped by partition.
type CursorBackend interface {
	GetProperty(ctx context.Context, partition, name string) (string, bool, error)
	SetProperty(ctx context.Context, partition, name, value string) error
}
