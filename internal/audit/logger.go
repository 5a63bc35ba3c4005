package audit

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Categories used by the queue engine.
const (
	CategoryEvent      = "Event"
	CategoryStatistics = "Statistics"
)

// Entry is a single history record. Detail carries the free-form value the
// legacy history table stored in its task stack column: a counter value for
// statistics, the creation time for events.
type Entry struct {
	Category  string    `json:"category"`
	Action    string    `json:"action"`
	EntityID  string    `json:"entity_id,omitempty"`
	Language  string    `json:"language,omitempty"`
	Version   int       `json:"version,omitempty"`
	Partition string    `json:"partition,omitempty"`
	Lane      int       `json:"lane"`
	Detail    string    `json:"detail,omitempty"`
	Instance  string    `json:"instance,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Subject is implemented by decoded payloads that identify the entity they
// change. The queue uses it to enrich per-event history records.
type Subject interface {
	AuditSubject() (entityID, language string, version int)
}

// Recorder receives history entries. Emit is fire-and-forget from the
// caller's perspective; returned errors are only logged.
type Recorder interface {
	Emit(ctx context.Context, entry Entry) error
}

// Logger writes history entries as structured log lines.
type Logger struct {
	output zerolog.Logger
}

// NewLogger creates a history logger on top of the given zerolog logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{output: logger.With().Str("component", "history").Logger()}
}

// Emit logs the entry under the "history" key.
func (l *Logger) Emit(_ context.Context, entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	l.output.Info().Interface("history", entry).Msg(entry.Category + "." + entry.Action)
	return nil
}

// Multi fans an entry out to every recorder and joins their errors.
type Multi []Recorder

func (m Multi) Emit(ctx context.Context, entry Entry) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Emit(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards entries.
type Nop struct{}

func (Nop) Emit(context.Context, Entry) error { return nil }

// SubjectOf extracts entity fields from v when it implements Subject.
func SubjectOf(v any) (entityID, language string, version int) {
	if s, ok := v.(Subject); ok {
		return s.AuditSubject()
	}
	return "", "", 0
}
