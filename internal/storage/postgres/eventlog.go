package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Togather-Foundation/eventlanes/internal/metrics"
	"github.com/Togather-Foundation/eventlanes/internal/queue"
)

// EventLog reads and appends entries of the event_log table for one
// partition. It implements queue.LogReader and queue.PendingCounter.
type EventLog struct {
	db         queryer
	partition  string
	instance   string
	properties *Properties
}

var (
	_ queue.LogReader      = (*EventLog)(nil)
	_ queue.PendingCounter = (*EventLog)(nil)
)

// FetchSince returns up to limit entries with a sequence after after.Sequence
// and a creation time not before after.Time.
func (l *EventLog) FetchSince(ctx context.Context, after queue.Position, limit int) (entries []queue.Entry, err error) {
	start := time.Now()
	defer func() { metrics.RecordQuery("fetch_event_log", start, err) }()

	rows, err := l.db.Query(ctx, `
		SELECT seq, payload_type, payload, source_instance, created_at
		  FROM event_log
		 WHERE partition = $1
		   AND seq > $2
		   AND created_at >= $3
		 ORDER BY seq
		 LIMIT $4`,
		l.partition, after.Sequence, after.Time, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch event log: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e queue.Entry
		if err := rows.Scan(&e.Position.Sequence, &e.PayloadType, &e.Payload, &e.SourceInstance, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event log: %w", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		e.Position.Time = e.CreatedAt
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event log: %w", err)
	}
	return entries, nil
}

// MarkTaken records entry as this instance's read stamp.
func (l *EventLog) MarkTaken(ctx context.Context, entry queue.Entry) error {
	return l.properties.SetProperty(ctx, l.partition, queue.TakenCursorKey(l.instance), entry.Position.String())
}

// PendingCount counts entries after the given sequence.
func (l *EventLog) PendingCount(ctx context.Context, after queue.Position) (n int64, err error) {
	start := time.Now()
	defer func() { metrics.RecordQuery("count_event_log", start, err) }()

	err = l.db.QueryRow(ctx,
		`SELECT count(*) FROM event_log WHERE partition = $1 AND seq > $2`,
		l.partition, after.Sequence,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count event log: %w", err)
	}
	return n, nil
}

// Append writes a new entry and returns its position.
func (l *EventLog) Append(ctx context.Context, payloadType string, payload []byte) (pos queue.Position, err error) {
	start := time.Now()
	defer func() { metrics.RecordQuery("append_event_log", start, err) }()

	err = l.db.QueryRow(ctx, `
		INSERT INTO event_log (partition, payload_type, payload, source_instance)
		VALUES ($1, $2, $3, $4)
		RETURNING seq, created_at`,
		l.partition, payloadType, payload, l.instance,
	).Scan(&pos.Sequence, &pos.Time)
	if err != nil {
		return queue.Position{}, fmt.Errorf("append event log: %w", err)
	}
	pos.Time = pos.Time.UTC()
	return pos, nil
}

// DeleteOlderThan removes entries created before cutoff across all
// partitions and returns how many were removed.
func (l *EventLog) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := l.db.Exec(ctx, `DELETE FROM event_log WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete event log: %w", err)
	}
	return tag.RowsAffected(), nil
}
