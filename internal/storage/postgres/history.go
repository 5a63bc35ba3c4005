package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/Togather-Foundation/eventlanes/internal/audit"
	"github.com/Togather-Foundation/eventlanes/internal/metrics"
)

// History stores audit entries in the history table.
type History struct {
	db queryer
}

var _ audit.Recorder = (*History)(nil)

// Emit inserts entry with a fresh row id.
func (h *History) Emit(ctx context.Context, entry audit.Entry) (err error) {
	start := time.Now()
	defer func() { metrics.RecordQuery("insert_history", start, err) }()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("history id: %w", err)
	}

	_, err = h.db.Exec(ctx, `
		INSERT INTO history (id, category, action, entity_id, language, version, partition, lane, detail, instance, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		pgtype.UUID{Bytes: id, Valid: true},
		entry.Category,
		entry.Action,
		nullText(entry.EntityID),
		nullText(entry.Language),
		entry.Version,
		entry.Partition,
		entry.Lane,
		entry.Detail,
		entry.Instance,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

// Recent returns the newest entries of a category, newest first.
func (h *History) Recent(ctx context.Context, category string, limit int) ([]audit.Entry, error) {
	rows, err := h.db.Query(ctx, `
		SELECT category, action, coalesce(entity_id, ''), coalesce(language, ''), version,
		       partition, lane, detail, instance, created_at
		  FROM history
		 WHERE category = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		category, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var e audit.Entry
		if err := rows.Scan(&e.Category, &e.Action, &e.EntityID, &e.Language, &e.Version,
			&e.Partition, &e.Lane, &e.Detail, &e.Instance, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteOlderThan removes entries created before cutoff.
func (h *History) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := h.db.Exec(ctx, `DELETE FROM history WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete history: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nullText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}
