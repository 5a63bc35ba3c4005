package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a projected row does not exist.
var ErrNotFound = errors.New("not found")

// Item is the projected state of one item revision.
type Item struct {
	ID        string
	Language  string
	Version   int
	Fields    []byte
	Deleted   bool
	UpdatedAt time.Time
}

// PublishRun records a completed publish.
type PublishRun struct {
	ID          string
	Items       int
	CompletedAt time.Time
}

// Items is the partition's projection of item events. Writes are idempotent
// so replayed entries converge on the same state.
type Items struct {
	db        queryer
	partition string
}

// Upsert stores item unless a newer version is already projected.
func (s *Items) Upsert(ctx context.Context, item Item) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO items (partition, id, language, version, fields, deleted, updated_at)
		VALUES ($1, $2, $3, $4, $5, false, now())
		ON CONFLICT (partition, id, language) DO UPDATE
		   SET version = EXCLUDED.version,
		       fields = EXCLUDED.fields,
		       deleted = false,
		       updated_at = EXCLUDED.updated_at
		 WHERE items.version <= EXCLUDED.version`,
		s.partition, item.ID, item.Language, item.Version, item.Fields,
	)
	if err != nil {
		return fmt.Errorf("upsert item %s: %w", item.ID, err)
	}
	return nil
}

// MarkDeleted flags every language of id as deleted. Deleting a missing
// item is not an error.
func (s *Items) MarkDeleted(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE items SET deleted = true, updated_at = now() WHERE partition = $1 AND id = $2`,
		s.partition, id,
	)
	if err != nil {
		return fmt.Errorf("delete item %s: %w", id, err)
	}
	return nil
}

// Get returns the projected item.
func (s *Items) Get(ctx context.Context, id, language string) (Item, error) {
	var item Item
	err := s.db.QueryRow(ctx, `
		SELECT id, language, version, fields, deleted, updated_at
		  FROM items
		 WHERE partition = $1 AND id = $2 AND language = $3`,
		s.partition, id, language,
	).Scan(&item.ID, &item.Language, &item.Version, &item.Fields, &item.Deleted, &item.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("get item %s: %w", id, err)
	}
	return item, nil
}

// CompletePublish records a publish run. Repeating it is a no-op.
func (s *Items) CompletePublish(ctx context.Context, run PublishRun) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO publish_runs (partition, id, items, completed_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (partition, id) DO NOTHING`,
		s.partition, run.ID, run.Items,
	)
	if err != nil {
		return fmt.Errorf("complete publish %s: %w", run.ID, err)
	}
	return nil
}

// GetPublish returns a recorded publish run.
func (s *Items) GetPublish(ctx context.Context, id string) (PublishRun, error) {
	var run PublishRun
	err := s.db.QueryRow(ctx,
		`SELECT id, items, completed_at FROM publish_runs WHERE partition = $1 AND id = $2`,
		s.partition, id,
	).Scan(&run.ID, &run.Items, &run.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return PublishRun{}, ErrNotFound
	}
	if err != nil {
		return PublishRun{}, fmt.Errorf("get publish %s: %w", id, err)
	}
	return run, nil
}
