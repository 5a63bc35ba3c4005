package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Togather-Foundation/eventlanes/internal/metrics"
	"github.com/Togather-Foundation/eventlanes/internal/queue"
)

// Properties is a partition-scoped string key/value table. It backs the
// effective cursor and the taken stamp.
type Properties struct {
	db queryer
}

var _ queue.CursorBackend = (*Properties)(nil)

// Property is one stored row.
type Property struct {
	Partition string
	Name      string
	Value     string
	UpdatedAt time.Time
}

func (p *Properties) GetProperty(ctx context.Context, partition, name string) (value string, found bool, err error) {
	start := time.Now()
	defer func() { metrics.RecordQuery("get_property", start, err) }()

	err = p.db.QueryRow(ctx,
		`SELECT value FROM properties WHERE partition = $1 AND name = $2`,
		partition, name,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get property %s: %w", name, err)
	}
	return value, true, nil
}

// SetProperty upserts name. An empty value deletes the row.
func (p *Properties) SetProperty(ctx context.Context, partition, name, value string) (err error) {
	start := time.Now()
	defer func() { metrics.RecordQuery("set_property", start, err) }()

	if value == "" {
		if _, err = p.db.Exec(ctx, `DELETE FROM properties WHERE partition = $1 AND name = $2`, partition, name); err != nil {
			return fmt.Errorf("delete property %s: %w", name, err)
		}
		return nil
	}

	_, err = p.db.Exec(ctx, `
		INSERT INTO properties (partition, name, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (partition, name)
		DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		partition, name, value,
	)
	if err != nil {
		return fmt.Errorf("set property %s: %w", name, err)
	}
	return nil
}

// ListPrefix returns the partition's properties whose name starts with prefix.
func (p *Properties) ListPrefix(ctx context.Context, partition, prefix string) ([]Property, error) {
	rows, err := p.db.Query(ctx, `
		SELECT partition, name, value, updated_at
		  FROM properties
		 WHERE partition = $1 AND starts_with(name, $2)
		 ORDER BY name`,
		partition, prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("list properties: %w", err)
	}
	defer rows.Close()

	var props []Property
	for rows.Next() {
		var prop Property
		if err := rows.Scan(&prop.Partition, &prop.Name, &prop.Value, &prop.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan property: %w", err)
		}
		props = append(props, prop)
	}
	return props, rows.Err()
}
