// Package handlers contains the payload types the engine applies and the
// projection that turns them into rows.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/Togather-Foundation/eventlanes/internal/audit"
	"github.com/Togather-Foundation/eventlanes/internal/queue"
	"github.com/Togather-Foundation/eventlanes/internal/storage/postgres"
)

// Payload types carried in the event log.
const (
	TypeItemSaved   = "item:saved"
	TypeItemDeleted = "item:deleted"
	TypePublishEnd  = "publish:end"
)

// ItemSaved announces a new revision of an item in one language.
type ItemSaved struct {
	ID       string          `json:"id" validate:"required"`
	Language string          `json:"language"`
	Version  int             `json:"version" validate:"gte=0"`
	Fields   json.RawMessage `json:"fields,omitempty"`
}

func (p ItemSaved) AuditSubject() (string, string, int) { return p.ID, p.Language, p.Version }

// ItemDeleted removes every language of an item.
type ItemDeleted struct {
	ID string `json:"id" validate:"required"`
}

func (p ItemDeleted) AuditSubject() (string, string, int) { return p.ID, "", 0 }

// PublishEnd closes a publish run. It is a barrier: every entry written
// before it is applied first.
type PublishEnd struct {
	RunID string `json:"run_id" validate:"required"`
	Items int    `json:"items" validate:"gte=0"`
}

func (p PublishEnd) AuditSubject() (string, string, int) { return p.RunID, "", 0 }

var (
	_ audit.Subject = ItemSaved{}
	_ audit.Subject = ItemDeleted{}
	_ audit.Subject = PublishEnd{}
)

// ItemStore is the projection target. *postgres.Items implements it.
type ItemStore interface {
	Upsert(ctx context.Context, item postgres.Item) error
	MarkDeleted(ctx context.Context, id string) error
	CompletePublish(ctx context.Context, run postgres.PublishRun) error
}

var _ ItemStore = (*postgres.Items)(nil)

var validate = validator.New()

// Projector applies item events to an ItemStore. Every write is idempotent,
// so replay after a restart converges on the same rows.
type Projector struct {
	store ItemStore
}

func NewProjector(store ItemStore) *Projector {
	return &Projector{store: store}
}

// Register binds the item payload types to p.
func Register(registry *queue.Registry, p *Projector) {
	queue.Register(registry, TypeItemSaved, p.ItemSaved)
	queue.Register(registry, TypeItemDeleted, p.ItemDeleted)
	queue.Register(registry, TypePublishEnd, p.PublishEnd, queue.AsBarrier())
}

func (p *Projector) ItemSaved(ctx context.Context, ev ItemSaved) error {
	if err := validatePayload(ev); err != nil {
		return err
	}
	fields := []byte(ev.Fields)
	if len(fields) == 0 {
		fields = []byte("{}")
	}
	return p.store.Upsert(ctx, postgres.Item{
		ID:       ev.ID,
		Language: ev.Language,
		Version:  ev.Version,
		Fields:   fields,
	})
}

func (p *Projector) ItemDeleted(ctx context.Context, ev ItemDeleted) error {
	if err := validatePayload(ev); err != nil {
		return err
	}
	return p.store.MarkDeleted(ctx, ev.ID)
}

func (p *Projector) PublishEnd(ctx context.Context, ev PublishEnd) error {
	if err := validatePayload(ev); err != nil {
		return err
	}
	return p.store.CompletePublish(ctx, postgres.PublishRun{ID: ev.RunID, Items: ev.Items})
}

// Encode validates v and returns the payload bytes written to the log.
func Encode(v any) ([]byte, error) {
	if err := validatePayload(v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func validatePayload(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("invalid %T: %w", v, err)
	}
	return nil
}
