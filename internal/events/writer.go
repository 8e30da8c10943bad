package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends to the append-only events table. Entries go in through the
// caller's transaction so an event is never visible without its mutation. The
// log doubles as the notification side-channel tailed by the webhook
// dispatcher.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// EventPayload carries the event-specific fields, serialized to JSON.
type EventPayload map[string]any

// Entry is one event to append. Project and EntityID may be empty.
type Entry struct {
	Type       string
	Project    string
	EntityKind string
	EntityID   string
	Actor      string
	Payload    EventPayload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	clock := w.Now
	if clock == nil {
		clock = time.Now
	}
	payload := e.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events(ts, type, project_id, entity_kind, entity_id, actor_id, payload_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		clock().UTC().Format(time.RFC3339), e.Type, orNull(e.Project), e.EntityKind, orNull(e.EntityID), e.Actor, string(data))
	return err
}

func orNull(v string) any {
	if v == "" {
		return nil
	}
	return v
}
