// Package events is the append-only audit log of entity mutations.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Payload map[string]any

// Event is one audit row.
type Event struct {
	ID         string
	TS         string
	Type       string
	EntityKind string
	EntityID   string
	ActorID    string
	RequestID  string
	Payload    Payload
}

type Writer struct {
	Now func() time.Time
}

// Append inserts evt inside tx, filling ID and TS when empty.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evt Event) (Event, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.TS == "" {
		evt.TS = w.Now().UTC().Format(time.RFC3339Nano)
	}
	if evt.Payload == nil {
		evt.Payload = Payload{}
	}
	data, err := json.Marshal(evt.Payload)
	if err != nil {
		return evt, fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(id,ts,type,entity_kind,entity_id,actor_id,request_id,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		evt.ID, evt.TS, evt.Type, evt.EntityKind, nullable(evt.EntityID), nullable(evt.ActorID), nullable(evt.RequestID), string(data))
	if err != nil {
		return evt, fmt.Errorf("append event %s: %w", evt.Type, err)
	}
	return evt, nil
}

// List returns events of an entity kind in insertion order; entityID narrows to one entity.
func List(ctx context.Context, db *sql.DB, entityKind, entityID string, limit int) ([]Event, error) {
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),COALESCE(actor_id,''),COALESCE(request_id,''),payload_json FROM events WHERE entity_kind=?`
	args := []any{entityKind}
	if entityID != "" {
		query += ` AND entity_id=?`
		args = append(args, entityID)
	}
	query += ` ORDER BY seq`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		var payload string
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.RequestID, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("decode event %s payload: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
