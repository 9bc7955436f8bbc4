// Package events appends rows to the event diary. Writes ride the caller's
// transaction so an event is visible exactly when the change it describes is.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

type Writer struct {
	Now func() time.Time
}

func (w Writer) now() string {
	if w.Now != nil {
		return w.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// Append writes one event inside tx. Payload is marshalled to JSON; a nil
// payload becomes an empty object.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, orgID, entityKind, entityID, actorID string, payload any) error {
	body := []byte("{}")
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = b
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,org_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		w.now(), evtType, orEmpty(orgID), entityKind, orEmpty(entityID), actorID, string(body))
	return err
}

func orEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}
