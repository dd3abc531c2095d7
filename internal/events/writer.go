package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

type Level string

const (
	LevelInfo  Level = "INFO"
	LevelError Level = "ERROR"
)

type EventPayload map[string]any

// Sink is the append-only audit trail the tracker reports to. Implementations
// must not fail the caller; write problems are their own to report.
type Sink interface {
	Info(ctx context.Context, evtType, entityID, actorID string, payload EventPayload)
	Error(ctx context.Context, evtType, entityID, actorID string, err error)
}

// Writer stores events in the events table.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, level Level, evtType, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	body := EventPayload{"event_id": uuid.NewString()}
	for k, v := range payload {
		body[k] = v
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	const q = `INSERT INTO events(ts,level,type,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`
	args := []any{ts, string(level), evtType, nullable(entityID), actorID, string(data)}
	if tx != nil {
		_, err = tx.ExecContext(ctx, q, args...)
	} else {
		_, err = w.DB.ExecContext(ctx, q, args...)
	}
	return err
}

func (w Writer) Info(ctx context.Context, evtType, entityID, actorID string, payload EventPayload) {
	if err := w.Append(ctx, nil, LevelInfo, evtType, entityID, actorID, payload); err != nil {
		log.Printf("events: append %s: %v", evtType, err)
	}
}

func (w Writer) Error(ctx context.Context, evtType, entityID, actorID string, cause error) {
	payload := EventPayload{}
	if cause != nil {
		payload["error"] = cause.Error()
	}
	if err := w.Append(ctx, nil, LevelError, evtType, entityID, actorID, payload); err != nil {
		log.Printf("events: append %s: %v", evtType, err)
	}
}

// Tee fans events out to every sink in order.
type Tee []Sink

func (t Tee) Info(ctx context.Context, evtType, entityID, actorID string, payload EventPayload) {
	for _, s := range t {
		if s != nil {
			s.Info(ctx, evtType, entityID, actorID, payload)
		}
	}
}

func (t Tee) Error(ctx context.Context, evtType, entityID, actorID string, err error) {
	for _, s := range t {
		if s != nil {
			s.Error(ctx, evtType, entityID, actorID, err)
		}
	}
}

// Discard drops everything.
type Discard struct{}

func (Discard) Info(context.Context, string, string, string, EventPayload) {}
func (Discard) Error(context.Context, string, string, string, error)      {}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
