package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/yudhap/blastgate/internal/idgen"
)

// EventPostgresStore is a PostgreSQL implementation of EventStore
type EventPostgresStore struct {
	db *sql.DB
}

// NewEventPostgresStore creates a new PostgreSQL event store
func NewEventPostgresStore(db *sql.DB) *EventPostgresStore {
	return &EventPostgresStore{db: db}
}

func (s *EventPostgresStore) AppendEvent(ctx context.Context, event *Event) error {
	id := event.ID
	if id == "" {
		id = idgen.WithPrefix("evt_")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_events (id, owner_id, event_type, amount, reference, created_at)
		VALUES ($1, $2, $3, $4::numeric, NULLIF($5, ''), NOW())`,
		id, event.OwnerID, event.EventType, event.Amount, event.Reference)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *EventPostgresStore) GetEvents(ctx context.Context, ownerID string, limit int) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, event_type, amount, COALESCE(reference, ''), created_at
		FROM ledger_events
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *EventPostgresStore) GetAllEvents(ctx context.Context, ownerID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, event_type, amount, COALESCE(reference, ''), created_at
		FROM ledger_events
		WHERE owner_id = $1
		ORDER BY created_at ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.OwnerID, &ev.EventType, &ev.Amount, &ev.Reference, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}
