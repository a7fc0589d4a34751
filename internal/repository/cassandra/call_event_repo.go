package cassandra

import (
	"fmt"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"duocall-backend/internal/domain"
)

// CallEventRepository appends signaling lifecycle events to Cassandra.
// Partitioned by (call_id, bucket) with daily buckets so one noisy call
// cannot grow a partition unbounded.
type CallEventRepository struct {
	session *gocql.Session
}

// NewCallEventRepository creates a new CallEventRepository
func NewCallEventRepository(session *gocql.Session) *CallEventRepository {
	return &CallEventRepository{session: session}
}

// Record appends one event to the journal
func (r *CallEventRepository) Record(event *domain.CallEvent) error {
	if event.Bucket == 0 {
		event.Bucket = domain.CalculateEventBucket(event.CreatedAt)
	}
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}

	query := `
		INSERT INTO call_events (
			call_id, bucket, event_id, event_type, actor_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`

	err := r.session.Query(query,
		event.CallID,
		event.Bucket,
		event.EventID,
		event.EventType,
		event.ActorID,
		event.CreatedAt,
	).Exec()
	if err != nil {
		return fmt.Errorf("failed to record call event: %w", err)
	}

	return nil
}

// GetByCall retrieves the journal for one call within a bucket, oldest first
func (r *CallEventRepository) GetByCall(callID uuid.UUID, bucket int, limit int) ([]*domain.CallEvent, error) {
	query := `
		SELECT call_id, bucket, event_id, event_type, actor_id, created_at
		FROM call_events
		WHERE call_id = ? AND bucket = ?
		ORDER BY created_at ASC
		LIMIT ?
	`

	iter := r.session.Query(query, callID, bucket, limit).Iter()
	defer iter.Close()

	var events []*domain.CallEvent
	for {
		event := &domain.CallEvent{}
		if !iter.Scan(
			&event.CallID,
			&event.Bucket,
			&event.EventID,
			&event.EventType,
			&event.ActorID,
			&event.CreatedAt,
		) {
			break
		}
		events = append(events, event)
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to read call events: %w", err)
	}

	return events, nil
}
