package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"duocall-backend/internal/domain"
)

// ErrCallNotFound is returned when no call row exists for the given id
var ErrCallNotFound = errors.New("call not found")

// CallRepository handles call data operations
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// Create inserts a call record together with its participant rows in one
// transaction, so a call is never observable with fewer than two participants.
func (r *CallRepository) Create(ctx context.Context, call *domain.Call) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	callQuery := `
		INSERT INTO calls (
			call_id, conversation_id, initiator_id, call_type, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = tx.Exec(ctx, callQuery,
		call.CallID,
		call.ConversationID,
		call.InitiatorID,
		call.CallType,
		call.Status,
		call.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}

	participantQuery := `
		INSERT INTO call_participants (call_id, user_id, status, joined_at, left_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	for _, p := range call.Participants {
		_, err = tx.Exec(ctx, participantQuery,
			call.CallID,
			p.UserID,
			p.Status,
			p.JoinedAt,
			p.LeftAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create participant: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit call creation: %w", err)
	}
	return nil
}

// GetByID retrieves a call and its participants
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	callQuery := `
		SELECT call_id, conversation_id, initiator_id, call_type, status,
		       created_at, started_at, ended_at
		FROM calls
		WHERE call_id = $1
	`

	call := &domain.Call{}
	err := r.pool.QueryRow(ctx, callQuery, callID).Scan(
		&call.CallID,
		&call.ConversationID,
		&call.InitiatorID,
		&call.CallType,
		&call.Status,
		&call.CreatedAt,
		&call.StartedAt,
		&call.EndedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrCallNotFound
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}

	participantQuery := `
		SELECT call_id, user_id, status, joined_at, left_at
		FROM call_participants
		WHERE call_id = $1
		ORDER BY user_id ASC
	`
	rows, err := r.pool.Query(ctx, participantQuery, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.CallParticipant
		err := rows.Scan(&p.CallID, &p.UserID, &p.Status, &p.JoinedAt, &p.LeftAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		call.Participants = append(call.Participants, p)
	}

	return call, nil
}

// UpsertParticipant sets a participant's status, creating the row if absent.
// A JOINED status stamps joined_at, a MISSED status stamps left_at.
func (r *CallRepository) UpsertParticipant(ctx context.Context, callID, userID uuid.UUID, status domain.ParticipantStatus, ts time.Time) error {
	var query string
	if status == domain.ParticipantJoined {
		query = `
			INSERT INTO call_participants (call_id, user_id, status, joined_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (call_id, user_id)
			DO UPDATE SET status = $3, joined_at = $4
		`
	} else {
		query = `
			INSERT INTO call_participants (call_id, user_id, status, left_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (call_id, user_id)
			DO UPDATE SET status = $3, left_at = $4
		`
	}

	_, err := r.pool.Exec(ctx, query, callID, userID, status, ts)
	if err != nil {
		return fmt.Errorf("failed to upsert participant: %w", err)
	}
	return nil
}

// UpdateStatus updates the call status and the matching timestamp column
// (ongoing stamps started_at, terminal statuses stamp ended_at). Rows already
// in a terminal status are never overwritten.
func (r *CallRepository) UpdateStatus(ctx context.Context, callID uuid.UUID, status domain.CallStatus, ts time.Time) error {
	var query string
	args := []any{callID, status, ts}
	switch {
	case status == domain.CallStatusOngoing:
		query = `
			UPDATE calls
			SET status = $2, started_at = $3
			WHERE call_id = $1 AND status NOT IN ('ended', 'missed')
		`
	case status.IsTerminal():
		query = `
			UPDATE calls
			SET status = $2, ended_at = $3
			WHERE call_id = $1 AND status NOT IN ('ended', 'missed')
		`
	default:
		query = `
			UPDATE calls
			SET status = $2
			WHERE call_id = $1 AND status NOT IN ('ended', 'missed')
		`
		args = args[:2]
	}

	_, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update call status: %w", err)
	}
	return nil
}

// MarkMissedIfRinging moves a still-ringing call to missed. The status guard
// makes the ring-timeout write a no-op once any transition has moved the call
// past initiated, so a late timer can never clobber an accepted call.
func (r *CallRepository) MarkMissedIfRinging(ctx context.Context, callID uuid.UUID, ts time.Time) error {
	query := `
		UPDATE calls
		SET status = 'missed', ended_at = $2
		WHERE call_id = $1 AND status = 'initiated'
	`
	_, err := r.pool.Exec(ctx, query, callID, ts)
	if err != nil {
		return fmt.Errorf("failed to mark call missed: %w", err)
	}
	return nil
}

// GetUserCalls retrieves call history for a user, newest first
func (r *CallRepository) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	query := `
		SELECT DISTINCT c.call_id, c.conversation_id, c.initiator_id, c.call_type,
		       c.status, c.created_at, c.started_at, c.ended_at
		FROM calls c
		JOIN call_participants cp ON c.call_id = cp.call_id
		WHERE cp.user_id = $1
		ORDER BY c.created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get user calls: %w", err)
	}
	defer rows.Close()

	var calls []*domain.Call
	for rows.Next() {
		call := &domain.Call{}
		err := rows.Scan(
			&call.CallID,
			&call.ConversationID,
			&call.InitiatorID,
			&call.CallType,
			&call.Status,
			&call.CreatedAt,
			&call.StartedAt,
			&call.EndedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, call)
	}

	return calls, nil
}
