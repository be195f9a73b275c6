package message

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no message exists for the given id.
var ErrNotFound = errors.New("message not found")

type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Message, error)
	Save(ctx context.Context, m *Message) error
	// ListResumable returns messages in any non-terminal status: fresh
	// PENDING ones and those stranded mid-stage by a crash or cancelled
	// attempt. The processor resumes the latter from their committed stage.
	ListResumable(ctx context.Context, limit int) ([]uuid.UUID, error)
	// Transcript joins the transcripts of a conversation's COMPLETE
	// messages in arrival order.
	Transcript(ctx context.Context, conversationID uuid.UUID) (string, error)
}

type postgresRepo struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &postgresRepo{db: db}
}

func (r *postgresRepo) GetByID(ctx context.Context, id uuid.UUID) (*Message, error) {
	query := `SELECT id, conversation_id, payload_ref, payload_kind, status, transcript,
		failure_reason, history, created_at, updated_at FROM messages WHERE id = $1`

	row := r.db.QueryRowContext(ctx, query, id)

	var m Message
	var historyJSON []byte
	err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&m.PayloadRef,
		&m.PayloadKind,
		&m.Status,
		&m.Transcript,
		&m.FailureReason,
		&historyJSON,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &m.History); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history: %w", err)
		}
	}
	return &m, nil
}

func (r *postgresRepo) Save(ctx context.Context, m *Message) error {
	historyJSON, err := json.Marshal(m.History)
	if err != nil {
		return err
	}

	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.UpdatedAt = time.Now().UTC()

	query := `
		INSERT INTO messages (id, conversation_id, payload_ref, payload_kind, status,
			transcript, failure_reason, history, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = $5,
			transcript = $6,
			failure_reason = $7,
			history = $8,
			updated_at = $10
	`
	_, err = r.db.ExecContext(ctx, query,
		m.ID, m.ConversationID, m.PayloadRef, m.PayloadKind, m.Status,
		m.Transcript, m.FailureReason, historyJSON, m.CreatedAt, m.UpdatedAt)
	return err
}

func (r *postgresRepo) ListResumable(ctx context.Context, limit int) ([]uuid.UUID, error) {
	query := `SELECT id FROM messages WHERE status NOT IN ($1, $2) ORDER BY created_at LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, StatusComplete, StatusFailed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *postgresRepo) Transcript(ctx context.Context, conversationID uuid.UUID) (string, error) {
	query := `SELECT transcript FROM messages
		WHERE conversation_id = $1 AND status = $2 ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, query, conversationID, StatusComplete)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var parts []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return "", err
		}
		if strings.TrimSpace(t) != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n"), rows.Err()
}
