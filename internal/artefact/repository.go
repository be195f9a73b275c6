package artefact

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no artefact exists for the given id.
var ErrNotFound = errors.New("artefact not found")

type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Artefact, error)
	Save(ctx context.Context, a *Artefact) error
	ListByConversation(ctx context.Context, conversationID uuid.UUID) ([]Artefact, error)
}

type postgresRepo struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &postgresRepo{db: db}
}

func (r *postgresRepo) GetByID(ctx context.Context, id uuid.UUID) (*Artefact, error) {
	query := `SELECT id, conversation_id, specialty_id, entry_type_code, template_id,
		sections, completeness, status, created_at, updated_at
		FROM artefacts WHERE id = $1`

	row := r.db.QueryRowContext(ctx, query, id)

	var a Artefact
	var sectionsJSON []byte
	err := row.Scan(
		&a.ID,
		&a.ConversationID,
		&a.SpecialtyID,
		&a.EntryTypeCode,
		&a.TemplateID,
		&sectionsJSON,
		&a.Completeness,
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	a.Sections = map[string]string{}
	if len(sectionsJSON) > 0 {
		if err := json.Unmarshal(sectionsJSON, &a.Sections); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sections: %w", err)
		}
	}
	return &a, nil
}

func (r *postgresRepo) Save(ctx context.Context, a *Artefact) error {
	sectionsJSON, err := json.Marshal(a.Sections)
	if err != nil {
		return err
	}

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.UpdatedAt = time.Now().UTC()

	query := `
		INSERT INTO artefacts (id, conversation_id, specialty_id, entry_type_code,
			template_id, sections, completeness, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			entry_type_code = $4,
			template_id = $5,
			sections = $6,
			completeness = $7,
			status = $8,
			updated_at = $10
	`
	_, err = r.db.ExecContext(ctx, query,
		a.ID, a.ConversationID, a.SpecialtyID, a.EntryTypeCode, a.TemplateID,
		sectionsJSON, a.Completeness, a.Status, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r *postgresRepo) ListByConversation(ctx context.Context, conversationID uuid.UUID) ([]Artefact, error) {
	query := `SELECT id, conversation_id, specialty_id, entry_type_code, template_id,
		sections, completeness, status, created_at, updated_at
		FROM artefacts WHERE conversation_id = $1 ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Artefact
	for rows.Next() {
		var a Artefact
		var sectionsJSON []byte
		if err := rows.Scan(&a.ID, &a.ConversationID, &a.SpecialtyID, &a.EntryTypeCode,
			&a.TemplateID, &sectionsJSON, &a.Completeness, &a.Status,
			&a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.Sections = map[string]string{}
		if len(sectionsJSON) > 0 {
			if err := json.Unmarshal(sectionsJSON, &a.Sections); err != nil {
				return nil, fmt.Errorf("failed to unmarshal sections: %w", err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
