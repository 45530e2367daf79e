package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pulld/pkg/db"
	"pulld/pkg/protocol"
)

// DBStore persists transfer records in postgres. Mutations go through gorm
// with row locking; reads use the pgx pool directly.
type DBStore struct {
	pool *pgxpool.Pool
	orm  *gorm.DB
}

// NewDBStore wires a store over an open pool and gorm session.
func NewDBStore(pool *pgxpool.Pool, orm *gorm.DB) (*DBStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &DBStore{pool: pool, orm: orm}, nil
}

// Create persists a new record.
func (s *DBStore) Create(ctx context.Context, t *Transfer) error {
	model := modelFromTransfer(t)
	return s.orm.WithContext(ctx).Create(&model).Error
}

// Get returns the record for id, or ErrNotFound.
func (s *DBStore) Get(ctx context.Context, id uuid.UUID) (*Transfer, error) {
	row, err := s.fetchRow(ctx, id)
	if err != nil {
		return nil, err
	}
	return row.toTransfer()
}

// Update applies the mutation inside a transaction holding a row lock, so
// concurrent event deliveries for the same transfer serialise.
func (s *DBStore) Update(ctx context.Context, id uuid.UUID, apply func(*Transfer) error) (*Transfer, error) {
	var out *Transfer

	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model transferModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "id = ?", id).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		next := model.toTransfer()
		if err := apply(next); err != nil {
			return err
		}

		updated := modelFromTransfer(next)
		if err := tx.Model(&transferModel{}).Where("id = ?", id).
			Select("*").Omit("id", "created_at").Updates(&updated).Error; err != nil {
			return err
		}

		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List returns records newest first, optionally filtered by agent id.
func (s *DBStore) List(ctx context.Context, agentID string, limit int) ([]*Transfer, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
        SELECT id, agent_id, name, object_key, status, size, digest,
               credential_expiry, failure_category, failure_reason, meta,
               created_at, updated_at
        FROM transfers
    `
	args := []any{}
	if agentID != "" {
		query += " WHERE agent_id = $1"
		args = append(args, agentID)
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d", limit)

	var rows []transferRow
	if err := db.Select(ctx, s.pool, &rows, query, args...); err != nil {
		return nil, err
	}

	out := make([]*Transfer, 0, len(rows))
	for _, row := range rows {
		t, err := row.toTransfer()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *DBStore) fetchRow(ctx context.Context, id uuid.UUID) (transferRow, error) {
	query := `
        SELECT id, agent_id, name, object_key, status, size, digest,
               credential_expiry, failure_category, failure_reason, meta,
               created_at, updated_at
        FROM transfers
        WHERE id = $1
    `

	var row transferRow
	if err := db.Get(ctx, s.pool, &row, query, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return transferRow{}, ErrNotFound
		}
		return transferRow{}, err
	}
	return row, nil
}

// transferRow is the scany-facing shape; Meta arrives as raw jsonb.
type transferRow struct {
	ID               uuid.UUID `db:"id"`
	AgentID          string    `db:"agent_id"`
	Name             string    `db:"name"`
	ObjectKey        string    `db:"object_key"`
	Status           string    `db:"status"`
	Size             int64     `db:"size"`
	Digest           string    `db:"digest"`
	CredentialExpiry time.Time `db:"credential_expiry"`
	FailureCategory  string    `db:"failure_category"`
	FailureReason    string    `db:"failure_reason"`
	Meta             []byte    `db:"meta"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

func (r transferRow) toTransfer() (*Transfer, error) {
	var meta map[string]any
	if len(r.Meta) > 0 {
		if err := json.Unmarshal(r.Meta, &meta); err != nil {
			return nil, fmt.Errorf("decode meta for transfer %s: %w", r.ID, err)
		}
	}

	return &Transfer{
		ID:               r.ID,
		AgentID:          r.AgentID,
		Name:             r.Name,
		ObjectKey:        r.ObjectKey,
		Status:           Status(r.Status),
		Size:             r.Size,
		Digest:           r.Digest,
		CredentialExpiry: r.CredentialExpiry,
		FailureCategory:  protocol.FailureCategory(r.FailureCategory),
		FailureReason:    r.FailureReason,
		Meta:             meta,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}, nil
}
