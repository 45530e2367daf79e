package orchestrator

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no transfer record exists for an id.
var ErrNotFound = errors.New("transfer not found")

// Store is the keyed record store behind the orchestrator. The backing
// (memory or postgres) is a deployment concern; the protocol only needs
// these semantics. Update must serialise the read-modify-write per record:
// apply runs under that record's exclusion and its changes are persisted
// unless it returns an error.
type Store interface {
	Create(ctx context.Context, t *Transfer) error
	Get(ctx context.Context, id uuid.UUID) (*Transfer, error)
	Update(ctx context.Context, id uuid.UUID, apply func(*Transfer) error) (*Transfer, error)
	List(ctx context.Context, agentID string, limit int) ([]*Transfer, error)
}
