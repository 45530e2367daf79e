package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pulld/pkg/protocol"
)

// Status is the linear state of one transfer record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusUploaded Status = "uploaded"
	StatusVerified Status = "verified"
	StatusFailed   Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusVerified || s == StatusFailed
}

// ErrInvalidTransition is returned when a status change violates the
// transfer state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

// Transfer tracks one unit of pull work from trigger to terminal outcome.
// ID, AgentID and ObjectKey are fixed at creation. The write credential is
// never stored on the record.
type Transfer struct {
	ID               uuid.UUID                `json:"id" db:"id"`
	AgentID          string                   `json:"agent_id" db:"agent_id"`
	Name             string                   `json:"name" db:"name"`
	ObjectKey        string                   `json:"object_key" db:"object_key"`
	Status           Status                   `json:"status" db:"status"`
	Size             int64                    `json:"size" db:"size"`
	Digest           string                   `json:"digest,omitempty" db:"digest"`
	CredentialExpiry time.Time                `json:"credential_expiry" db:"credential_expiry"`
	FailureCategory  protocol.FailureCategory `json:"failure_category,omitempty" db:"failure_category"`
	FailureReason    string                   `json:"failure_reason,omitempty" db:"failure_reason"`
	Meta             map[string]any           `json:"meta,omitempty" db:"-"`
	CreatedAt        time.Time                `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time                `json:"updated_at" db:"updated_at"`
}

// SetStatus applies a state-machine transition and bumps UpdatedAt.
func (t *Transfer) SetStatus(to Status) error {
	if !canTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail transitions the record into its failed terminal state.
func (t *Transfer) Fail(category protocol.FailureCategory, reason string) error {
	if err := t.SetStatus(StatusFailed); err != nil {
		return err
	}
	t.FailureCategory = category
	t.FailureReason = reason
	return nil
}

func canTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusUploaded || to == StatusFailed
	case StatusUploaded:
		return to == StatusVerified || to == StatusFailed
	default:
		return false
	}
}

// Clone returns an independent copy, so store implementations can hand out
// records without sharing mutable state.
func (t *Transfer) Clone() *Transfer {
	if t == nil {
		return nil
	}
	out := *t
	if t.Meta != nil {
		out.Meta = make(map[string]any, len(t.Meta))
		for k, v := range t.Meta {
			out.Meta[k] = v
		}
	}
	return &out
}
