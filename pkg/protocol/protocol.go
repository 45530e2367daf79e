// Package protocol defines the wire messages exchanged between the pulld
// control plane and agents, plus the NATS subjects they travel on.
package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// EventsSubject carries all agent-to-initiator transfer events.
	EventsSubject = "pulld.transfers.events"

	commandSubjectFormat = "pulld.agent.%s.commands"
)

// CommandSubject returns the addressed subject for commands to one agent.
func CommandSubject(agentID string) string {
	return fmt.Sprintf(commandSubjectFormat, agentID)
}

// Command kinds.
const (
	CommandUpload = "upload"
)

// Event kinds.
const (
	EventComplete = "complete"
	EventFailed   = "failed"
)

// FailureCategory is a closed set of transfer failure classes. Callers branch
// on the category; Reason carries the human-readable detail.
type FailureCategory string

const (
	FailureCredentialExpired   FailureCategory = "credential_expired"
	FailureTransferFailed      FailureCategory = "transfer_failed"
	FailureObjectMissing       FailureCategory = "object_missing"
	FailureMetadataUnavailable FailureCategory = "metadata_unavailable"
	FailureSizeMismatch        FailureCategory = "size_mismatch"
	FailureInternal            FailureCategory = "internal"
)

// Command instructs an agent to upload one file to a presigned target.
type Command struct {
	Kind       string         `json:"kind"`
	TransferID uuid.UUID      `json:"transfer_id"`
	ObjectKey  string         `json:"object_key"`
	UploadURL  string         `json:"upload_url"`
	ExpiresAt  time.Time      `json:"expires_at"`
	Meta       map[string]any `json:"meta,omitempty"`
	SentAt     time.Time      `json:"sent_at"`
}

// Event reports the outcome of one commanded transfer. Size and Digest are
// set on complete events; Category and Reason on failed events.
type Event struct {
	Kind       string          `json:"kind"`
	TransferID uuid.UUID       `json:"transfer_id"`
	ObjectKey  string          `json:"object_key"`
	Size       int64           `json:"size,omitempty"`
	Digest     string          `json:"digest,omitempty"`
	Category   FailureCategory `json:"category,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// CompleteEvent builds a complete event for the given command outcome.
func CompleteEvent(cmd Command, size int64, digest string) Event {
	return Event{
		Kind:       EventComplete,
		TransferID: cmd.TransferID,
		ObjectKey:  cmd.ObjectKey,
		Size:       size,
		Digest:     digest,
		OccurredAt: time.Now().UTC(),
	}
}

// FailedEvent builds a failed event for the given command outcome.
func FailedEvent(cmd Command, category FailureCategory, reason string) Event {
	return Event{
		Kind:       EventFailed,
		TransferID: cmd.TransferID,
		ObjectKey:  cmd.ObjectKey,
		Category:   category,
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	}
}
