// Package orchestrator is the initiator side of the pull protocol: it issues
// upload commands against presigned credentials, consumes agent events, and
// reconciles reported uploads against object store metadata before marking a
// transfer trusted.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"pulld/pkg/protocol"
	gos3 "pulld/pkg/s3"
	"pulld/pkg/sanitize"
)

const (
	// DefaultWriteTTL bounds the presigned upload credential handed to agents.
	DefaultWriteTTL = 15 * time.Minute
	// DefaultReadTTL bounds download URLs minted for verified transfers.
	DefaultReadTTL = time.Hour

	eventsDurable = "orchestrator-events"
)

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ErrNotAvailable is returned by ArtifactURL for transfers that have not
// been verified.
var ErrNotAvailable = errors.New("artifact not available")

// ErrInvalidAgentID is returned by Trigger before any side effect when the
// agent identifier fails validation.
var ErrInvalidAgentID = errors.New("invalid agent id")

// ObjectStore is the object store gateway contract the orchestrator needs.
// *s3.Bucket satisfies it.
type ObjectStore interface {
	PresignPut(ctx context.Context, key string, ttl time.Duration) (string, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration, disposition string) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Stat(ctx context.Context, key string) (gos3.ObjectInfo, error)
}

// Publisher sends a JSON-encoded message to a subject. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Subscriber registers a durable handler on a subject. *bus.Bus satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

// Config controls credential lifetimes.
type Config struct {
	WriteTTL time.Duration
	ReadTTL  time.Duration
}

// Orchestrator coordinates transfers end to end. It is the sole writer of
// transfer records.
type Orchestrator struct {
	store   Store
	objects ObjectStore
	pub     Publisher
	logger  *log.Logger
	config  Config

	subsMu sync.Mutex
	subs   []io.Closer
}

// New wires an orchestrator from its dependencies. TTLs default when unset.
func New(store Store, objects ObjectStore, pub Publisher, logger *log.Logger, cfg Config) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if objects == nil {
		return nil, errors.New("object store is required")
	}
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if logger == nil {
		logger = log.Default()
	}

	if cfg.WriteTTL <= 0 {
		cfg.WriteTTL = DefaultWriteTTL
	}
	if cfg.ReadTTL <= 0 {
		cfg.ReadTTL = DefaultReadTTL
	}

	return &Orchestrator{
		store:   store,
		objects: objects,
		pub:     pub,
		logger:  logger,
		config:  cfg,
	}, nil
}

// Start subscribes to the transfer events subject and begins processing.
func (o *Orchestrator) Start(ctx context.Context, sub Subscriber) error {
	if o == nil {
		return errors.New("nil orchestrator")
	}
	if sub == nil {
		return errors.New("subscriber is required")
	}

	closer, err := sub.Subscribe(ctx, protocol.EventsSubject, eventsDurable, func(ctx context.Context, data []byte) error {
		var evt protocol.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			o.logger.Printf("ERROR discarding malformed event: %v", err)
			return nil
		}
		return o.HandleEvent(ctx, evt)
	})
	if err != nil {
		return err
	}

	o.subsMu.Lock()
	o.subs = append(o.subs, closer)
	o.subsMu.Unlock()
	return nil
}

// Close tears down active subscriptions.
func (o *Orchestrator) Close() error {
	if o == nil {
		return nil
	}

	o.subsMu.Lock()
	defer o.subsMu.Unlock()

	var firstErr error
	for _, sub := range o.subs {
		if sub == nil {
			continue
		}
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	o.subs = nil
	return firstErr
}

// Trigger creates a pending transfer for agentID and commands the upload.
// Credential issuance failure aborts before any record exists. A command
// send failure leaves the record pending: that condition is logged here and
// surfaces through status reads, never retried automatically.
func (o *Orchestrator) Trigger(ctx context.Context, agentID, displayName string, meta map[string]any) (*Transfer, error) {
	if !agentIDPattern.MatchString(agentID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAgentID, agentID)
	}

	id := uuid.New()
	name := sanitize.Name(displayName)
	objectKey := fmt.Sprintf("%s/%s-%s", agentID, id, name)

	uploadURL, err := o.objects.PresignPut(ctx, objectKey, o.config.WriteTTL)
	if err != nil {
		return nil, fmt.Errorf("presign upload for %s: %w", objectKey, err)
	}

	now := time.Now().UTC()
	t := &Transfer{
		ID:               id,
		AgentID:          agentID,
		Name:             name,
		ObjectKey:        objectKey,
		Status:           StatusPending,
		CredentialExpiry: now.Add(o.config.WriteTTL),
		Meta:             meta,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := o.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("persist transfer %s: %w", id, err)
	}

	cmd := protocol.Command{
		Kind:       protocol.CommandUpload,
		TransferID: id,
		ObjectKey:  objectKey,
		UploadURL:  uploadURL,
		ExpiresAt:  t.CredentialExpiry,
		Meta:       meta,
		SentAt:     now,
	}
	if err := o.pub.Publish(ctx, protocol.CommandSubject(agentID), cmd); err != nil {
		o.logger.Printf("ERROR send upload command transfer=%s agent=%s: %v; record stays pending", id, agentID, err)
	}

	return t, nil
}

// HandleEvent processes one delivered agent event. It is idempotent under
// redelivery: unknown ids and already-terminal records are discarded.
func (o *Orchestrator) HandleEvent(ctx context.Context, evt protocol.Event) error {
	t, err := o.store.Get(ctx, evt.TransferID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			o.logger.Printf("WARN discarding %s event for unknown transfer %s", evt.Kind, evt.TransferID)
			return nil
		}
		return err
	}
	if t.Status.Terminal() {
		return nil
	}

	switch evt.Kind {
	case protocol.EventComplete:
		return o.handleComplete(ctx, evt)
	case protocol.EventFailed:
		return o.handleFailed(ctx, evt)
	default:
		o.logger.Printf("WARN discarding event with unknown kind %q for transfer %s", evt.Kind, evt.TransferID)
		return nil
	}
}

func (o *Orchestrator) handleComplete(ctx context.Context, evt protocol.Event) error {
	_, err := o.store.Update(ctx, evt.TransferID, func(t *Transfer) error {
		if t.Status != StatusPending {
			return nil
		}
		if err := t.SetStatus(StatusUploaded); err != nil {
			return err
		}
		t.Size = evt.Size
		t.Digest = evt.Digest
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	return o.verify(ctx, evt.TransferID)
}

func (o *Orchestrator) handleFailed(ctx context.Context, evt protocol.Event) error {
	category := evt.Category
	if category == "" {
		category = protocol.FailureTransferFailed
	}

	_, err := o.store.Update(ctx, evt.TransferID, func(t *Transfer) error {
		if t.Status.Terminal() {
			return nil
		}
		return t.Fail(category, evt.Reason)
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// verify reconciles an uploaded record against the object store. Every
// outcome resolves the record: a transfer is never left stuck in uploaded.
func (o *Orchestrator) verify(ctx context.Context, id uuid.UUID) error {
	t, err := o.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if t.Status != StatusUploaded {
		return nil
	}

	category, reason := o.inspect(ctx, t)

	_, err = o.store.Update(ctx, id, func(t *Transfer) error {
		if t.Status != StatusUploaded {
			return nil
		}
		if category == "" {
			return t.SetStatus(StatusVerified)
		}
		return t.Fail(category, reason)
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if category != "" {
		o.logger.Printf("WARN transfer %s failed verification: %s: %s", id, category, reason)
	}
	return nil
}

// inspect runs the verification checks and reports the failure, if any, as
// an attributable category plus detail.
func (o *Orchestrator) inspect(ctx context.Context, t *Transfer) (protocol.FailureCategory, string) {
	exists, err := o.objects.Exists(ctx, t.ObjectKey)
	if err != nil {
		return protocol.FailureInternal, fmt.Sprintf("verification error: %v", err)
	}
	if !exists {
		return protocol.FailureObjectMissing, "object missing after upload"
	}

	info, err := o.objects.Stat(ctx, t.ObjectKey)
	if err != nil {
		if errors.Is(err, gos3.ErrNotFound) {
			return protocol.FailureMetadataUnavailable, "metadata unavailable"
		}
		return protocol.FailureInternal, fmt.Sprintf("verification error: %v", err)
	}

	if info.Size != t.Size {
		return protocol.FailureSizeMismatch, fmt.Sprintf("size mismatch: agent reported %d, store has %d", t.Size, info.Size)
	}
	return "", ""
}

// GetStatus returns the record for id. Write credentials are never part of
// the record, so none can leak here.
func (o *Orchestrator) GetStatus(ctx context.Context, id uuid.UUID) (*Transfer, error) {
	return o.store.Get(ctx, id)
}

// List returns recent transfers, optionally filtered by agent.
func (o *Orchestrator) List(ctx context.Context, agentID string, limit int) ([]*Transfer, error) {
	return o.store.List(ctx, agentID, limit)
}

// ArtifactURL mints a fresh download URL for a verified transfer. The URL is
// never cached on the record; each call presigns anew with the read TTL and
// a content-disposition hint carrying the stored display name.
func (o *Orchestrator) ArtifactURL(ctx context.Context, id uuid.UUID) (string, error) {
	t, err := o.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if t.Status != StatusVerified {
		return "", ErrNotAvailable
	}
	return o.objects.PresignGet(ctx, t.ObjectKey, o.config.ReadTTL, t.Name)
}
