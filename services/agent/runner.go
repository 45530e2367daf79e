// Package agent implements the transfer runner that executes upload commands
// on the far side of the NAT boundary: it streams a local file to a
// presigned target, computes the content digest over the transmitted bytes,
// and reports the outcome as an event.
package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pulld/pkg/protocol"
)

const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = time.Second
)

// EventPublisher sends a JSON-encoded message to a subject. *bus.Bus
// satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Runner consumes upload commands for one agent identity. Each command is
// guarded against duplicates and expired credentials, then executed with
// retries. Distinct transfers run independently; the in-flight guard is
// process-local (multiple runner instances sharing an agent id would need a
// distributed lease keyed by transfer id).
type Runner struct {
	agentID string
	events  EventPublisher
	client  *http.Client
	logger  *log.Logger

	maxAttempts int
	baseDelay   time.Duration

	// sleep and now are injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
}

// NewRunner builds a runner for the given agent identity.
func NewRunner(agentID string, events EventPublisher, logger *log.Logger) (*Runner, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, errors.New("agent id is required")
	}
	if events == nil {
		return nil, errors.New("event publisher is required")
	}
	if logger == nil {
		logger = log.Default()
	}

	return &Runner{
		agentID:     agentID,
		events:      events,
		client:      &http.Client{Timeout: 10 * time.Minute},
		logger:      logger,
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		sleep:       sleepCtx,
		now:         time.Now,
		inflight:    make(map[uuid.UUID]struct{}),
	}, nil
}

// HandleCommand executes one upload command against sourcePath. Guard
// failures short-circuit with a log line; expired credentials additionally
// produce a failed event without any transfer attempt. The returned error is
// non-nil only when an event could not be published.
func (r *Runner) HandleCommand(ctx context.Context, cmd protocol.Command, sourcePath string) error {
	if cmd.Kind != protocol.CommandUpload {
		r.logger.Printf("discarding command with unknown kind %q", cmd.Kind)
		return nil
	}
	if cmd.TransferID == uuid.Nil || cmd.ObjectKey == "" || cmd.UploadURL == "" {
		r.logger.Printf("discarding structurally invalid command transfer=%s", cmd.TransferID)
		return nil
	}

	if !r.acquire(cmd.TransferID) {
		r.logger.Printf("transfer %s already in flight, discarding redelivered command", cmd.TransferID)
		return nil
	}
	defer r.release(cmd.TransferID)

	if !cmd.ExpiresAt.IsZero() && r.now().After(cmd.ExpiresAt) {
		r.logger.Printf("credential for transfer %s expired at %s, not attempting", cmd.TransferID, cmd.ExpiresAt)
		return r.events.Publish(ctx, protocol.EventsSubject,
			protocol.FailedEvent(cmd, protocol.FailureCredentialExpired, "credential expired"))
	}

	size, digest, err := r.uploadWithRetry(ctx, cmd, sourcePath)
	if err != nil {
		r.logger.Printf("ERROR transfer %s exhausted after %d attempts: %v", cmd.TransferID, r.maxAttempts, err)
		return r.events.Publish(ctx, protocol.EventsSubject,
			protocol.FailedEvent(cmd, protocol.FailureTransferFailed, err.Error()))
	}

	r.logger.Printf("transfer %s uploaded %d bytes sha256=%s", cmd.TransferID, size, digest)
	return r.events.Publish(ctx, protocol.EventsSubject, protocol.CompleteEvent(cmd, size, digest))
}

func (r *Runner) acquire(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inflight[id]; busy {
		return false
	}
	r.inflight[id] = struct{}{}
	return true
}

func (r *Runner) release(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, id)
}

// uploadWithRetry runs up to maxAttempts transfer attempts with exponential
// backoff (baseDelay, doubled before each retry). Only the transfer step is
// retried; a single result is reported for the whole sequence.
func (r *Runner) uploadWithRetry(ctx context.Context, cmd protocol.Command, sourcePath string) (int64, string, error) {
	var lastErr error

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := r.baseDelay << (attempt - 2)
			if err := r.sleep(ctx, delay); err != nil {
				return 0, "", fmt.Errorf("aborted before attempt %d: %w", attempt, err)
			}
		}

		size, digest, err := r.uploadOnce(ctx, cmd, sourcePath)
		if err == nil {
			return size, digest, nil
		}
		lastErr = err
		r.logger.Printf("transfer %s attempt %d/%d failed: %v", cmd.TransferID, attempt, r.maxAttempts, err)
	}

	return 0, "", lastErr
}

// uploadOnce streams the file to the presigned target. The digest is
// computed over exactly the bytes handed to the transport, not a separate
// re-read of the file.
func (r *Runner) uploadOnce(ctx context.Context, cmd protocol.Command, sourcePath string) (int64, string, error) {
	f, err := os.Open(sourcePath)
	if err != nil {
		return 0, "", fmt.Errorf("open source: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, "", fmt.Errorf("stat source: %w", err)
	}

	h := sha256.New()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, cmd.UploadURL, io.TeeReader(f, h))
	if err != nil {
		return 0, "", fmt.Errorf("create request: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("put object: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return 0, "", fmt.Errorf("put object unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return 0, "", fmt.Errorf("drain response body: %w", err)
	}

	return info.Size(), hex.EncodeToString(h.Sum(nil)), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
