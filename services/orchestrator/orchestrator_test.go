package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"pulld/pkg/protocol"
	gos3 "pulld/pkg/s3"
)

type fakeObjects struct {
	mu          sync.Mutex
	presignErr  error
	existing    map[string]int64
	statMissing bool
	putCalls    int
	getCalls    int
}

func (f *fakeObjects) PresignPut(ctx context.Context, key string, ttl time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putCalls++
	if f.presignErr != nil {
		return "", f.presignErr
	}
	return "https://store.test/put/" + key, nil
}

func (f *fakeObjects) PresignGet(ctx context.Context, key string, ttl time.Duration, disposition string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	return fmt.Sprintf("https://store.test/get/%s?disposition=%s", key, disposition), nil
}

func (f *fakeObjects) Exists(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.existing[key]
	return ok, nil
}

func (f *fakeObjects) Stat(ctx context.Context, key string) (gos3.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statMissing {
		return gos3.ObjectInfo{}, gos3.ErrNotFound
	}
	size, ok := f.existing[key]
	if !ok {
		return gos3.ObjectInfo{}, gos3.ErrNotFound
	}
	return gos3.ObjectInfo{Size: size}, nil
}

func (f *fakeObjects) put(key string, size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existing == nil {
		f.existing = make(map[string]int64)
	}
	f.existing[key] = size
}

type fakePublisher struct {
	mu       sync.Mutex
	err      error
	commands []protocol.Command
}

func (f *fakePublisher) Publish(ctx context.Context, subj string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if cmd, ok := v.(protocol.Command); ok {
		f.commands = append(f.commands, cmd)
	}
	return nil
}

func newTestOrchestrator(t *testing.T, objects *fakeObjects, pub *fakePublisher) (*Orchestrator, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	orch, err := New(store, objects, pub, log.New(testWriter{t}, "", 0), Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return orch, store
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSpace(string(p)))
	return len(p), nil
}

func TestTriggerCreatesPendingRecord(t *testing.T) {
	objects := &fakeObjects{}
	pub := &fakePublisher{}
	orch, store := newTestOrchestrator(t, objects, pub)

	ctx := context.Background()
	tr, err := orch.Trigger(ctx, "agent-1", "Quarterly Report.pdf", map[string]any{"requested_by": "ops"})
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}

	if tr.Status != StatusPending {
		t.Fatalf("status = %s, want %s", tr.Status, StatusPending)
	}
	wantKey := fmt.Sprintf("agent-1/%s-quarterly_report.pdf", tr.ID)
	if tr.ObjectKey != wantKey {
		t.Fatalf("object key = %q, want %q", tr.ObjectKey, wantKey)
	}
	if got := time.Until(tr.CredentialExpiry); got < 14*time.Minute || got > 15*time.Minute {
		t.Fatalf("credential expiry %s away, want ~%s", got, DefaultWriteTTL)
	}

	if len(pub.commands) != 1 {
		t.Fatalf("published %d commands, want 1", len(pub.commands))
	}
	cmd := pub.commands[0]
	if cmd.Kind != protocol.CommandUpload || cmd.TransferID != tr.ID || cmd.ObjectKey != tr.ObjectKey {
		t.Fatalf("unexpected command %+v", cmd)
	}
	if cmd.UploadURL == "" {
		t.Fatal("command missing upload url")
	}

	stored, err := store.Get(ctx, tr.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.ObjectKey != wantKey {
		t.Fatalf("stored object key = %q, want %q", stored.ObjectKey, wantKey)
	}
}

func TestTriggerRejectsBadAgentID(t *testing.T) {
	orch, _ := newTestOrchestrator(t, &fakeObjects{}, &fakePublisher{})

	for _, agentID := range []string{"", "agent 1", "agent/1", "agent#1"} {
		if _, err := orch.Trigger(context.Background(), agentID, "f", nil); err == nil {
			t.Fatalf("Trigger(%q) succeeded, want error", agentID)
		}
	}
}

func TestTriggerPresignFailureLeavesNoRecord(t *testing.T) {
	objects := &fakeObjects{presignErr: errors.New("gateway down")}
	orch, store := newTestOrchestrator(t, objects, &fakePublisher{})

	if _, err := orch.Trigger(context.Background(), "agent-1", "x", nil); err == nil {
		t.Fatal("Trigger() succeeded, want error")
	}

	records, err := store.List(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("store has %d records after failed trigger, want 0", len(records))
	}
}

func TestTriggerSendFailureKeepsPendingRecord(t *testing.T) {
	pub := &fakePublisher{err: errors.New("channel unavailable")}
	orch, store := newTestOrchestrator(t, &fakeObjects{}, pub)

	tr, err := orch.Trigger(context.Background(), "agent-1", "x", nil)
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}

	stored, err := store.Get(context.Background(), tr.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Status != StatusPending {
		t.Fatalf("status = %s, want %s", stored.Status, StatusPending)
	}
}

func TestCompleteEventVerifiesTransfer(t *testing.T) {
	objects := &fakeObjects{}
	orch, _ := newTestOrchestrator(t, objects, &fakePublisher{})
	ctx := context.Background()

	tr, err := orch.Trigger(ctx, "agent-1", "big.bin", nil)
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}

	if _, err := orch.ArtifactURL(ctx, tr.ID); !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("ArtifactURL before verification error = %v, want ErrNotAvailable", err)
	}

	const size = int64(104857600)
	objects.put(tr.ObjectKey, size)

	evt := protocol.Event{
		Kind:       protocol.EventComplete,
		TransferID: tr.ID,
		ObjectKey:  tr.ObjectKey,
		Size:       size,
		Digest:     "d41d8cd98f00b204e9800998ecf8427e",
		OccurredAt: time.Now().UTC(),
	}
	if err := orch.HandleEvent(ctx, evt); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	got, err := orch.GetStatus(ctx, tr.ID)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if got.Status != StatusVerified {
		t.Fatalf("status = %s, want %s", got.Status, StatusVerified)
	}
	if got.Size != size || got.Digest != evt.Digest {
		t.Fatalf("record size/digest = %d/%q, want %d/%q", got.Size, got.Digest, size, evt.Digest)
	}

	url, err := orch.ArtifactURL(ctx, tr.ID)
	if err != nil {
		t.Fatalf("ArtifactURL() error = %v", err)
	}
	if !strings.Contains(url, tr.ObjectKey) || !strings.Contains(url, "disposition=big.bin") {
		t.Fatalf("unexpected url %q", url)
	}
}

func TestCompleteEventSizeMismatchFails(t *testing.T) {
	objects := &fakeObjects{}
	orch, _ := newTestOrchestrator(t, objects, &fakePublisher{})
	ctx := context.Background()

	tr, err := orch.Trigger(ctx, "agent-1", "big.bin", nil)
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}

	// Store is one byte short of what the agent reported.
	objects.put(tr.ObjectKey, 104857599)

	evt := protocol.Event{
		Kind:       protocol.EventComplete,
		TransferID: tr.ID,
		ObjectKey:  tr.ObjectKey,
		Size:       104857600,
		Digest:     "abc",
	}
	if err := orch.HandleEvent(ctx, evt); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	got, err := orch.GetStatus(ctx, tr.ID)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", got.Status, StatusFailed)
	}
	if got.FailureCategory != protocol.FailureSizeMismatch {
		t.Fatalf("failure category = %s, want %s", got.FailureCategory, protocol.FailureSizeMismatch)
	}
	if !strings.Contains(got.FailureReason, "104857600") || !strings.Contains(got.FailureReason, "104857599") {
		t.Fatalf("failure reason %q missing expected/actual sizes", got.FailureReason)
	}

	if _, err := orch.ArtifactURL(ctx, tr.ID); !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("ArtifactURL() error = %v, want ErrNotAvailable", err)
	}
}

func TestCompleteEventObjectMissingFails(t *testing.T) {
	objects := &fakeObjects{}
	orch, _ := newTestOrchestrator(t, objects, &fakePublisher{})
	ctx := context.Background()

	tr, err := orch.Trigger(ctx, "agent-1", "f", nil)
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}

	evt := protocol.Event{Kind: protocol.EventComplete, TransferID: tr.ID, Size: 10, Digest: "d"}
	if err := orch.HandleEvent(ctx, evt); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	got, _ := orch.GetStatus(ctx, tr.ID)
	if got.Status != StatusFailed || got.FailureCategory != protocol.FailureObjectMissing {
		t.Fatalf("record = %s/%s, want %s/%s", got.Status, got.FailureCategory, StatusFailed, protocol.FailureObjectMissing)
	}
}

func TestFailedEventResolvesRecord(t *testing.T) {
	orch, _ := newTestOrchestrator(t, &fakeObjects{}, &fakePublisher{})
	ctx := context.Background()

	tr, err := orch.Trigger(ctx, "agent-1", "f", nil)
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}

	evt := protocol.Event{
		Kind:       protocol.EventFailed,
		TransferID: tr.ID,
		Category:   protocol.FailureCredentialExpired,
		Reason:     "credential expired",
	}
	if err := orch.HandleEvent(ctx, evt); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	got, _ := orch.GetStatus(ctx, tr.ID)
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", got.Status, StatusFailed)
	}
	if got.FailureCategory != protocol.FailureCredentialExpired || got.FailureReason != "credential expired" {
		t.Fatalf("failure = %s/%q, unexpected", got.FailureCategory, got.FailureReason)
	}
}

func TestHandleEventIdempotentUnderRedelivery(t *testing.T) {
	objects := &fakeObjects{}
	orch, _ := newTestOrchestrator(t, objects, &fakePublisher{})
	ctx := context.Background()

	tr, err := orch.Trigger(ctx, "agent-1", "f", nil)
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	objects.put(tr.ObjectKey, 42)

	evt := protocol.Event{Kind: protocol.EventComplete, TransferID: tr.ID, Size: 42, Digest: "d"}
	for i := 0; i < 3; i++ {
		if err := orch.HandleEvent(ctx, evt); err != nil {
			t.Fatalf("HandleEvent() delivery %d error = %v", i+1, err)
		}
	}

	got, _ := orch.GetStatus(ctx, tr.ID)
	if got.Status != StatusVerified {
		t.Fatalf("status = %s, want %s", got.Status, StatusVerified)
	}

	// A late failed event for a terminal record is discarded too.
	late := protocol.Event{Kind: protocol.EventFailed, TransferID: tr.ID, Reason: "spurious"}
	if err := orch.HandleEvent(ctx, late); err != nil {
		t.Fatalf("HandleEvent(late) error = %v", err)
	}
	got, _ = orch.GetStatus(ctx, tr.ID)
	if got.Status != StatusVerified {
		t.Fatalf("status after late failed event = %s, want %s", got.Status, StatusVerified)
	}
}

func TestHandleEventUnknownTransferIsNoOp(t *testing.T) {
	orch, _ := newTestOrchestrator(t, &fakeObjects{}, &fakePublisher{})

	evt := protocol.Event{Kind: protocol.EventComplete, TransferID: uuid.New(), Size: 1, Digest: "d"}
	if err := orch.HandleEvent(context.Background(), evt); err != nil {
		t.Fatalf("HandleEvent() error = %v, want nil", err)
	}
}

func TestObjectKeyStableAcrossLifecycle(t *testing.T) {
	objects := &fakeObjects{}
	orch, _ := newTestOrchestrator(t, objects, &fakePublisher{})
	ctx := context.Background()

	tr, err := orch.Trigger(ctx, "agent-1", "f", nil)
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	key := tr.ObjectKey

	objects.put(key, 7)
	evt := protocol.Event{Kind: protocol.EventComplete, TransferID: tr.ID, Size: 7, Digest: "d"}
	if err := orch.HandleEvent(ctx, evt); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	got, _ := orch.GetStatus(ctx, tr.ID)
	if got.ObjectKey != key {
		t.Fatalf("object key changed: %q -> %q", key, got.ObjectKey)
	}
}
