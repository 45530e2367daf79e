package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pulld/pkg/protocol"
	gos3 "pulld/pkg/s3"
	"pulld/services/orchestrator"
)

type stubObjects struct {
	sizes map[string]int64
}

func (s *stubObjects) PresignPut(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://store.test/put/" + key, nil
}

func (s *stubObjects) PresignGet(ctx context.Context, key string, ttl time.Duration, disposition string) (string, error) {
	return "https://store.test/get/" + key, nil
}

func (s *stubObjects) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := s.sizes[key]
	return ok, nil
}

func (s *stubObjects) Stat(ctx context.Context, key string) (gos3.ObjectInfo, error) {
	size, ok := s.sizes[key]
	if !ok {
		return gos3.ObjectInfo{}, gos3.ErrNotFound
	}
	return gos3.ObjectInfo{Size: size}, nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(ctx context.Context, subj string, v any) error { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *orchestrator.Orchestrator, *stubObjects) {
	t.Helper()

	objects := &stubObjects{sizes: map[string]int64{}}
	logger := log.New(io.Discard, "", 0)

	orch, err := orchestrator.New(orchestrator.NewMemoryStore(), objects, nopPublisher{}, logger, orchestrator.Config{})
	if err != nil {
		t.Fatalf("orchestrator.New() error = %v", err)
	}

	a, err := New(orch, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	handler, err := a.Routes()
	if err != nil {
		t.Fatalf("Routes() error = %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server, orch, objects
}

func postTrigger(t *testing.T, server *httptest.Server, body string) orchestrator.Transfer {
	t.Helper()

	resp, err := http.Post(server.URL+"/v1/transfers", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /v1/transfers: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("POST /v1/transfers status = %d: %s", resp.StatusCode, data)
	}

	var payload struct {
		Transfer orchestrator.Transfer `json:"transfer"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode trigger response: %v", err)
	}
	return payload.Transfer
}

func TestTransferLifecycleOverHTTP(t *testing.T) {
	server, orch, objects := newTestServer(t)

	tr := postTrigger(t, server, `{"agent_id":"agent-1","name":"notes.txt"}`)
	if tr.Status != orchestrator.StatusPending {
		t.Fatalf("status = %s, want %s", tr.Status, orchestrator.StatusPending)
	}

	// Download URL is unavailable before verification.
	resp, err := http.Get(fmt.Sprintf("%s/v1/transfers/%s/download", server.URL, tr.ID))
	if err != nil {
		t.Fatalf("GET download: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("download before verification status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}

	objects.sizes[tr.ObjectKey] = 11
	evt := protocol.Event{Kind: protocol.EventComplete, TransferID: tr.ID, Size: 11, Digest: "d"}
	if err := orch.HandleEvent(context.Background(), evt); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	resp, err = http.Get(fmt.Sprintf("%s/v1/transfers/%s", server.URL, tr.ID))
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	var statusPayload struct {
		Transfer orchestrator.Transfer `json:"transfer"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&statusPayload); err != nil {
		t.Fatalf("decode status response: %v", err)
	}
	resp.Body.Close()
	if statusPayload.Transfer.Status != orchestrator.StatusVerified {
		t.Fatalf("status = %s, want %s", statusPayload.Transfer.Status, orchestrator.StatusVerified)
	}

	resp, err = http.Get(fmt.Sprintf("%s/v1/transfers/%s/download", server.URL, tr.ID))
	if err != nil {
		t.Fatalf("GET download: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var dl struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&dl); err != nil {
		t.Fatalf("decode download response: %v", err)
	}
	if dl.URL == "" {
		t.Fatal("download response missing url")
	}
}

func TestTriggerValidation(t *testing.T) {
	server, _, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing agent id", `{"name":"x"}`, http.StatusBadRequest},
		{"invalid agent id", `{"agent_id":"agent 1"}`, http.StatusBadRequest},
		{"unknown field", `{"agent_id":"a","bogus":1}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(server.URL+"/v1/transfers", "application/json", bytes.NewBufferString(tt.body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestStatusNotFound(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/v1/transfers/1db8c2bc-94d7-4b67-8f7b-5c7c85a2d7f7")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestListFiltersByAgent(t *testing.T) {
	server, _, _ := newTestServer(t)

	postTrigger(t, server, `{"agent_id":"agent-1","name":"a.txt"}`)
	postTrigger(t, server, `{"agent_id":"agent-2","name":"b.txt"}`)

	resp, err := http.Get(server.URL + "/v1/transfers?agent_id=agent-1")
	if err != nil {
		t.Fatalf("GET list: %v", err)
	}
	defer resp.Body.Close()

	var payload struct {
		Transfers []orchestrator.Transfer `json:"transfers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(payload.Transfers) != 1 || payload.Transfers[0].AgentID != "agent-1" {
		t.Fatalf("unexpected list %+v", payload.Transfers)
	}
}
