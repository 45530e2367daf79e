// Package ctl provides a thin HTTP client for the pulld API, used by the
// pullctl command line tool.
package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pulld/services/orchestrator"
)

// Client talks to a running pulld API instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client for the API at baseURL.
func NewClient(baseURL string) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("api base url is required")
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Trigger asks the API to start a pull of name from the given agent.
func (c *Client) Trigger(ctx context.Context, agentID, name string, meta map[string]any) (*orchestrator.Transfer, error) {
	body, err := json.Marshal(map[string]any{
		"agent_id": agentID,
		"name":     name,
		"meta":     meta,
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		Transfer *orchestrator.Transfer `json:"transfer"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/transfers", bytes.NewReader(body), http.StatusCreated, &out); err != nil {
		return nil, err
	}
	return out.Transfer, nil
}

// Status fetches the current record for a transfer.
func (c *Client) Status(ctx context.Context, id string) (*orchestrator.Transfer, error) {
	var out struct {
		Transfer *orchestrator.Transfer `json:"transfer"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/transfers/"+url.PathEscape(id), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Transfer, nil
}

// ArtifactURL fetches a presigned download link for a verified transfer.
func (c *Client) ArtifactURL(ctx context.Context, id string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	path := "/v1/transfers/" + url.PathEscape(id) + "/download"
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// List returns recent transfers, optionally filtered by agent.
func (c *Client) List(ctx context.Context, agentID string, limit int) ([]orchestrator.Transfer, error) {
	q := url.Values{}
	if agentID != "" {
		q.Set("agent_id", agentID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/transfers"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Transfers []orchestrator.Transfer `json:"transfers"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Transfers, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, wantStatus int, dest any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return fmt.Errorf("%s %s: %s", method, path, apiError(resp))
	}
	if dest == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

func apiError(resp *http.Response) string {
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil && json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		return fmt.Sprintf("%s (%s)", payload.Error, resp.Status)
	}
	return resp.Status
}
