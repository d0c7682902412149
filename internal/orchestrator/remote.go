package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Remote is the opaque executor reachable over HTTP. StartTask returns the
// raw event stream body; CancelTask is idempotent on the remote side.
type Remote interface {
	StartTask(ctx context.Context, task, serverURL string) (io.ReadCloser, error)
	CancelTask(ctx context.Context, taskID string) error
}

type HTTPRemote struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPRemote(baseURL string) *HTTPRemote {
	return &HTTPRemote{
		BaseURL: strings.TrimRight(baseURL, "/"),
		// No overall timeout: the task stream is long-lived and is bounded
		// by the request context instead.
		Client: &http.Client{},
	}
}

type startTaskRequest struct {
	Task      string `json:"task"`
	ServerURL string `json:"serverUrl,omitempty"`
}

func (r *HTTPRemote) StartTask(ctx context.Context, task, serverURL string) (io.ReadCloser, error) {
	body, err := json.Marshal(startTaskRequest{Task: task, ServerURL: serverURL})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/api/v1/tasks", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("remote task start failed: %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	}
	return resp.Body, nil
}

func (r *HTTPRemote) CancelTask(ctx context.Context, taskID string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/api/v1/tasks/"+taskID+"/cancel", nil)
	if err != nil {
		return err
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("remote cancel failed: %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	}
	return nil
}
