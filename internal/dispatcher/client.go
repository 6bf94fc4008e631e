// Package dispatcher is the typed facade over the dispatcher's HTTP/JSON
// wire protocol (spec.md §4.4, §6). It owns one *http.Client with a
// 30-second total timeout and injects Content-Type plus, once known, a
// bearer token on every call — the same shape as the pack's
// messagereport.Reporter.doPost helper, generalized to five typed calls
// instead of one.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/arkeep-io/dispatch-agent/internal/wire"
)

const requestTimeout = 30 * time.Second

// TransportError wraps any network-level failure (dial, timeout, body
// read) distinct from a non-2xx response.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("dispatcher: transport error: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// StatusError wraps a non-2xx response, carrying the server payload
// verbatim so callers (e.g. register) can surface it to the operator.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("dispatcher: non-2xx response %d: %s", e.Status, e.Body)
}

// Client is the single-owner HTTP facade. Concurrent calls are safe —
// they share the underlying *http.Client connection pool, and the token
// is read under a mutex set once by a successful Register.
type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

// New returns a Client targeting baseURL (spec.md §4.1 SERVER_BASE).
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// Register calls POST /bots/register. On success it stores the returned
// access token for subsequent calls.
func (c *Client) Register(ctx context.Context, req wire.RegisterRequest) (wire.RegisterResponse, error) {
	if err := wire.Validate("RegisterRequest", req); err != nil {
		return wire.RegisterResponse{}, err
	}

	var resp wire.RegisterResponse
	status, err := c.do(ctx, http.MethodPost, "/bots/register", req, &resp)
	if err != nil {
		return wire.RegisterResponse{}, fmt.Errorf("register error: %w", err)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return wire.RegisterResponse{}, fmt.Errorf("register error: unexpected status %d", status)
	}

	c.mu.Lock()
	c.token = resp.Auth.AccessToken
	c.mu.Unlock()

	return resp, nil
}

// Heartbeat calls PUT /bots/{bot_id}/heartbeat. Unlike the other typed
// calls, a non-2xx status is not an error here: spec.md §4.4 requires
// the response body to be decoded and returned regardless of status, so
// an assignment update (including a paused signal, P9) riding on an
// error response is never dropped. Only a transport failure — dial,
// timeout, an unreadable body — raises *TransportError. Matches
// original_source/bot/api.py's heartbeat(), which does `return await
// r.json()` with no status check at all.
func (c *Client) Heartbeat(ctx context.Context, botID string, req wire.HeartbeatRequest) (wire.HeartbeatResponse, error) {
	if err := wire.Validate("HeartbeatRequest", req); err != nil {
		return wire.HeartbeatResponse{}, err
	}

	path := fmt.Sprintf("/bots/%s/heartbeat", botID)
	_, respBody, err := c.send(ctx, http.MethodPut, path, req)
	if err != nil {
		return wire.HeartbeatResponse{}, err
	}

	var resp wire.HeartbeatResponse
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return wire.HeartbeatResponse{}, fmt.Errorf("dispatcher: failed to decode heartbeat response: %w", err)
		}
	}
	return resp, nil
}

// Claim calls POST /jobs/claim and returns the server's jobs array (or
// an empty slice if the key is missing/empty).
func (c *Client) Claim(ctx context.Context, req wire.ClaimRequest) ([]wire.RawJob, error) {
	if err := wire.Validate("ClaimRequest", req); err != nil {
		return nil, err
	}
	var resp wire.ClaimResponse
	if _, err := c.do(ctx, http.MethodPost, "/jobs/claim", req, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// ReportComplete calls POST /jobs/{job_id}/complete.
func (c *Client) ReportComplete(ctx context.Context, jobID string, req wire.CompleteRequest) error {
	if err := wire.Validate("CompleteRequest", req); err != nil {
		return err
	}
	path := fmt.Sprintf("/jobs/%s/complete", jobID)
	_, err := c.do(ctx, http.MethodPost, path, req, nil)
	return err
}

// ReportFail calls POST /jobs/{job_id}/fail.
func (c *Client) ReportFail(ctx context.Context, jobID string, req wire.FailRequest) error {
	if err := wire.Validate("FailRequest", req); err != nil {
		return err
	}
	path := fmt.Sprintf("/jobs/%s/fail", jobID)
	_, err := c.do(ctx, http.MethodPost, path, req, nil)
	return err
}

// send issues one request and returns the raw status and body exactly
// as received. Network-level failures (dial, timeout, an unreadable
// body) are wrapped as *TransportError; the caller decides what the
// status code means.
func (c *Client) send(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("dispatcher: failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, &TransportError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, &TransportError{Err: err}
	}
	return resp.StatusCode, respBody, nil
}

// do issues one request via send, decoding the response body into out
// (if non-nil) on any 2xx status. Non-2xx statuses are returned as
// *StatusError with the body verbatim; network failures as
// *TransportError. Heartbeat does not use do — it decodes regardless of
// status (see Heartbeat's doc comment).
func (c *Client) do(ctx context.Context, method, path string, body any, out any) (int, error) {
	status, respBody, err := c.send(ctx, method, path, body)
	if err != nil {
		return status, err
	}

	if status < 200 || status >= 300 {
		return status, &StatusError{Status: status, Body: string(respBody)}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return status, fmt.Errorf("dispatcher: failed to decode response: %w", err)
		}
	}

	return status, nil
}
