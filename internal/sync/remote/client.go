// Package remote provides the HTTP client for replaying queued mutations
// against the server API.
//
// The server exposes one endpoint family per entity type. Every mutation
// carries the client's known record version and an idempotency key: after a
// reconnect the client cannot distinguish "never sent" from "sent but the
// response was lost", so the server must be safe to call more than once for
// the same logical mutation.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/edunexus/offsync/internal/models"
)

// IdempotencyHeader carries the per-queue-item idempotency key.
const IdempotencyHeader = "Idempotency-Key"

// DefaultTimeout bounds a single remote call.
const DefaultTimeout = 10 * time.Second

// Record is the authoritative server record returned after a mutation.
type Record struct {
	ID      string          `json:"id"`
	Version int             `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

// Mutation is one queued operation to replay.
type Mutation struct {
	Operation      models.Operation
	Entity         string
	EntityID       string // local record id, sent as client reference on CREATE
	ServerID       string // authoritative id, used in the URL when known
	Payload        json.RawMessage
	BaseVersion    int // the version the client last knew about
	IdempotencyKey string
}

// createBody is the CREATE request envelope.
type createBody struct {
	ClientID string          `json:"client_id"`
	Version  int             `json:"version"`
	Payload  json.RawMessage `json:"payload"`
}

// updateBody is the UPDATE request envelope.
type updateBody struct {
	Version int             `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

// Client issues entity mutations and health probes against the remote API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for the given API base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Apply replays one mutation and returns the authoritative server record.
// Error taxonomy:
//   - *TransportError: transient, the caller retries with backoff
//   - *ConflictError: a concurrent update happened; Server carries the record
//   - *NotFoundError: the target does not exist server-side
//   - *RejectedError: permanent rejection, not retryable
func (c *Client) Apply(ctx context.Context, m Mutation) (*Record, error) {
	var (
		method string
		path   string
		body   interface{}
	)

	targetID := m.ServerID
	if targetID == "" {
		targetID = m.EntityID
	}

	switch m.Operation {
	case models.OperationCreate:
		method = http.MethodPost
		path = "/api/" + url.PathEscape(m.Entity)
		body = createBody{ClientID: m.EntityID, Version: m.BaseVersion, Payload: m.Payload}
	case models.OperationUpdate:
		method = http.MethodPut
		path = "/api/" + url.PathEscape(m.Entity) + "/" + url.PathEscape(targetID)
		body = updateBody{Version: m.BaseVersion, Payload: m.Payload}
	case models.OperationDelete:
		method = http.MethodDelete
		path = "/api/" + url.PathEscape(m.Entity) + "/" + url.PathEscape(targetID) +
			"?version=" + strconv.Itoa(m.BaseVersion)
	default:
		return nil, &RejectedError{StatusCode: 0, Body: fmt.Sprintf("unknown operation %q", m.Operation)}
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, &RejectedError{StatusCode: 0, Body: fmt.Sprintf("marshal request: %v", err)}
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyHeader, m.IdempotencyKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		if m.Operation == models.OperationDelete && len(data) == 0 {
			return nil, nil
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, &RejectedError{StatusCode: resp.StatusCode, Body: fmt.Sprintf("malformed response: %v", err)}
		}
		return &rec, nil

	case resp.StatusCode == http.StatusNoContent:
		return nil, nil

	case resp.StatusCode == http.StatusConflict:
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, &RejectedError{StatusCode: resp.StatusCode, Body: fmt.Sprintf("malformed conflict body: %v", err)}
		}
		return nil, &ConflictError{Server: &rec}

	case resp.StatusCode == http.StatusNotFound:
		return nil, &NotFoundError{Entity: m.Entity, ID: targetID}

	case resp.StatusCode >= 500:
		return nil, &TransportError{Err: fmt.Errorf("server error %d: %s", resp.StatusCode, string(data))}

	default:
		return nil, &RejectedError{StatusCode: resp.StatusCode, Body: string(data)}
	}
}

// Probe performs a single health check. A nil return means the API is
// reachable and answering.
func (c *Client) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health probe returned %d", resp.StatusCode)
	}
	return nil
}

// TransportError is a transient network or server failure; retryable.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ConflictError reports a concurrent update; Server carries the
// authoritative record for server-wins resolution.
type ConflictError struct {
	Server *Record
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict, server at version %d", e.Server.Version)
}

// NotFoundError reports a missing target. On DELETE the caller treats this
// as success (the entity is already gone).
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s/%s not found on server", e.Entity, e.ID)
}

// RejectedError is a permanent, non-retryable rejection.
type RejectedError struct {
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected by server (status %d): %s", e.StatusCode, e.Body)
}

// IsTransient reports whether err warrants an automatic retry.
func IsTransient(err error) bool {
	_, ok := err.(*TransportError)
	return ok
}
