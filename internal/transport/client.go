// Package transport builds and issues the wire requests the sync engine
// replays against the logistics backend.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haulsync/haulsync/internal/outbox"
)

// Outcome classifies an attempt the way the retry policy needs it.
type Outcome int

const (
	// Success: 2xx, the job may be removed from the queue.
	Success Outcome = iota
	// Transient: network failure, timeout, 408, 429 or 5xx. Retry later.
	Transient
	// Permanent: the backend (or the local payload) rejected the job in a
	// way a retry cannot fix. Dead-letter it.
	Permanent
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Transient:
		return "transient"
	default:
		return "permanent"
	}
}

// Result reports one attempt at replaying a job.
type Result struct {
	Outcome    Outcome
	StatusCode int // 0 when the request never reached the backend
	Err        error
}

// Client talks to the logistics backend. Every mutation request carries the
// job's ID in the Idempotency-Key header so a replayed job is a no-op on the
// remote side.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a Client for the backend at baseURL. token, when non-empty, is
// sent as a bearer token on every request.
func New(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// Send replays one queued mutation and classifies the outcome.
func (c *Client) Send(ctx context.Context, j *outbox.Job) Result {
	req, err := c.buildRequest(ctx, j)
	if err != nil {
		// A request that cannot even be built will not improve with time.
		return Result{Outcome: Permanent, Err: err}
	}

	req.Header.Set("Idempotency-Key", j.ID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{Outcome: Transient, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	return Result{Outcome: classify(resp.StatusCode), StatusCode: resp.StatusCode}
}

func (c *Client) buildRequest(ctx context.Context, j *outbox.Job) (*http.Request, error) {
	switch j.Kind {
	case outbox.KindStatusUpdate:
		var p outbox.StatusUpdate
		if err := j.Decode(&p); err != nil {
			return nil, err
		}
		body, err := json.Marshal(map[string]string{"status": p.Status})
		if err != nil {
			return nil, fmt.Errorf("marshal status body: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPatch,
			c.baseURL+"/api/v1/orders/"+p.OrderID, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build status request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil

	case outbox.KindPhotoUpload:
		var p outbox.PhotoUpload
		if err := j.Decode(&p); err != nil {
			return nil, err
		}
		return c.buildPhotoRequest(ctx, p)

	case outbox.KindRequest:
		var p outbox.Request
		if err := j.Decode(&p); err != nil {
			return nil, err
		}
		body, err := p.RawBody()
		if err != nil {
			return nil, fmt.Errorf("decode request body: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, p.Method, c.baseURL+p.Path, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build generic request: %w", err)
		}
		if p.BodyEncoding == "base64" {
			req.Header.Set("Content-Type", "application/octet-stream")
		} else if len(body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil

	default:
		return nil, fmt.Errorf("unknown job kind %q", j.Kind)
	}
}

func (c *Client) buildPhotoRequest(ctx context.Context, p outbox.PhotoUpload) (*http.Request, error) {
	f, err := os.Open(p.ResourceRef)
	if err != nil {
		// The photo is gone from local storage; no retry can bring it back.
		return nil, fmt.Errorf("open photo %s: %w", p.ResourceRef, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("photo", filepath.Base(p.ResourceRef))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("read photo %s: %w", p.ResourceRef, err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/orders/"+p.OrderID+"/photos", &buf)
	if err != nil {
		return nil, fmt.Errorf("build photo request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req, nil
}

// classify maps an HTTP status to an Outcome. 408 and 429 are server-side
// "try again later" answers, so they retry like a 5xx.
func classify(status int) Outcome {
	switch {
	case status >= 200 && status < 300:
		return Success
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return Transient
	case status >= 500:
		return Transient
	default:
		return Permanent
	}
}

// LocationSample is one telemetry reading in the batch upload payload.
type LocationSample struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Accuracy float64 `json:"accuracy"`
	Speed    float64 `json:"speed"`
	Ts       int64   `json:"ts"`
}

// PostLocations uploads one batch of location samples. The endpoint answers
// with overall success or failure only; there is no per-item acknowledgment
// and no idempotency key, the backend tolerates duplicate pings.
func (c *Client) PostLocations(ctx context.Context, batch []LocationSample) error {
	if len(batch) == 0 {
		return nil
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal location batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/telemetry/locations", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build telemetry request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telemetry batch rejected: status %d", resp.StatusCode)
	}
	return nil
}

// Healthy probes the backend health endpoint. Used by the connectivity
// trigger to detect offline/online transitions.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
