package outbox

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Kind tags the variant of a queued mutation.
type Kind string

const (
	KindStatusUpdate Kind = "status_update"
	KindPhotoUpload  Kind = "photo_upload"
	KindRequest      Kind = "request"
)

var validKinds = map[Kind]bool{
	KindStatusUpdate: true,
	KindPhotoUpload:  true,
	KindRequest:      true,
}

// State of a stored job. Successful jobs are deleted, never transitioned,
// so the only persisted states are pending and dead.
type State string

const (
	StatePending State = "pending"
	StateDead    State = "dead"
)

// Job is a durably stored mutation awaiting replay against the backend.
// ID doubles as the idempotency key: it is minted once in NewJob and must
// never be regenerated, no matter how many attempts the job takes.
type Job struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	Retries       int             `json:"retries"`
	State         State           `json:"state"`
	DeadReason    string          `json:"dead_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
}

// StatusUpdate changes the status of an order.
type StatusUpdate struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// PhotoUpload attaches a proof-of-delivery photo to an order.
// ResourceRef is a local file path; the bytes stay on disk until replay.
type PhotoUpload struct {
	OrderID     string `json:"order_id"`
	ResourceRef string `json:"resource_ref"`
	ContentType string `json:"content_type,omitempty"`
}

// Request is the generic escape hatch: an arbitrary call to the backend.
type Request struct {
	Method       string `json:"method"`
	Path         string `json:"path"`
	Body         string `json:"body,omitempty"`
	BodyEncoding string `json:"body_encoding,omitempty"` // "json" (default) or "base64"
}

// NewJob mints a Job with a fresh ID and marshals the typed payload.
// payload must be a StatusUpdate, PhotoUpload or Request.
func NewJob(payload any) (*Job, error) {
	var kind Kind
	switch payload.(type) {
	case StatusUpdate, *StatusUpdate:
		kind = KindStatusUpdate
	case PhotoUpload, *PhotoUpload:
		kind = KindPhotoUpload
	case Request, *Request:
		kind = KindRequest
	default:
		return nil, fmt.Errorf("unsupported payload type %T", payload)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	j := &Job{
		ID:        uuid.New().String(),
		Kind:      kind,
		Payload:   raw,
		State:     StatePending,
		CreatedAt: time.Now().UTC(),
	}
	if err := j.Validate(); err != nil {
		return nil, err
	}
	return j, nil
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Kind, err)
	}
	return nil
}

// Validate checks the kind tag and the shape of the payload.
func (j *Job) Validate() error {
	if j.ID == "" {
		return errors.New("job id must not be empty")
	}
	if !validKinds[j.Kind] {
		return fmt.Errorf("unknown job kind %q", j.Kind)
	}

	switch j.Kind {
	case KindStatusUpdate:
		var p StatusUpdate
		if err := j.Decode(&p); err != nil {
			return err
		}
		if p.OrderID == "" || p.Status == "" {
			return errors.New("status_update requires order_id and status")
		}
	case KindPhotoUpload:
		var p PhotoUpload
		if err := j.Decode(&p); err != nil {
			return err
		}
		if p.OrderID == "" || p.ResourceRef == "" {
			return errors.New("photo_upload requires order_id and resource_ref")
		}
	case KindRequest:
		var p Request
		if err := j.Decode(&p); err != nil {
			return err
		}
		if err := p.validate(); err != nil {
			return err
		}
	}
	return nil
}

var validMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

func (r Request) validate() error {
	if !validMethods[r.Method] {
		return fmt.Errorf("request method %q is not allowed", r.Method)
	}
	if r.Path == "" || r.Path[0] != '/' {
		return fmt.Errorf("request path %q must start with /", r.Path)
	}
	switch r.BodyEncoding {
	case "", "json":
	case "base64":
		if _, err := base64.StdEncoding.DecodeString(r.Body); err != nil {
			return fmt.Errorf("request body is not valid base64: %w", err)
		}
	default:
		return fmt.Errorf("body_encoding must be 'json' or 'base64', got %q", r.BodyEncoding)
	}
	return nil
}

// RawBody returns the decoded request body bytes according to BodyEncoding.
func (r Request) RawBody() ([]byte, error) {
	if r.BodyEncoding == "base64" {
		return base64.StdEncoding.DecodeString(r.Body)
	}
	return []byte(r.Body), nil
}
