// Package api is the local control surface of the sync engine. Host shells
// (the driver app's UI layer, ops tooling) enqueue mutations, kick drains and
// read queue badges over loopback HTTP instead of linking the engine directly.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/haulsync/haulsync/internal/outbox"
	"github.com/haulsync/haulsync/internal/syncer"
	"github.com/haulsync/haulsync/internal/telemetry"
)

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	store    outbox.Store
	syncer   *syncer.Syncer
	buffer   *telemetry.Buffer
	uploader *telemetry.Uploader
}

// NewHandler constructs a Handler with the given dependencies.
func NewHandler(store outbox.Store, s *syncer.Syncer, buf *telemetry.Buffer, up *telemetry.Uploader) *Handler {
	return &Handler{store: store, syncer: s, buffer: buf, uploader: up}
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/jobs", h.EnqueueJob)
	mux.HandleFunc("POST /api/v1/drain", h.Drain)
	mux.HandleFunc("POST /api/v1/pings", h.AppendPing)
	mux.HandleFunc("POST /api/v1/flush", h.Flush)
	mux.HandleFunc("GET /api/v1/status", h.Status)
	mux.HandleFunc("GET /api/v1/jobs/dead", h.ListDead)
	mux.HandleFunc("GET /api/v1/health", h.Health)
}

// enqueueRequest is the payload used to queue a mutation.
type enqueueRequest struct {
	Kind    outbox.Kind     `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// EnqueueJob handles POST /api/v1/jobs and responds 202 with the stored job.
// This is the "queue while offline" path; the host shell has already given
// the user optimistic feedback.
func (h *Handler) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB max
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	j, err := jobFromRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.syncer.Enqueue(r.Context(), j); err != nil {
		// Durable storage failed: the mutation is lost unless the caller
		// retries. Surfaced, never masked.
		writeError(w, http.StatusInternalServerError, "failed to persist job: "+err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, j)
}

func jobFromRequest(req enqueueRequest) (*outbox.Job, error) {
	switch req.Kind {
	case outbox.KindStatusUpdate:
		var p outbox.StatusUpdate
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return nil, err
		}
		return outbox.NewJob(p)
	case outbox.KindPhotoUpload:
		var p outbox.PhotoUpload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return nil, err
		}
		return outbox.NewJob(p)
	case outbox.KindRequest:
		var p outbox.Request
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return nil, err
		}
		return outbox.NewJob(p)
	default:
		return nil, fmt.Errorf("unknown job kind %q", req.Kind)
	}
}

// Drain handles POST /api/v1/drain: kicks a background drain pass and
// responds 202 immediately. A pass already in flight makes this a no-op.
func (h *Handler) Drain(w http.ResponseWriter, r *http.Request) {
	go h.syncer.Drain(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "drain scheduled"})
}

// AppendPing handles POST /api/v1/pings and responds 202 with the stored ping.
func (h *Handler) AppendPing(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	var p telemetry.Ping
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if p.Ts == 0 {
		p.Ts = time.Now().UTC().UnixMilli()
	}
	p.Uploaded = false

	if err := h.buffer.Append(r.Context(), &p); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to buffer ping: "+err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, p)
}

// Flush handles POST /api/v1/flush: kicks a background telemetry flush.
func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	go h.uploader.Flush(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "flush scheduled"})
}

// Status handles GET /api/v1/status: queue badges for the host UI.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	pending, err := h.store.PendingCount(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count pending jobs")
		return
	}
	dead, err := h.store.DeadCount(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count dead jobs")
		return
	}
	pingsPending, err := h.buffer.PendingCount(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count pending pings")
		return
	}

	resp := map[string]any{
		"pending_jobs":  pending,
		"dead_jobs":     dead,
		"pending_pings": pingsPending,
	}
	if last := h.syncer.LastDrain(); !last.IsZero() {
		resp["last_drain_at"] = last.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListDead handles GET /api/v1/jobs/dead: dead-letter inspection.
func (h *Handler) ListDead(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.store.ListDead(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list dead jobs")
		return
	}
	if jobs == nil {
		jobs = []*outbox.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "total": len(jobs)})
}

// Health handles GET /api/v1/health and responds 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
