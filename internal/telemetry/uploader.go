package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/haulsync/haulsync/internal/transport"
)

// BatchSender uploads one batch of location samples, all-or-nothing.
type BatchSender interface {
	PostLocations(ctx context.Context, batch []transport.LocationSample) error
}

// DefaultBatchLimit caps how many pings a single flush submits.
const DefaultBatchLimit = 500

// Uploader flushes pending pings to the backend in batches.
type Uploader struct {
	buffer *Buffer
	sender BatchSender
	limit  int

	flushMu sync.Mutex // single-flight, same discipline as the drain
}

// NewUploader creates an Uploader. limit <= 0 falls back to DefaultBatchLimit.
func NewUploader(buffer *Buffer, sender BatchSender, limit int) *Uploader {
	if limit <= 0 {
		limit = DefaultBatchLimit
	}
	return &Uploader{buffer: buffer, sender: sender, limit: limit}
}

// Flush submits one batch of pending pings. On success every submitted ping
// is marked uploaded; on failure none is, and the whole batch is retried on
// the next cycle. Returns immediately if a flush is already in flight.
func (u *Uploader) Flush(ctx context.Context) {
	if !u.flushMu.TryLock() {
		return
	}
	defer u.flushMu.Unlock()

	pings, err := u.buffer.Pending(ctx, u.limit)
	if err != nil {
		slog.Error("telemetry flush: list pending", "error", err)
		return
	}
	if len(pings) == 0 {
		return
	}

	batch := make([]transport.LocationSample, len(pings))
	ids := make([]int64, len(pings))
	for i, p := range pings {
		batch[i] = transport.LocationSample{
			Lat:      p.Lat,
			Lng:      p.Lng,
			Accuracy: p.Accuracy,
			Speed:    p.Speed,
			Ts:       p.Ts,
		}
		ids[i] = p.ID
	}

	if err := u.sender.PostLocations(ctx, batch); err != nil {
		slog.Warn("telemetry flush: batch upload failed", "count", len(batch), "error", err)
		return
	}

	if err := u.buffer.MarkUploaded(ctx, ids); err != nil {
		// The batch reached the backend but the local flags did not flip.
		// Next flush resubmits the same pings; duplicates are tolerated.
		slog.Error("telemetry flush: mark uploaded", "error", err)
		return
	}
	slog.Info("telemetry flush: batch uploaded", "count", len(batch))
}
