package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haulsync/haulsync/internal/outbox"
	"github.com/haulsync/haulsync/internal/syncer"
	"github.com/haulsync/haulsync/internal/telemetry"
	"github.com/haulsync/haulsync/internal/transport"
)

type stubSender struct{}

func (stubSender) Send(ctx context.Context, j *outbox.Job) transport.Result {
	return transport.Result{Outcome: transport.Success, StatusCode: 200}
}

type stubBatchSender struct{}

func (stubBatchSender) PostLocations(ctx context.Context, batch []transport.LocationSample) error {
	return nil
}

func newTestHandler(t *testing.T) (*Handler, *outbox.SQLiteStore, *telemetry.Buffer) {
	t.Helper()
	policy := outbox.DefaultPolicy()
	store, err := outbox.NewSQLiteStore(":memory:", policy)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	buf, err := telemetry.NewBuffer(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { buf.Close() })

	s := syncer.New(store, stubSender{}, policy)
	up := telemetry.NewUploader(buf, stubBatchSender{}, 0)
	return NewHandler(store, s, buf, up), store, buf
}

func serve(t *testing.T, h *Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func TestEnqueueJob_StatusUpdate(t *testing.T) {
	h, store, _ := newTestHandler(t)

	rr := serve(t, h, http.MethodPost, "/api/v1/jobs",
		`{"kind":"status_update","payload":{"order_id":"O1","status":"DELIVERED"}}`)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var j outbox.Job
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &j))
	assert.NotEmpty(t, j.ID)
	assert.Equal(t, outbox.KindStatusUpdate, j.Kind)

	stored, err := store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.NotNil(t, stored, "job must be durably stored")
	assert.Equal(t, outbox.StatePending, stored.State)
}

func TestEnqueueJob_InvalidBody(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rr := serve(t, h, http.MethodPost, "/api/v1/jobs", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestEnqueueJob_UnknownKind(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rr := serve(t, h, http.MethodPost, "/api/v1/jobs",
		`{"kind":"invoice_render","payload":{}}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "unknown job kind")
}

func TestEnqueueJob_InvalidPayload(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rr := serve(t, h, http.MethodPost, "/api/v1/jobs",
		`{"kind":"status_update","payload":{"order_id":"O1"}}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDrain_Accepted(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rr := serve(t, h, http.MethodPost, "/api/v1/drain", "")
	assert.Equal(t, http.StatusAccepted, rr.Code)
}

func TestAppendPing(t *testing.T) {
	h, _, buf := newTestHandler(t)

	rr := serve(t, h, http.MethodPost, "/api/v1/pings",
		`{"lat":48.85,"lng":2.35,"accuracy":5,"speed":12.5,"ts":1700000000000}`)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	pending, err := buf.Pending(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 48.85, pending[0].Lat)
	assert.False(t, pending[0].Uploaded)
}

func TestStatus(t *testing.T) {
	h, store, buf := newTestHandler(t)
	ctx := context.Background()

	j1, err := outbox.NewJob(outbox.StatusUpdate{OrderID: "O1", Status: "PICKED_UP"})
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(ctx, j1))
	j2, err := outbox.NewJob(outbox.StatusUpdate{OrderID: "O2", Status: "X"})
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(ctx, j2))
	require.NoError(t, store.MarkDead(ctx, j2.ID, "status 400"))
	require.NoError(t, buf.Append(ctx, &telemetry.Ping{Lat: 1, Lng: 2, Ts: time.Now().UnixMilli()}))

	rr := serve(t, h, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.EqualValues(t, 1, resp["pending_jobs"])
	assert.EqualValues(t, 1, resp["dead_jobs"])
	assert.EqualValues(t, 1, resp["pending_pings"])
}

func TestListDead(t *testing.T) {
	h, store, _ := newTestHandler(t)
	ctx := context.Background()

	rr := serve(t, h, http.MethodGet, "/api/v1/jobs/dead", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"jobs":[],"total":0}`, rr.Body.String())

	j, err := outbox.NewJob(outbox.StatusUpdate{OrderID: "O1", Status: "X"})
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(ctx, j))
	require.NoError(t, store.MarkDead(ctx, j.ID, "status 422"))

	rr = serve(t, h, http.MethodGet, "/api/v1/jobs/dead", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Jobs  []*outbox.Job `json:"jobs"`
		Total int           `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, j.ID, resp.Jobs[0].ID)
	assert.Equal(t, "status 422", resp.Jobs[0].DeadReason)
}

func TestHealth(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rr := serve(t, h, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}
