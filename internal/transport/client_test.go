package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haulsync/haulsync/internal/outbox"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "test-token", 5*time.Second)
}

func TestSend_StatusUpdate(t *testing.T) {
	var gotMethod, gotPath, gotKey, gotAuth, gotBody string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	})

	j, err := outbox.NewJob(outbox.StatusUpdate{OrderID: "O1", Status: "DELIVERED"})
	require.NoError(t, err)

	res := client.Send(context.Background(), j)
	assert.Equal(t, Success, res.Outcome)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, http.MethodPatch, gotMethod)
	assert.Equal(t, "/api/v1/orders/O1", gotPath)
	assert.Equal(t, j.ID, gotKey)
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.JSONEq(t, `{"status":"DELIVERED"}`, gotBody)
}

func TestSend_PhotoUpload(t *testing.T) {
	photoPath := filepath.Join(t.TempDir(), "pod.jpg")
	require.NoError(t, os.WriteFile(photoPath, []byte("jpeg-bytes"), 0o600))

	var gotPath, gotKey, gotFilename string
	var gotFile []byte
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("Idempotency-Key")
		f, hdr, err := r.FormFile("photo")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer f.Close()
		gotFilename = hdr.Filename
		gotFile, _ = io.ReadAll(f)
		w.WriteHeader(http.StatusCreated)
	})

	j, err := outbox.NewJob(outbox.PhotoUpload{OrderID: "O7", ResourceRef: photoPath})
	require.NoError(t, err)

	res := client.Send(context.Background(), j)
	assert.Equal(t, Success, res.Outcome)
	assert.Equal(t, "/api/v1/orders/O7/photos", gotPath)
	assert.Equal(t, j.ID, gotKey)
	assert.Equal(t, "pod.jpg", gotFilename)
	assert.Equal(t, []byte("jpeg-bytes"), gotFile)
}

func TestSend_PhotoUpload_MissingFileIsPermanent(t *testing.T) {
	requestSeen := false
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requestSeen = true
	})

	j, err := outbox.NewJob(outbox.PhotoUpload{OrderID: "O7", ResourceRef: "/nonexistent/pod.jpg"})
	require.NoError(t, err)

	res := client.Send(context.Background(), j)
	assert.Equal(t, Permanent, res.Outcome, "a photo that no longer exists locally can never upload")
	assert.Error(t, res.Err)
	assert.False(t, requestSeen, "no request should reach the backend")
}

func TestSend_GenericRequest(t *testing.T) {
	var gotMethod, gotPath, gotBody, gotContentType string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	})

	j, err := outbox.NewJob(outbox.Request{
		Method: http.MethodPost,
		Path:   "/api/v1/orders/O1/notes",
		Body:   `{"text":"left at door"}`,
	})
	require.NoError(t, err)

	res := client.Send(context.Background(), j)
	assert.Equal(t, Success, res.Outcome)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/api/v1/orders/O1/notes", gotPath)
	assert.Equal(t, "application/json", gotContentType)
	assert.JSONEq(t, `{"text":"left at door"}`, gotBody)
}

func TestSend_GenericRequest_Base64(t *testing.T) {
	var gotBody []byte
	var gotContentType string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	})

	j, err := outbox.NewJob(outbox.Request{
		Method:       http.MethodPost,
		Path:         "/api/v1/blobs",
		Body:         "aGVsbG8=",
		BodyEncoding: "base64",
	})
	require.NoError(t, err)

	res := client.Send(context.Background(), j)
	assert.Equal(t, Success, res.Outcome)
	assert.Equal(t, "application/octet-stream", gotContentType)
	assert.Equal(t, []byte("hello"), gotBody)
}

func TestSend_NetworkErrorIsTransient(t *testing.T) {
	// Point at a server that is already gone.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()
	client := New(srv.URL, "", time.Second)

	j, err := outbox.NewJob(outbox.StatusUpdate{OrderID: "O1", Status: "DELIVERED"})
	require.NoError(t, err)

	res := client.Send(context.Background(), j)
	assert.Equal(t, Transient, res.Outcome)
	assert.Error(t, res.Err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		want   Outcome
	}{
		{200, Success},
		{201, Success},
		{204, Success},
		{400, Permanent},
		{404, Permanent},
		{408, Transient},
		{409, Permanent},
		{422, Permanent},
		{429, Transient},
		{500, Transient},
		{502, Transient},
		{503, Transient},
	}
	for _, tt := range tests {
		assert.Equalf(t, tt.want, classify(tt.status), "classify(%d)", tt.status)
	}
}

func TestPostLocations(t *testing.T) {
	var gotPath string
	var gotBatch []LocationSample
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBatch); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	batch := []LocationSample{
		{Lat: 48.85, Lng: 2.35, Accuracy: 5, Speed: 12.5, Ts: 1700000000000},
		{Lat: 48.86, Lng: 2.36, Accuracy: 8, Speed: 11.0, Ts: 1700000005000},
	}
	require.NoError(t, client.PostLocations(context.Background(), batch))
	assert.Equal(t, "/api/v1/telemetry/locations", gotPath)
	assert.Equal(t, batch, gotBatch)
}

func TestPostLocations_Rejected(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := client.PostLocations(context.Background(), []LocationSample{{Lat: 1, Lng: 2, Ts: 3}})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "status 500"))
}

func TestPostLocations_EmptyBatchNoRequest(t *testing.T) {
	requestSeen := false
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requestSeen = true
	})

	require.NoError(t, client.PostLocations(context.Background(), nil))
	assert.False(t, requestSeen)
}

func TestHealthy(t *testing.T) {
	up := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})
	assert.True(t, up.Healthy(context.Background()))

	down := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	assert.False(t, down.Healthy(context.Background()))
}
