package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/drawledger/internal/blobstore"
	"github.com/smallbiznis/drawledger/internal/config"
	drawingdomain "github.com/smallbiznis/drawledger/internal/drawing/domain"
	"github.com/smallbiznis/drawledger/internal/drawing/drawingtest"
	"github.com/smallbiznis/drawledger/internal/drawing/jobs"
	"github.com/smallbiznis/drawledger/internal/jobqueue"
	"github.com/smallbiznis/drawledger/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testServer struct {
	server *Server
	ledger *drawingtest.Ledger
	blobs  *blobstore.Memory
	queue  jobqueue.Queue
}

type serverOption func(*ServerParams, *config.Config)

func withoutBlobStore() serverOption {
	return func(p *ServerParams, _ *config.Config) { p.Blobs = nil }
}

func withoutQueue() serverOption {
	return func(p *ServerParams, _ *config.Config) { p.Publisher = nil }
}

func withUploadLimits(maxBytes, deferBytes int64) serverOption {
	return func(_ *ServerParams, cfg *config.Config) {
		cfg.Upload.MaxBytes = maxBytes
		cfg.Upload.DeferBytes = deferBytes
	}
}

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ledger := drawingtest.NewLedger(t, drawingtest.OpenLedgerDB(t))
	blobs := blobstore.NewMemory()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	queue := jobqueue.NewRedisQueue(client, "test:jobs")

	cfg := config.Config{Environment: "test", Upload: config.UploadConfig{MaxBytes: 1 << 20, DeferBytes: 1 << 19}}
	params := ServerParams{
		Gin:        NewEngine(observability.Config{}, nil),
		LedgerCfg:  ledger.Config,
		Log:        zap.NewNop(),
		Clock:      ledger.Clock,
		DrawingSvc: ledger.Service,
		Blobs:      blobs,
		Publisher:  jobqueue.NewPublisher(queue, ledger.Clock),
	}
	for _, opt := range opts {
		opt(&params, &cfg)
	}
	params.Cfg = cfg

	return &testServer{server: NewServer(params), ledger: ledger, blobs: blobs, queue: queue}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.server.Engine().ServeHTTP(rec, req)
	return rec
}

type revisionView struct {
	ID            string   `json:"id"`
	DrawingNumber string   `json:"drawing_number"`
	Revision      *string  `json:"revision"`
	FileNames     []string `json:"file_names"`
	Status        string   `json:"status"`
	SupersededBy  *string  `json:"superseded_by"`
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var envelope struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope), rec.Body.String())
	return envelope.Data
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp.Error
}

func attachBody(entries ...map[string]any) map[string]any {
	return map[string]any{"entries": entries}
}

func entry(drawing, revision string) map[string]any {
	return map[string]any{
		"client_id":      1,
		"project_id":     7,
		"drawing_number": drawing,
		"revision":       revision,
		"file_names":     []string{drawing + "-" + revision + ".pdf"},
		"issue_date":     "2024-03-01",
	}
}

func TestAttachSupersedesAndListShowsHeads(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/drawings/attach", attachBody(entry("A-100", "P01"), entry("B-200", "P01")))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decodeData[drawingdomain.AttachResult](t, rec)
	assert.Equal(t, 2, first.Created)
	assert.Equal(t, 2, first.Total)

	rec = ts.do(t, http.MethodPost, "/api/drawings/attach", attachBody(entry("a-100", "P02")))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	second := decodeData[drawingdomain.AttachResult](t, rec)
	assert.Equal(t, 1, second.Created)
	assert.Equal(t, 1, second.Superseded)

	rec = ts.do(t, http.MethodGet, "/api/projects/7/drawings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	active := decodeData[[]revisionView](t, rec)
	require.Len(t, active, 2)
	assert.Equal(t, "A-100", active[0].DrawingNumber)
	assert.Equal(t, "P02", *active[0].Revision)
	assert.Equal(t, "B-200", active[1].DrawingNumber)

	rec = ts.do(t, http.MethodGet, "/api/projects/7/drawings?history=true&drawing=a-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeData[[]revisionView](t, rec)
	require.Len(t, history, 2)
	assert.Equal(t, "SUPERSEDED", history[0].Status)
	require.NotNil(t, history[0].SupersededBy)
	assert.Equal(t, history[1].ID, *history[0].SupersededBy)
}

func TestAttachReportsRejectedEntries(t *testing.T) {
	ts := newTestServer(t)

	bad := entry("C-1", "P01")
	bad["project_id"] = 0
	rec := ts.do(t, http.MethodPost, "/api/drawings/attach", attachBody(entry("A-100", "P01"), bad))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decodeData[drawingdomain.AttachResult](t, rec)
	assert.Equal(t, 1, res.Created)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, 1, res.Skipped[0].Index)
	assert.Equal(t, drawingdomain.ReasonValidation, res.Skipped[0].Reason)
}

func TestAttachValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body any
		code string
	}{
		{"malformed json", "{", "invalid_request"},
		{"empty batch", attachBody(), "empty_batch"},
		{"bad issue date", attachBody(map[string]any{"client_id": 1, "project_id": 7, "drawing_number": "A", "issue_date": "03/04/2024"}), "invalid_issue_date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/drawings/attach", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			payload := decodeError(t, rec)
			assert.Equal(t, "validation_error", payload.Type)
			require.Len(t, payload.Errors, 1)
			assert.Equal(t, tt.code, payload.Errors[0].Code)
		})
	}
}

func TestGetAndLineage(t *testing.T) {
	ts := newTestServer(t)
	for _, rev := range []string{"P01", "P02", "P03"} {
		rec := ts.do(t, http.MethodPost, "/api/drawings/attach", attachBody(entry("A-100", rev)))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := ts.do(t, http.MethodGet, "/api/projects/7/drawings?history=true", nil)
	all := decodeData[[]revisionView](t, rec)
	require.Len(t, all, 3)

	rec = ts.do(t, http.MethodGet, "/api/drawings/"+all[0].ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeData[revisionView](t, rec)
	assert.Equal(t, "P01", *got.Revision)

	rec = ts.do(t, http.MethodGet, "/api/drawings/"+all[2].ID+"/lineage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	chain := decodeData[[]revisionView](t, rec)
	require.Len(t, chain, 3)
	assert.Equal(t, "P01", *chain[0].Revision)
	assert.Equal(t, "P03", *chain[2].Revision)

	rec = ts.do(t, http.MethodGet, "/api/drawings/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Type)

	rec = ts.do(t, http.MethodGet, "/api/drawings/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_id", decodeError(t, rec).Errors[0].Code)
}

func TestListRejectsBadProject(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/projects/zero/drawings", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	assert.Equal(t, "invalid_project", payload.Errors[0].Code)
	assert.Equal(t, "project_id", payload.Errors[0].Field)
}

func TestPublishEnqueuesBatchJob(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/drawings/publish", attachBody(entry("A-100", "P01"), entry("A-100", "P02")))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	accepted := decodeData[jobAcceptedResponse](t, rec)
	assert.Equal(t, jobs.TypeBatchUpsert, accepted.JobType)
	assert.NotEmpty(t, accepted.CorrelationID)

	job, err := ts.queue.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, accepted.JobID, job.ID)

	worker := jobqueue.NewWorker(jobqueue.Params{Log: zap.NewNop(), Clock: ts.ledger.Clock})
	jobs.Register(worker, ts.ledger.Service, zap.NewNop())
	require.NoError(t, worker.Process(context.Background(), *job))

	assert.Equal(t, int64(1), drawingtest.CountHeads(t, ts.ledger.DB, 7, nil, "A-100"))
	assert.Equal(t, int64(2), drawingtest.CountRows(t, ts.ledger.DB, 7))
}

func TestPublishRejectsOversizedBatchBeforeEnqueue(t *testing.T) {
	ts := newTestServer(t)
	limit := ts.ledger.Config.Get().MaxEntriesPerBatch

	entries := make([]map[string]any, 0, limit+1)
	for i := 0; i <= limit; i++ {
		entries = append(entries, entry(fmt.Sprintf("A-%d", i), "P01"))
	}
	rec := ts.do(t, http.MethodPost, "/api/drawings/publish", attachBody(entries...))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "batch_too_large", decodeError(t, rec).Errors[0].Code)

	job, err := ts.queue.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestPublishWithoutQueue(t *testing.T) {
	ts := newTestServer(t, withoutQueue())

	rec := ts.do(t, http.MethodPost, "/api/drawings/publish", attachBody(entry("A-100", "P01")))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "service_unavailable", decodeError(t, rec).Type)
}

type uploadFile struct {
	name string
	body string
}

func (ts *testServer) upload(t *testing.T, projectID string, fields map[string]string, files ...uploadFile) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	for _, f := range files {
		part, err := w.CreateFormFile(uploadFormField, f.name)
		require.NoError(t, err)
		_, err = part.Write([]byte(f.body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/projects/"+projectID+"/drawings/upload", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	ts.server.Engine().ServeHTTP(rec, req)
	return rec
}

var uploadFields = map[string]string{
	"client_id":      "1",
	"drawing_number": "a-100",
	"revision":       "P01",
	"issue_date":     "2024-03-01",
}

func TestUploadInlineStoresFilesAndAttaches(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.upload(t, "7", uploadFields,
		uploadFile{name: "Ground Floor.pdf", body: "%PDF-1.7"},
		uploadFile{name: "ground floor.dwg", body: "AC1032"},
	)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	keys := ts.blobs.Keys()
	require.Len(t, keys, 2)
	for _, key := range keys {
		assert.True(t, strings.HasPrefix(key, "projects/7/drawings/a-100/2024/03/04/"), key)
	}

	rec = ts.do(t, http.MethodGet, "/api/projects/7/drawings", nil)
	active := decodeData[[]revisionView](t, rec)
	require.Len(t, active, 1)
	assert.ElementsMatch(t, keys, active[0].FileNames)

	data, _, ok := ts.blobs.Get(active[0].FileNames[0])
	require.True(t, ok)
	assert.NotEmpty(t, data)
}

func TestUploadDefersLargeFilesToQueue(t *testing.T) {
	ts := newTestServer(t, withUploadLimits(1<<20, 8))

	rec := ts.upload(t, "7", uploadFields, uploadFile{name: "big.pdf", body: strings.Repeat("x", 64)})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	accepted := decodeData[jobAcceptedResponse](t, rec)
	assert.Equal(t, jobs.TypeAttach, accepted.JobType)
	assert.Equal(t, int64(0), drawingtest.CountRows(t, ts.ledger.DB, 7))

	job, err := ts.queue.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	var payload jobs.EntriesPayload
	require.NoError(t, job.Decode(&payload))
	require.Len(t, payload.Entries, 1)
	assert.Equal(t, "upload", payload.Source)
	assert.Equal(t, ts.blobs.Keys(), payload.Entries[0].FileNames)
}

func TestUploadRejections(t *testing.T) {
	t.Run("no blob store", func(t *testing.T) {
		ts := newTestServer(t, withoutBlobStore())
		rec := ts.upload(t, "7", uploadFields, uploadFile{name: "a.pdf", body: "x"})
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("missing drawing number stores nothing", func(t *testing.T) {
		ts := newTestServer(t)
		rec := ts.upload(t, "7", map[string]string{"client_id": "1"}, uploadFile{name: "a.pdf", body: "x"})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_drawing_number", decodeError(t, rec).Errors[0].Code)
		assert.Empty(t, ts.blobs.Keys())
	})

	t.Run("no files", func(t *testing.T) {
		ts := newTestServer(t)
		rec := ts.upload(t, "7", uploadFields)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "required", decodeError(t, rec).Errors[0].Code)
	})

	t.Run("too large", func(t *testing.T) {
		ts := newTestServer(t, withUploadLimits(256, 0))
		rec := ts.upload(t, "7", uploadFields, uploadFile{name: "a.pdf", body: strings.Repeat("x", 4096)})
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Empty(t, ts.blobs.Keys())
	})
}

func TestIntegrityEndpoint(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/drawings/attach", attachBody(entry("A-100", "P01"), entry("A-100", "P02")))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/projects/7/drawings/integrity", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data    drawingdomain.IntegrityReport `json:"data"`
		Healthy bool                          `json:"healthy"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Healthy)
	assert.Equal(t, 2, resp.Data.Rows)
	assert.Equal(t, 1, resp.Data.Heads)
}

func TestUnknownRouteAndHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Type)
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		typ    string
	}{
		{drawingdomain.ErrInvalidDrawingNumber, http.StatusBadRequest, "validation_error"},
		{fmt.Errorf("wrapped: %w", drawingdomain.ErrPackageUnsupported), http.StatusBadRequest, "validation_error"},
		{drawingdomain.ErrConflict, http.StatusConflict, "conflict"},
		{fmt.Errorf("%w: connection refused", drawingdomain.ErrStoreUnavailable), http.StatusServiceUnavailable, "service_unavailable"},
		{jobqueue.ErrNotConfigured, http.StatusServiceUnavailable, "service_unavailable"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
		{&http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge, "payload_too_large"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		status, payload := mapError(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.typ, payload.Type, tt.err.Error())
	}

	typ, code := classifyErrorForLog(drawingdomain.ErrInvalidProject)
	assert.Equal(t, "validation_error", typ)
	assert.Equal(t, "invalid_project", code)
}
