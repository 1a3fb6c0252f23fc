package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aweris/dedupfs"
	"github.com/aweris/dedupfs/internal/index"
	"github.com/aweris/dedupfs/internal/staging"
	"github.com/aweris/dedupfs/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	*Server
	blobs *store.MemoryStore
	idx   *index.MemoryIndex
	reg   *prometheus.Registry
}

func newTestServer(t *testing.T, opts ...dedupfs.Option) *testServer {
	t.Helper()
	area, err := staging.NewArea(t.TempDir())
	require.NoError(t, err)

	ts := &testServer{
		blobs: store.NewMemoryStore(),
		idx:   index.NewMemoryIndex(),
		reg:   prometheus.NewRegistry(),
	}
	opts = append([]dedupfs.Option{dedupfs.WithStaging(area), dedupfs.WithRegisterer(ts.reg)}, opts...)
	engine, err := dedupfs.New(ts.blobs, ts.idx, opts...)
	require.NoError(t, err)

	ts.Server = New(engine, Options{Registerer: ts.reg, Gatherer: ts.reg})
	return ts
}

func (ts *testServer) do(t *testing.T, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) raw(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	return ts.do(t, method, target, strings.NewReader(body), "application/octet-stream")
}

func (ts *testServer) upload(t *testing.T, method, target, filename, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(formField, filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return ts.do(t, method, target, &buf, w.FormDataContentType())
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestPing(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/ping", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestRequestIDPropagates(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(requestIDHeader))
}

func TestCreateConflictGet(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.raw(t, http.MethodPost, "/file/a", "hello")
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, msgCreated, decode(t, rec)["message"])

	rec = ts.raw(t, http.MethodPost, "/file/a", "world")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, msgFileExists, decode(t, rec)["error"])

	rec = ts.do(t, http.MethodGet, "/file/a", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, `"5d41402abc4b2a76b9719d911017c592"`, rec.Header().Get("ETag"))
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}

func TestHead(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusCreated, ts.raw(t, http.MethodPost, "/file/a", "hello").Code)

	rec := ts.do(t, http.MethodHead, "/file/a", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Content-Length"))
	assert.Equal(t, `"5d41402abc4b2a76b9719d911017c592"`, rec.Header().Get("ETag"))
	assert.Zero(t, rec.Body.Len())
}

func TestHeadDoesNotReadBlob(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusCreated, ts.raw(t, http.MethodPost, "/file/a", "hello").Code)
	require.NoError(t, ts.blobs.Delete(context.Background(), "5d41402abc4b2a76b9719d911017c592"))

	rec := ts.do(t, http.MethodHead, "/file/a", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Content-Length"))

	rec = ts.do(t, http.MethodHead, "/file/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/file/a", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpsertFlow(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.raw(t, http.MethodPut, "/file/a", "hello")
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, msgCreated, decode(t, rec)["message"])

	rec = ts.raw(t, http.MethodPut, "/file/a", "world")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, msgUpdated, decode(t, rec)["message"])
	assert.Equal(t, 1, ts.blobs.Len(), "old content is reclaimed")

	rec = ts.raw(t, http.MethodPut, "/file/a", "world")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/file/a", nil, "")
	assert.Equal(t, "world", rec.Body.String())
}

func TestDelete(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodDelete, "/file/nonexistent", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, msgFileNotFound, decode(t, rec)["error"])

	require.Equal(t, http.StatusCreated, ts.raw(t, http.MethodPost, "/file/a", "hello").Code)
	require.Equal(t, http.StatusCreated, ts.raw(t, http.MethodPost, "/file/b", "hello").Code)

	rec = ts.do(t, http.MethodDelete, "/file/a", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, msgDeleted, decode(t, rec)["message"])
	assert.Equal(t, 1, ts.blobs.Len())

	rec = ts.do(t, http.MethodGet, "/file/a", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodDelete, "/file/b", nil, "").Code)
	assert.Zero(t, ts.blobs.Len())
}

func TestBadRequests(t *testing.T) {
	ts := newTestServer(t, dedupfs.WithMaxUploadBytes(8))

	tests := []struct {
		name string
		rec  func() *httptest.ResponseRecorder
	}{
		{"empty raw body", func() *httptest.ResponseRecorder { return ts.raw(t, http.MethodPost, "/file/a", "") }},
		{"empty put body", func() *httptest.ResponseRecorder { return ts.raw(t, http.MethodPut, "/file/a", "") }},
		{"raw disallowed ext", func() *httptest.ResponseRecorder { return ts.raw(t, http.MethodPost, "/file/a?ext=exe", "x") }},
		{"multipart disallowed ext", func() *httptest.ResponseRecorder {
			return ts.upload(t, http.MethodPost, "/file/a", "evil.exe", "x")
		}},
		{"multipart no ext", func() *httptest.ResponseRecorder {
			return ts.upload(t, http.MethodPost, "/file/a", "README", "x")
		}},
		{"multipart missing field", func() *httptest.ResponseRecorder {
			var buf bytes.Buffer
			w := multipart.NewWriter(&buf)
			require.NoError(t, w.WriteField("other", "x"))
			require.NoError(t, w.Close())
			return ts.do(t, http.MethodPost, "/file/a", &buf, w.FormDataContentType())
		}},
		{"too large", func() *httptest.ResponseRecorder { return ts.raw(t, http.MethodPost, "/file/a", "0123456789") }},
		{"name too long", func() *httptest.ResponseRecorder {
			return ts.raw(t, http.MethodPost, "/file/"+strings.Repeat("n", dedupfs.MaxNameLength+1), "x")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tt.rec()
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, msgBadRequest, decode(t, rec)["error"])
		})
	}
	assert.Zero(t, ts.blobs.Len())
}

func TestMultipartUpload(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.upload(t, http.MethodPost, "/file/data", "payload.JSON", `{"k":1}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	got, err := ts.idx.Get(context.Background(), "data")
	require.NoError(t, err)
	assert.Equal(t, "json", got.Extension)

	rec = ts.do(t, http.MethodGet, "/file/data", nil, "")
	assert.Equal(t, `{"k":1}`, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
}

func TestRawExtensionQuery(t *testing.T) {
	ts := newTestServer(t)

	require.Equal(t, http.StatusCreated, ts.raw(t, http.MethodPost, "/file/a?ext=json", "{}").Code)
	got, err := ts.idx.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "json", got.Extension)

	require.Equal(t, http.StatusCreated, ts.raw(t, http.MethodPost, "/file/b", "x").Code)
	got, err = ts.idx.Get(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, "txt", got.Extension)
}

func TestNoRoute(t *testing.T) {
	ts := newTestServer(t)
	for _, target := range []string{"/", "/nope", "/file/a/b"} {
		rec := ts.do(t, http.MethodGet, target, nil, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
		assert.Equal(t, msgNotFound, decode(t, rec)["error"])
	}
}

// brokenStore fails every call.
type brokenStore struct{ store.MemoryStore }

func (*brokenStore) Exists(context.Context, string) (bool, error) {
	return false, errors.New("backend down")
}

func TestStorageFailure(t *testing.T) {
	area, err := staging.NewArea(t.TempDir())
	require.NoError(t, err)
	engine, err := dedupfs.New(&brokenStore{}, index.NewMemoryIndex(), dedupfs.WithStaging(area))
	require.NoError(t, err)
	srv := New(engine, Options{})

	req := httptest.NewRequest(http.MethodPost, "/file/a", strings.NewReader("hello"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, msgServerError, decode(t, rec)["error"])
}

func TestPanicRecovery(t *testing.T) {
	ts := newTestServer(t)
	ts.router.GET("/boom", func(*gin.Context) { panic("boom") })

	rec := ts.do(t, http.MethodGet, "/boom", nil, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, msgServerError, decode(t, rec)["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusCreated, ts.raw(t, http.MethodPost, "/file/a", "hello").Code)

	rec := ts.do(t, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `dedupfs_http_requests_total{method="POST",route="/file/:name",status="201"} 1`)
	assert.Contains(t, body, `dedupfs_engine_operations_total{op="create",result="created"} 1`)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ts := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/ping"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
