package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/ollamux/ollamux/internal/config"
	"github.com/ollamux/ollamux/internal/core/domain"
	"github.com/ollamux/ollamux/internal/logger"
)

func newTestClient() *Client {
	return NewClient(config.UpstreamConfig{
		ConnectTimeout: time.Second,
		RequestTimeout: 5 * time.Second,
		IdleTimeout:    time.Second,
	}, logger.NewDiscard())
}

func testServer(url string) *domain.Server {
	return &domain.Server{ID: "s1", URL: url}
}

func TestProbeTags(t *testing.T) {
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	err := newTestClient().ProbeTags(context.Background(), testServer(backend.URL))
	require.NoError(t, err)
	assert.Equal(t, "/api/tags", gotPath)
}

func TestProbeTagsUpstreamError(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"model runner crashed"}`))
	}))
	defer backend.Close()

	err := newTestClient().ProbeTags(context.Background(), testServer(backend.URL))
	require.Error(t, err)

	var herr *httpError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, http.StatusInternalServerError, herr.HTTPStatus())
	assert.Equal(t, "model runner crashed", herr.Error())
}

func TestProbeGenerate(t *testing.T) {
	var gotBody []byte
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		buf := make([]byte, 4096)
		n, _ := r.Body.Read(buf)
		gotBody = buf[:n]
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	err := newTestClient().ProbeGenerate(context.Background(), testServer(backend.URL), "llama3:latest")
	require.NoError(t, err)

	assert.Equal(t, "/api/generate", gotPath)
	assert.Equal(t, "llama3:latest", gjson.GetBytes(gotBody, "model").String())
	assert.False(t, gjson.GetBytes(gotBody, "stream").Bool())
	assert.Equal(t, int64(1), gjson.GetBytes(gotBody, "options.num_predict").Int())
}

func TestProbeEmbeddings(t *testing.T) {
	var gotBody []byte
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		buf := make([]byte, 4096)
		n, _ := r.Body.Read(buf)
		gotBody = buf[:n]
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	err := newTestClient().ProbeEmbeddings(context.Background(), testServer(backend.URL), "nomic-embed-text")
	require.NoError(t, err)

	assert.Equal(t, "/api/embeddings", gotPath)
	assert.Equal(t, "nomic-embed-text", gjson.GetBytes(gotBody, "model").String())
	assert.Equal(t, "ping", gjson.GetBytes(gotBody, "prompt").String())
}

func TestFetchTags(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models":[
			{"name":"llama3:latest","digest":"abc123","size":4096,"modified_at":"2025-06-01T10:00:00Z"},
			{"model":"phi3:mini"},
			{"size":1}
		]}`))
	}))
	defer backend.Close()

	models, err := newTestClient().FetchTags(context.Background(), testServer(backend.URL))
	require.NoError(t, err)
	require.Len(t, models, 2)

	assert.Equal(t, "llama3:latest", models[0].Name)
	assert.Equal(t, "abc123", models[0].Digest)
	assert.Equal(t, int64(4096), models[0].Size)
	assert.Equal(t, 2025, models[0].ModifiedAt.Year())
	assert.Equal(t, "phi3:mini", models[1].Name)
}

func TestFetchTagsBearerToken(t *testing.T) {
	t.Setenv("UPSTREAM_TOKEN", "sekrit")

	var gotAuth string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"models":[]}`))
	}))
	defer backend.Close()

	server := testServer(backend.URL)
	server.BearerToken = "env:UPSTREAM_TOKEN"

	_, err := newTestClient().FetchTags(context.Background(), server)
	require.NoError(t, err)
	assert.Equal(t, "Bearer sekrit", gotAuth)
}

func TestForwardStreamsResponse(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte(`{"response":"hel","done":false}` + "\n"))
		flusher.Flush()
		_, _ = w.Write([]byte(`{"response":"lo","done":true}` + "\n"))
	}))
	defer backend.Close()

	rec := httptest.NewRecorder()
	wrote := false
	err := newTestClient().Forward(context.Background(), testServer(backend.URL),
		rec, "/api/generate", http.Header{}, []byte(`{"model":"llama3"}`), &wrote)
	require.NoError(t, err)

	assert.True(t, wrote)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"response":"hel"`)
	assert.Contains(t, rec.Body.String(), `"done":true`)
}

func TestForwardUpstreamErrorDoesNotCommit(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model 'missing' not found"}`))
	}))
	defer backend.Close()

	rec := httptest.NewRecorder()
	wrote := false
	err := newTestClient().Forward(context.Background(), testServer(backend.URL),
		rec, "/api/generate", http.Header{}, []byte(`{"model":"missing"}`), &wrote)
	require.Error(t, err)

	assert.False(t, wrote, "a failed upstream response must leave the client writer untouched")

	var herr *httpError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, http.StatusNotFound, herr.HTTPStatus())
	assert.Equal(t, "model 'missing' not found", herr.Error())
}

func TestForwardIdleWatchdog(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-release // stall without sending another chunk
	}))
	defer backend.Close()
	defer close(release)

	client := NewClient(config.UpstreamConfig{
		ConnectTimeout: time.Second,
		RequestTimeout: 10 * time.Second,
		IdleTimeout:    50 * time.Millisecond,
	}, logger.NewDiscard())

	rec := httptest.NewRecorder()
	wrote := false
	start := time.Now()
	err := client.Forward(context.Background(), testServer(backend.URL),
		rec, "/api/generate", http.Header{}, []byte(`{"model":"llama3"}`), &wrote)

	require.Error(t, err)
	assert.True(t, wrote)
	assert.Less(t, time.Since(start), 5*time.Second, "idle watchdog should fire well before the request timeout")
}
