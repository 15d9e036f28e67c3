package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"

	"github.com/ollamux/ollamux/internal/config"
	"github.com/ollamux/ollamux/internal/core/constants"
	"github.com/ollamux/ollamux/internal/core/domain"
	"github.com/ollamux/ollamux/internal/env"
	"github.com/ollamux/ollamux/internal/logger"
	"github.com/ollamux/ollamux/pkg/pool"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	streamBufferSize = 32 * 1024
	maxErrorBody     = 8 * 1024
)

// httpError carries the upstream status code and message so the router's
// classifier sees both.
type httpError struct {
	status int
	msg    string
}

func (e *httpError) Error() string   { return e.msg }
func (e *httpError) HTTPStatus() int { return e.status }

// Client is the south-bound HTTP client: recovery probes, tags fetches and
// the streaming request forwarder share one transport.
type Client struct {
	http    *http.Client
	config  config.UpstreamConfig
	buffers *pool.Pool[*[]byte]
	logger  *logger.StyledLogger
}

func NewClient(cfg config.UpstreamConfig, log *logger.StyledLogger) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = constants.DefaultConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = constants.DefaultRequestTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = constants.DefaultIdleTimeout
	}

	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		http:    &http.Client{Transport: transport},
		config:  cfg,
		buffers: pool.NewBuffer(streamBufferSize),
		logger:  log,
	}
}

// ProbeTags is the lightweight server-level probe.
func (c *Client) ProbeTags(ctx context.Context, server *domain.Server) error {
	resp, err := c.send(ctx, server, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &httpError{resp.StatusCode, errorMessage(resp)}
	}
	return nil
}

// ProbeGenerate runs a minimal non-streaming generation against one model.
func (c *Client) ProbeGenerate(ctx context.Context, server *domain.Server, model string) error {
	payload, _ := json.Marshal(map[string]any{
		"model":   model,
		"prompt":  "ping",
		"stream":  false,
		"options": map[string]any{"num_predict": 1},
	})
	return c.probePost(ctx, server, "/api/generate", payload)
}

// ProbeEmbeddings runs a minimal embeddings request against one model.
func (c *Client) ProbeEmbeddings(ctx context.Context, server *domain.Server, model string) error {
	payload, _ := json.Marshal(map[string]any{
		"model":  model,
		"prompt": "ping",
	})
	return c.probePost(ctx, server, "/api/embeddings", payload)
}

func (c *Client) probePost(ctx context.Context, server *domain.Server, path string, payload []byte) error {
	resp, err := c.send(ctx, server, http.MethodPost, path, payload)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &httpError{resp.StatusCode, errorMessage(resp)}
	}
	return nil
}

// FetchTags pulls one server's model catalogue for the tags aggregator.
func (c *Client) FetchTags(ctx context.Context, server *domain.Server) ([]domain.ModelInfo, error) {
	resp, err := c.send(ctx, server, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return nil, err
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &httpError{resp.StatusCode, errorMessage(resp)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	var models []domain.ModelInfo
	gjson.GetBytes(body, "models").ForEach(func(_, entry gjson.Result) bool {
		info := domain.ModelInfo{
			Name:   entry.Get("name").String(),
			Digest: entry.Get("digest").String(),
			Size:   entry.Get("size").Int(),
		}
		if info.Name == "" {
			info.Name = entry.Get("model").String()
		}
		if modified := entry.Get("modified_at").String(); modified != "" {
			if t, err := time.Parse(time.RFC3339, modified); err == nil {
				info.ModifiedAt = t
			}
		}
		if info.Name != "" {
			models = append(models, info)
		}
		return true
	})
	return models, nil
}

// Forward proxies one request to an upstream server and streams the response
// back to the client. wrote is set the moment the response is committed; once
// set, the caller must not attempt another server. Streaming reads are bounded
// by the idle timeout between chunks on top of the overall request timeout.
func (c *Client) Forward(ctx context.Context, server *domain.Server, w http.ResponseWriter,
	path string, clientHeader http.Header, body []byte, wrote *bool) error {

	reqCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		strings.TrimRight(server.URL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	copyProxyHeaders(req.Header, clientHeader)
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req, server)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &httpError{resp.StatusCode, errorMessage(resp)}
	}

	for _, key := range []string{"Content-Type", "Content-Length", "X-Accel-Buffering"} {
		if v := resp.Header.Get(key); v != "" {
			w.Header().Set(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	*wrote = true

	return c.stream(w, resp.Body, cancel)
}

// stream copies the upstream body chunk by chunk, flushing after each write.
// An idle watchdog cancels the upstream request when no chunk arrives within
// the idle timeout.
func (c *Client) stream(w http.ResponseWriter, body io.Reader, cancel context.CancelFunc) error {
	buf := c.buffers.Get()
	defer c.buffers.Put(buf)

	flusher, _ := w.(http.Flusher)
	watchdog := time.AfterFunc(c.config.IdleTimeout, cancel)
	defer watchdog.Stop()

	for {
		n, err := body.Read(*buf)
		if n > 0 {
			watchdog.Reset(c.config.IdleTimeout)
			if _, werr := w.Write((*buf)[:n]); werr != nil {
				return fmt.Errorf("client write: %w", werr)
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("upstream read: %w", err)
		}
	}
}

func (c *Client) send(ctx context.Context, server *domain.Server, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(server.URL, "/")+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req, server)
	return c.http.Do(req)
}

func (c *Client) authorize(req *http.Request, server *domain.Server) {
	if token := env.ResolveSecret(server.BearerToken); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// copyProxyHeaders forwards the safe subset of client headers upstream.
func copyProxyHeaders(dst, src http.Header) {
	for _, key := range []string{"Content-Type", "Accept", "Accept-Encoding", "User-Agent"} {
		if v := src.Get(key); v != "" {
			dst.Set(key, v)
		}
	}
}

// errorMessage extracts the upstream error text: the JSON "error" field when
// present, the raw body otherwise, a status line as a last resort.
func errorMessage(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if msg := gjson.GetBytes(body, "error").String(); msg != "" {
		return msg
	}
	if trimmed := strings.TrimSpace(string(body)); trimmed != "" {
		return trimmed
	}
	return fmt.Sprintf("upstream returned HTTP %d", resp.StatusCode)
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBody))
	_ = body.Close()
}
