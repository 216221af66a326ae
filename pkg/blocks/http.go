package blocks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/blockflow/blockflow/pkg/engine"
)

const domainHTTP = "http"

// maxResponseBytes bounds the body kept as block output.
const maxResponseBytes = 10 << 20

// HTTPDefaultPolicy is the reliability policy of http_request blocks that do
// not set their own: two exponential retries from 1s and a 30s attempt timeout.
func HTTPDefaultPolicy() engine.Policy {
	return engine.Retry(2).
		WithExponentialBackoff(time.Second, 2, 30*time.Second).
		WithTimeout(30 * time.Second)
}

// StatusRetryable reports whether a failed HTTP status is worth retrying.
// Client errors are final except request timeouts and rate limiting.
func StatusRetryable(status int) bool {
	if status >= 400 && status < 500 {
		return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
	}
	return true
}

type httpBlock struct {
	client    *http.Client
	url       string
	method    string
	headers   map[string]string
	userAgent string
	body      string
}

func httpFactory(o Options) engine.Factory {
	return func(cfg engine.Config) (engine.Executor, error) {
		b := &httpBlock{client: o.HTTPClient}
		var err error
		if b.url, err = cfg.String("url", ""); err != nil {
			return nil, err
		}
		if b.method, err = cfg.String("method", http.MethodGet); err != nil {
			return nil, err
		}
		b.method = strings.ToUpper(b.method)
		switch b.method {
		case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead:
		default:
			return nil, &engine.ConfigError{Key: "method", Message: fmt.Sprintf("unsupported method %q", b.method)}
		}
		if b.headers, err = cfg.StringMap("headers"); err != nil {
			return nil, err
		}
		if b.userAgent, err = cfg.String("user_agent", "blockflow"); err != nil {
			return nil, err
		}
		if b.body, err = cfg.String("body", ""); err != nil {
			return nil, err
		}
		return b, nil
	}
}

func (b *httpBlock) hasBody() bool {
	return b.method == http.MethodPost || b.method == http.MethodPut || b.method == http.MethodPatch
}

// target resolves the URL and body. With a configured URL the input becomes
// the request body for methods that carry one; otherwise the input is the URL.
func (b *httpBlock) target(in engine.Value) (string, string) {
	text := strings.TrimSpace(in.String())
	if b.url == "" {
		return text, b.body
	}
	if b.hasBody() && in.String() != "" {
		return b.url, in.String()
	}
	return b.url, b.body
}

func (b *httpBlock) Execute(ctx context.Context, in engine.Value) (engine.Value, error) {
	url, body := b.target(in)
	if url == "" {
		return engine.Value{}, engine.NewBlockError(domainHTTP, "url_required", "no url in input or config").
			WithRetryable(false)
	}

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, b.method, url, reader)
	if err != nil {
		return engine.Value{}, engine.NewBlockError(domainHTTP, "invalid_request", err.Error()).
			WithDetail("url", url).
			WithRetryable(false).
			Wrap(err)
	}
	for k, v := range b.headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", b.userAgent)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return engine.Value{}, err
		}
		return engine.Value{}, engine.NewBlockError(domainHTTP, "request_failed", err.Error()).
			WithDetail("url", url).
			Wrap(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return engine.Value{}, engine.NewBlockError(domainHTTP, "read_failed", err.Error()).
			WithDetail("url", url).
			Wrap(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		be := engine.NewBlockError(domainHTTP, fmt.Sprintf("http_%d", resp.StatusCode), resp.Status).
			WithProviderStatus(resp.StatusCode).
			WithDetail("url", url).
			WithDetail("method", b.method)
		if !StatusRetryable(resp.StatusCode) {
			be.WithRetryable(false)
		}
		return engine.Value{}, be
	}

	return engine.Text(string(data)), nil
}
