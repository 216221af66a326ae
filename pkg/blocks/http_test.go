package blocks

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/blockflow/blockflow/pkg/engine"
)

// recordingHandler answers with a fixed status and records requests.
type recordingHandler struct {
	mu       sync.Mutex
	status   int
	body     string
	requests []recordedRequest
}

type recordedRequest struct {
	method    string
	body      string
	userAgent string
	header    string
}

func (h *recordingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	h.mu.Lock()
	h.requests = append(h.requests, recordedRequest{
		method:    r.Method,
		body:      string(data),
		userAgent: r.UserAgent(),
		header:    r.Header.Get("X-Test"),
	})
	status, body := h.status, h.body
	h.mu.Unlock()

	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func (h *recordingHandler) calls() []recordedRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]recordedRequest(nil), h.requests...)
}

func TestHTTPRequest_Get(t *testing.T) {
	h := &recordingHandler{status: http.StatusOK, body: "pong"}
	srv := httptest.NewServer(h)
	defer srv.Close()

	exec := newExecutor(t, "http_request", engine.Config{
		"headers": map[string]interface{}{"X-Test": "yes"},
	}, WithHTTPClient(srv.Client()))

	out := run(t, exec, engine.Text(srv.URL+"\n"))
	if out.String() != "pong" {
		t.Errorf("Expected pong, got %q", out.String())
	}

	calls := h.calls()
	if len(calls) != 1 {
		t.Fatalf("Expected 1 request, got %d", len(calls))
	}
	if calls[0].method != http.MethodGet || calls[0].header != "yes" || calls[0].userAgent != "blockflow" {
		t.Errorf("Unexpected request: %+v", calls[0])
	}
}

func TestHTTPRequest_PostBodyFromInput(t *testing.T) {
	h := &recordingHandler{status: http.StatusCreated, body: "created"}
	srv := httptest.NewServer(h)
	defer srv.Close()

	exec := newExecutor(t, "http_request", engine.Config{
		"url":        srv.URL,
		"method":     "post",
		"user_agent": "tester/1.0",
	}, WithHTTPClient(srv.Client()))

	if out := run(t, exec, engine.Text(`{"a":1}`)); out.String() != "created" {
		t.Errorf("Expected created, got %q", out.String())
	}
	calls := h.calls()
	if len(calls) != 1 || calls[0].body != `{"a":1}` || calls[0].method != http.MethodPost {
		t.Errorf("Unexpected request: %+v", calls)
	}
	if calls[0].userAgent != "tester/1.0" {
		t.Errorf("Expected custom user agent, got %q", calls[0].userAgent)
	}
}

func TestHTTPRequest_StatusErrors(t *testing.T) {
	tests := []struct {
		status    int
		code      string
		retryable bool
	}{
		{http.StatusServiceUnavailable, "http_503", true},
		{http.StatusNotFound, "http_404", false},
		{http.StatusTooManyRequests, "http_429", true},
		{http.StatusRequestTimeout, "http_408", true},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			srv := httptest.NewServer(&recordingHandler{status: tt.status})
			defer srv.Close()

			exec := newExecutor(t, "http_request", engine.Config{"url": srv.URL}, WithHTTPClient(srv.Client()))
			_, err := exec.Execute(context.Background(), engine.Empty())
			be := expectBlockError(t, err, domainHTTP, tt.code, tt.retryable)
			if be.ProviderStatus == nil || *be.ProviderStatus != tt.status {
				t.Errorf("Expected provider status %d, got %v", tt.status, be.ProviderStatus)
			}
		})
	}
}

func TestHTTPRequest_MissingURL(t *testing.T) {
	_, err := newExecutor(t, "http_request", nil).Execute(context.Background(), engine.Empty())
	expectBlockError(t, err, domainHTTP, "url_required", false)
}

func TestHTTPRequest_DefaultPolicyRetries(t *testing.T) {
	h := &recordingHandler{status: http.StatusBadGateway}
	srv := httptest.NewServer(h)
	defer srv.Close()

	reg, err := NewRegistry(WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	// Keep the retry count of the default policy but shorten its backoff.
	policy := HTTPDefaultPolicy().WithFixedBackoff(time.Millisecond)
	wf := engine.New(engine.WithRegistry(reg))
	if _, err := wf.Add(engine.FromType("http_request", engine.Config{"url": srv.URL}).WithPolicy(policy)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	out := wf.Run(context.Background(), engine.Empty())
	if out.State != engine.RunFailed {
		t.Fatalf("Expected failure, got %s", out.State)
	}
	if out.Envelope.Code != "http_502" || out.Envelope.Attempt != 3 {
		t.Errorf("Expected http_502 after 3 attempts, got %s after %d", out.Envelope.Code, out.Envelope.Attempt)
	}
	if n := len(h.calls()); n != 3 {
		t.Errorf("Expected 3 requests, got %d", n)
	}
}

func TestHTTPRequest_InvalidMethod(t *testing.T) {
	reg, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	if _, err := reg.Create("http_request", engine.Config{"method": "TRACE"}); err == nil {
		t.Error("Expected unsupported method to be rejected")
	}
}
