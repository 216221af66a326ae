package blocks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/blockflow/blockflow/pkg/engine"
)

// newExecutor builds a block of typ from a registry populated with the built-ins.
func newExecutor(t *testing.T, typ string, cfg engine.Config, opts ...Option) engine.Executor {
	t.Helper()
	reg, err := NewRegistry(opts...)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	exec, err := reg.Create(typ, cfg)
	if err != nil {
		t.Fatalf("Create(%s) failed: %v", typ, err)
	}
	return exec
}

// countingSink counts engine events by type.
type countingSink struct {
	mu     sync.Mutex
	counts map[engine.EventType]int
}

func (s *countingSink) OnEvent(e engine.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts == nil {
		s.counts = make(map[engine.EventType]int)
	}
	s.counts[e.Type]++
}

func (s *countingSink) count(t engine.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[t]
}

func run(t *testing.T, exec engine.Executor, in engine.Value) engine.Value {
	t.Helper()
	out, err := exec.Execute(context.Background(), in)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	return out
}

func expectBlockError(t *testing.T, err error, domain, code string, retryable bool) *engine.BlockError {
	t.Helper()
	var be *engine.BlockError
	if !errors.As(err, &be) {
		t.Fatalf("Expected BlockError, got %v", err)
	}
	if be.Domain != domain || be.Code != code {
		t.Errorf("Expected %s/%s, got %s/%s", domain, code, be.Domain, be.Code)
	}
	gotRetryable := be.Retryable == nil || *be.Retryable
	if gotRetryable != retryable {
		t.Errorf("Expected retryable=%v, got %v", retryable, gotRetryable)
	}
	return be
}

func TestRegisterBuiltins(t *testing.T) {
	reg, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	types := reg.Types()
	if len(types) != len(builtins()) {
		t.Errorf("Expected %d types, got %d", len(builtins()), len(types))
	}
	for _, info := range types {
		if !info.Builtin {
			t.Errorf("Expected %s to be builtin", info.ID)
		}
		if info.Description == "" {
			t.Errorf("Expected description for %s", info.ID)
		}
	}

	p, ok := reg.DefaultPolicy("http_request")
	if !ok {
		t.Fatal("Expected http_request default policy")
	}
	if p.Retry.MaxAttempts != 2 || p.Timeout != 30*time.Second {
		t.Errorf("Unexpected http policy: %+v", p)
	}
	if p.Retry.Backoff.Kind != engine.BackoffExponential || p.Retry.Backoff.Base != time.Second || p.Retry.Backoff.Factor != 2 {
		t.Errorf("Unexpected http backoff: %+v", p.Retry.Backoff)
	}

	if err := RegisterBuiltins(reg); !errors.Is(err, engine.ErrDuplicateType) {
		t.Errorf("Expected duplicate registration to fail, got %v", err)
	}
}

func TestBuiltins_InWorkflow(t *testing.T) {
	reg, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	wf := engine.New(engine.WithRegistry(reg))
	_, err = wf.Chain(
		engine.FromType("echo", engine.Config{"text": " a, b ,c "}),
		engine.FromType("split", nil),
		engine.FromType("trim", nil),
		engine.FromType("uppercase", nil),
		engine.FromType("merge", engine.Config{"separator": "+"}),
	)
	if err != nil {
		t.Fatalf("Chain failed: %v", err)
	}

	out := wf.Run(context.Background(), engine.Empty())
	if out.State != engine.RunSucceeded {
		t.Fatalf("Expected success, got %s (%v)", out.State, out.Err())
	}
	if out.Output.String() != "A+B+C" {
		t.Errorf("Expected A+B+C, got %q", out.Output.String())
	}
}
