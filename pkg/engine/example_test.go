package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blockflow/blockflow/pkg/engine"
)

// Example_linear builds a two block workflow and runs it.
func Example_linear() {
	wf := engine.New(engine.WithName("shout"))

	greet := engine.Inline(engine.ExecutorFunc(func(ctx context.Context, in engine.Value) (engine.Value, error) {
		return engine.Text("hi"), nil
	}))
	shout := engine.Inline(engine.ExecutorFunc(func(ctx context.Context, in engine.Value) (engine.Value, error) {
		return engine.Text(strings.ToUpper(in.String())), nil
	}))

	if err := wf.Link(greet, shout); err != nil {
		fmt.Println("link:", err)
		return
	}

	out := wf.Run(context.Background(), engine.Empty())
	fmt.Println(out.State, out.Output)
	// Output: succeeded HI
}

// Example_registry constructs blocks from a registry by type id.
func Example_registry() {
	reg := engine.NewRegistry()
	_ = reg.RegisterBuiltin("repeat", func(cfg engine.Config) (engine.Executor, error) {
		times, err := cfg.Int("times", 2)
		if err != nil {
			return nil, err
		}
		return engine.ExecutorFunc(func(ctx context.Context, in engine.Value) (engine.Value, error) {
			return engine.Text(strings.Repeat(in.String(), times)), nil
		}), nil
	})

	wf := engine.New(engine.WithRegistry(reg))
	src := engine.Inline(engine.ExecutorFunc(func(ctx context.Context, in engine.Value) (engine.Value, error) {
		return engine.Text("ab"), nil
	}))
	if err := wf.Link(src, engine.FromType("repeat", engine.Config{"times": 3})); err != nil {
		fmt.Println("link:", err)
		return
	}

	out := wf.Run(context.Background(), engine.Empty())
	fmt.Println(out.Output)
	// Output: ababab
}

// Example_errorHandling attaches a handler that inspects the failure envelope.
func Example_errorHandling() {
	wf := engine.New()

	fetch := engine.NewBlock(engine.ExecutorFunc(func(ctx context.Context, in engine.Value) (engine.Value, error) {
		return engine.Value{}, engine.NewBlockError("http", "http_503", "service unavailable").WithProviderStatus(503)
	}))
	fetch.Policy = func() *engine.Policy {
		p := engine.Retry(2).WithFixedBackoff(time.Millisecond)
		return &p
	}()

	report := engine.Inline(engine.ExecutorFunc(func(ctx context.Context, in engine.Value) (engine.Value, error) {
		env, err := engine.DecodeEnvelope(in)
		if err != nil {
			return engine.Value{}, err
		}
		fmt.Printf("handler saw %s/%s after %d attempts\n", env.Domain, env.Code, env.Attempt)
		return engine.Empty(), nil
	}))

	if err := wf.OnError(fetch, report); err != nil {
		fmt.Println("on_error:", err)
		return
	}

	out := wf.Run(context.Background(), engine.Empty())
	fmt.Println(out.State, out.Envelope.RetryDisposition)

	var runErr *engine.RunError
	fmt.Println(errors.As(out.Err(), &runErr))
	// Output:
	// handler saw http/http_503 after 3 attempts
	// failed exhausted
	// true
}

// Example_loop runs a cycle until the loop body stops propagation.
func Example_loop() {
	wf := engine.New(engine.WithBudget(engine.Budget{PerNode: 100}))

	count := 0
	body := engine.NewBlock(engine.ExecutorFunc(func(ctx context.Context, in engine.Value) (engine.Value, error) {
		count++
		if count == 4 {
			return engine.Value{}, engine.ErrStop
		}
		return engine.Text(fmt.Sprintf("pass %d", count)), nil
	}))
	if err := wf.Link(body, body); err != nil {
		fmt.Println("link:", err)
		return
	}

	out := wf.Run(context.Background(), engine.Empty(), engine.WithMode(engine.ModeCooperative))
	fmt.Println(out.State, out.Output, out.Steps)
	// Output: succeeded pass 3 4
}
