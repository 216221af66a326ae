package blocks

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/blockflow/blockflow/pkg/engine"
)

const domainStarlark = "starlark"

// StarlarkEvaluator runs a script that defines transform(input). The script
// is executed once per call so globals never leak between runs.
type StarlarkEvaluator struct {
	script   string
	timeout  time.Duration
	maxSteps uint64
}

// NewStarlarkEvaluator parses script and checks that it defines transform.
func NewStarlarkEvaluator(script string, timeout time.Duration, maxSteps uint64) (*StarlarkEvaluator, error) {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	se := &StarlarkEvaluator{script: script, timeout: timeout, maxSteps: maxSteps}

	globals, err := se.exec(&starlark.Thread{Name: "check", Print: func(*starlark.Thread, string) {}})
	if err != nil {
		return nil, err
	}
	if _, ok := globals["transform"].(starlark.Callable); !ok {
		return nil, fmt.Errorf("script must define transform(input)")
	}
	return se, nil
}

func (se *StarlarkEvaluator) exec(thread *starlark.Thread) (starlark.StringDict, error) {
	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
	globals, err := starlark.ExecFile(thread, "transform.star", se.script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}
	return globals, nil
}

// Execute calls transform with the input converted to a string or list.
func (se *StarlarkEvaluator) Execute(ctx context.Context, in engine.Value) (engine.Value, error) {
	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "blockflow",
		Print: func(*starlark.Thread, string) {},
	}
	if se.maxSteps > 0 {
		thread.SetMaxExecutionSteps(se.maxSteps)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-evalCtx.Done():
			thread.Cancel(evalCtx.Err().Error())
		case <-done:
		}
	}()

	globals, err := se.exec(thread)
	if err != nil {
		return engine.Value{}, se.failure(ctx, evalCtx, err)
	}
	fn := globals["transform"]

	arg, err := toStarlarkValue(in)
	if err != nil {
		return engine.Value{}, engine.NewBlockError(domainStarlark, "invalid_input", err.Error()).WithRetryable(false)
	}
	result, err := starlark.Call(thread, fn, starlark.Tuple{arg}, nil)
	if err != nil {
		return engine.Value{}, se.failure(ctx, evalCtx, err)
	}

	out, err := fromStarlarkValue(result)
	if err != nil {
		return engine.Value{}, engine.NewBlockError(domainStarlark, "invalid_result", err.Error()).WithRetryable(false)
	}
	return out, nil
}

func (se *StarlarkEvaluator) failure(ctx, evalCtx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if evalCtx.Err() != nil {
		return engine.NewBlockError(domainStarlark, "timeout", fmt.Sprintf("execution timeout after %v", se.timeout))
	}
	return engine.NewBlockError(domainStarlark, "script_failed", err.Error()).
		WithRetryable(false).
		Wrap(err)
}

// toStarlarkValue converts block input: Empty is None, Text a string, List a list.
func toStarlarkValue(v engine.Value) (starlark.Value, error) {
	switch v.Kind() {
	case engine.KindEmpty:
		return starlark.None, nil
	case engine.KindText:
		return starlark.String(v.String()), nil
	case engine.KindList:
		items := v.Items()
		list := make([]starlark.Value, len(items))
		for i, item := range items {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	default:
		return nil, fmt.Errorf("unsupported value kind: %s", v.Kind())
	}
}

// fromStarlarkValue converts a transform result. Scalars become text.
func fromStarlarkValue(v starlark.Value) (engine.Value, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return engine.Empty(), nil
	case starlark.String:
		return engine.Text(string(val)), nil
	case starlark.Bool, starlark.Int, starlark.Float:
		return engine.Text(val.String()), nil
	case *starlark.List:
		items := make([]engine.Value, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return engine.Value{}, err
			}
			items[i] = item
		}
		return engine.List(items...), nil
	case starlark.Tuple:
		items := make([]engine.Value, len(val))
		for i, elem := range val {
			item, err := fromStarlarkValue(elem)
			if err != nil {
				return engine.Value{}, err
			}
			items[i] = item
		}
		return engine.List(items...), nil
	default:
		return engine.Value{}, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func starlarkFactory(Options) engine.Factory {
	return func(cfg engine.Config) (engine.Executor, error) {
		script, err := cfg.RequireString("script")
		if err != nil {
			return nil, err
		}
		timeout, err := cfg.Duration("timeout", 30*time.Second)
		if err != nil {
			return nil, err
		}
		maxSteps, err := cfg.Int("max_steps", 0)
		if err != nil {
			return nil, err
		}
		if maxSteps < 0 {
			return nil, &engine.ConfigError{Key: "max_steps", Message: "must not be negative"}
		}

		se, err := NewStarlarkEvaluator(script, timeout, uint64(maxSteps))
		if err != nil {
			return nil, &engine.ConfigError{Key: "script", Message: "invalid script", Err: err}
		}
		return se, nil
	}
}
