package blocks

import (
	"context"
	"fmt"

	"github.com/blockflow/blockflow/pkg/engine"
)

const domainChild = "child_workflow"

// ChildDefinition extracts the nested definition of a child_workflow config.
// Both built definitions and workflows are accepted.
func ChildDefinition(cfg engine.Config) (*engine.Definition, error) {
	raw, ok := cfg.Value("definition")
	if !ok || raw == nil {
		return nil, &engine.ConfigError{Key: "definition", Message: "is required"}
	}
	switch v := raw.(type) {
	case *engine.Definition:
		return v, nil
	case *engine.Workflow:
		def, err := v.Build()
		if err != nil {
			return nil, &engine.ConfigError{Key: "definition", Message: "nested workflow is invalid", Err: err}
		}
		return def, nil
	default:
		return nil, &engine.ConfigError{Key: "definition", Message: fmt.Sprintf("expected workflow definition, got %T", raw)}
	}
}

func childFactory(o Options) engine.Factory {
	return func(cfg engine.Config) (engine.Executor, error) {
		def, err := ChildDefinition(cfg)
		if err != nil {
			return nil, err
		}
		timeout, err := cfg.Duration("timeout", 0)
		if err != nil {
			return nil, err
		}

		opts := append([]engine.RunnerOption{}, o.ChildRunnerOptions...)
		if timeout > 0 {
			opts = append(opts, engine.WithTimeout(timeout))
		}
		runner := engine.NewRunner(opts...)

		return engine.ExecutorFunc(func(ctx context.Context, in engine.Value) (engine.Value, error) {
			out := runner.Run(ctx, def, in)
			switch out.State {
			case engine.RunSucceeded:
				return out.Output, nil
			case engine.RunTimedOut:
				return engine.Value{}, engine.NewBlockError(domainChild, "child_timed_out", "nested workflow timed out").
					WithDetail("child_run_id", out.RunID).
					Wrap(out.Err())
			default:
				be := engine.NewBlockError(domainChild, "child_failed", "nested workflow failed").
					WithDetail("child_run_id", out.RunID).
					Wrap(out.Err())
				if env := out.Envelope; env != nil {
					be.Message = fmt.Sprintf("nested workflow failed: %s", env.Message)
					be.WithDetail("child_code", env.Code).WithDetail("child_domain", env.Domain)
					if env.ProviderStatus != nil {
						be.WithProviderStatus(*env.ProviderStatus)
					}
				}
				return engine.Value{}, be
			}
		}), nil
	}
}
