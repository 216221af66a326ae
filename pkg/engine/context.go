package engine

import "context"

// RunInfo identifies the execution an executor is running in.
type RunInfo struct {
	WorkflowID string
	RunID      string
	BlockID    BlockID
	BlockName  string
	Attempt    int

	// Handler is set when the block runs as an error handler.
	Handler bool
}

type runInfoKey struct{}

type attemptKey struct{}

// WithRunInfo attaches run information to the context.
func WithRunInfo(ctx context.Context, info RunInfo) context.Context {
	return context.WithValue(ctx, runInfoKey{}, info)
}

// RunInfoFromContext returns the run information of the executing block.
func RunInfoFromContext(ctx context.Context) (RunInfo, bool) {
	info, ok := ctx.Value(runInfoKey{}).(RunInfo)
	if !ok {
		return RunInfo{}, false
	}
	if attempt, ok := ctx.Value(attemptKey{}).(int); ok {
		info.Attempt = attempt
	}
	return info, true
}

func withAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey{}, attempt)
}
