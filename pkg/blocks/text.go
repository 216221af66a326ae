package blocks

import (
	"context"
	"strings"
	"time"

	"github.com/blockflow/blockflow/pkg/engine"
)

func echoFactory(Options) engine.Factory {
	return func(cfg engine.Config) (engine.Executor, error) {
		text, err := cfg.String("text", "")
		if err != nil {
			return nil, err
		}
		fixed := cfg.Has("text")

		return engine.ExecutorFunc(func(ctx context.Context, in engine.Value) (engine.Value, error) {
			if fixed {
				return engine.Text(text), nil
			}
			return in, nil
		}), nil
	}
}

type textFunc func(string) string

func upper(s string) string { return strings.ToUpper(s) }
func lower(s string) string { return strings.ToLower(s) }
func trim(s string) string  { return strings.TrimSpace(s) }

// mapText applies fn to text values and to every item of a list.
func mapText(v engine.Value, fn textFunc) engine.Value {
	switch v.Kind() {
	case engine.KindText:
		return engine.Text(fn(v.String()))
	case engine.KindList:
		items := v.Items()
		for i, item := range items {
			items[i] = mapText(item, fn)
		}
		return engine.List(items...)
	default:
		return v
	}
}

func textFactory(fn textFunc) func(Options) engine.Factory {
	return func(Options) engine.Factory {
		return func(engine.Config) (engine.Executor, error) {
			return engine.ExecutorFunc(func(ctx context.Context, in engine.Value) (engine.Value, error) {
				return mapText(in, fn), nil
			}), nil
		}
	}
}

func delayFactory(Options) engine.Factory {
	return func(cfg engine.Config) (engine.Executor, error) {
		d, err := cfg.Duration("duration", time.Second)
		if err != nil {
			return nil, err
		}
		if d < 0 {
			return nil, &engine.ConfigError{Key: "duration", Message: "must not be negative"}
		}

		return engine.ExecutorFunc(func(ctx context.Context, in engine.Value) (engine.Value, error) {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return engine.Value{}, ctx.Err()
			case <-timer.C:
				return in, nil
			}
		}), nil
	}
}

func splitFactory(Options) engine.Factory {
	return func(cfg engine.Config) (engine.Executor, error) {
		delim, err := cfg.String("delimiter", ",")
		if err != nil {
			return nil, err
		}
		if delim == "" {
			return nil, &engine.ConfigError{Key: "delimiter", Message: "must not be empty"}
		}

		return engine.ExecutorFunc(func(ctx context.Context, in engine.Value) (engine.Value, error) {
			text := in.String()
			if text == "" {
				return engine.List(), nil
			}
			return engine.TextList(strings.Split(text, delim)), nil
		}), nil
	}
}

func splitLinesFactory(Options) engine.Factory {
	return func(cfg engine.Config) (engine.Executor, error) {
		delim, err := cfg.String("delimiter", "\n")
		if err != nil {
			return nil, err
		}
		trimEach, err := cfg.Bool("trim_each", true)
		if err != nil {
			return nil, err
		}
		skipEmpty, err := cfg.Bool("skip_empty", true)
		if err != nil {
			return nil, err
		}
		if delim == "" {
			delim = "\n"
		}

		return engine.ExecutorFunc(func(ctx context.Context, in engine.Value) (engine.Value, error) {
			lines := strings.Split(in.String(), delim)
			out := make([]string, 0, len(lines))
			for _, line := range lines {
				line = strings.TrimSuffix(line, "\r")
				if trimEach {
					line = strings.TrimSpace(line)
				}
				if skipEmpty && line == "" {
					continue
				}
				out = append(out, line)
			}
			return engine.TextList(out), nil
		}), nil
	}
}

func mergeFactory(Options) engine.Factory {
	return func(cfg engine.Config) (engine.Executor, error) {
		sep, err := cfg.String("separator", "\n")
		if err != nil {
			return nil, err
		}

		return engine.ExecutorFunc(func(ctx context.Context, in engine.Value) (engine.Value, error) {
			if in.Kind() != engine.KindList {
				return engine.Text(in.String()), nil
			}
			parts := make([]string, 0, len(in.Items()))
			for _, item := range in.Items() {
				if item.IsEmpty() {
					continue
				}
				parts = append(parts, item.String())
			}
			return engine.Text(strings.Join(parts, sep)), nil
		}), nil
	}
}

func selectFactory(Options) engine.Factory {
	return func(cfg engine.Config) (engine.Executor, error) {
		strategy, err := cfg.String("strategy", "first")
		if err != nil {
			return nil, err
		}
		if strategy != "first" && strategy != "last" {
			return nil, &engine.ConfigError{Key: "strategy", Message: "must be first or last"}
		}

		return engine.ExecutorFunc(func(ctx context.Context, in engine.Value) (engine.Value, error) {
			items := in.Items()
			if len(items) == 0 {
				return engine.Value{}, engine.NewBlockError("select_first", "empty_input", "no items to select from").
					WithRetryable(false)
			}
			if strategy == "last" {
				return items[len(items)-1], nil
			}
			return items[0], nil
		}), nil
	}
}
