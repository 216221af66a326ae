package blocks

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/blockflow/blockflow/pkg/engine"
)

const domainFile = "file"

// fileError classifies a filesystem error. Missing files and permission
// problems do not improve on retry.
func fileError(op, path string, err error) error {
	code := op + "_failed"
	retryable := true
	switch {
	case errors.Is(err, fs.ErrNotExist):
		code, retryable = "not_found", false
	case errors.Is(err, fs.ErrPermission):
		code, retryable = "permission_denied", false
	}
	be := engine.NewBlockError(domainFile, code, err.Error()).
		WithDetail("path", path).
		Wrap(err)
	if !retryable {
		be.WithRetryable(false)
	}
	return be
}

// pathFrom picks the input text as path unless the config path is forced or
// the input is blank.
func pathFrom(in engine.Value, configured string, force bool) string {
	if !force && in.Kind() == engine.KindText {
		if p := strings.TrimSpace(in.String()); p != "" {
			return p
		}
	}
	return configured
}

func fileReadFactory(Options) engine.Factory {
	return func(cfg engine.Config) (engine.Executor, error) {
		path, err := cfg.String("path", "")
		if err != nil {
			return nil, err
		}
		force, err := cfg.Bool("force_config_path", false)
		if err != nil {
			return nil, err
		}
		if force && path == "" {
			return nil, &engine.ConfigError{Key: "path", Message: "is required when force_config_path is set"}
		}

		return engine.ExecutorFunc(func(ctx context.Context, in engine.Value) (engine.Value, error) {
			p := pathFrom(in, path, force)
			if p == "" {
				return engine.Value{}, engine.NewBlockError(domainFile, "path_required", "no path in input or config").
					WithRetryable(false)
			}
			data, err := os.ReadFile(p)
			if err != nil {
				return engine.Value{}, fileError("read", p, err)
			}
			return engine.Text(string(data)), nil
		}), nil
	}
}

func fileWriteFactory(Options) engine.Factory {
	return func(cfg engine.Config) (engine.Executor, error) {
		path, err := cfg.RequireString("path")
		if err != nil {
			return nil, err
		}
		appendMode, err := cfg.Bool("append", false)
		if err != nil {
			return nil, err
		}

		return engine.ExecutorFunc(func(ctx context.Context, in engine.Value) (engine.Value, error) {
			if dir := filepath.Dir(path); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return engine.Value{}, fileError("write", path, err)
				}
			}

			flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
			if appendMode {
				flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
			}
			f, err := os.OpenFile(path, flags, 0o644)
			if err != nil {
				return engine.Value{}, fileError("write", path, err)
			}
			if _, err := f.WriteString(in.String()); err != nil {
				_ = f.Close()
				return engine.Value{}, fileError("write", path, err)
			}
			if err := f.Close(); err != nil {
				return engine.Value{}, fileError("write", path, err)
			}
			return engine.Text(path), nil
		}), nil
	}
}

func listDirFactory(Options) engine.Factory {
	return func(cfg engine.Config) (engine.Executor, error) {
		path, err := cfg.String("path", "")
		if err != nil {
			return nil, err
		}

		return engine.ExecutorFunc(func(ctx context.Context, in engine.Value) (engine.Value, error) {
			p := pathFrom(in, path, false)
			if p == "" {
				p = "."
			}
			entries, err := os.ReadDir(p)
			if err != nil {
				return engine.Value{}, fileError("list", p, err)
			}
			names := make([]string, len(entries))
			for i, e := range entries {
				names[i] = e.Name()
			}
			sort.Strings(names)
			return engine.TextList(names), nil
		}), nil
	}
}
