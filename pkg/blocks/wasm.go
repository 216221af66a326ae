package blocks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/blockflow/blockflow/pkg/engine"
)

const domainWASM = "wasm"

// WASMConfig contains the limits applied to wasm blocks.
type WASMConfig struct {
	// Timeout bounds a single module run.
	Timeout time.Duration

	// MemoryLimitPages is the maximum memory in 64KiB pages. Default is 256 (16MiB).
	MemoryLimitPages uint32
}

// wasmBlock runs a WASI command module. The module is compiled once; every
// execution gets a fresh runtime instance with stdin bound to the input.
type wasmBlock struct {
	code []byte
	cfg  WASMConfig
	args []string
}

func wasmFactory(Options) engine.Factory {
	return func(cfg engine.Config) (engine.Executor, error) {
		code, err := wasmCode(cfg)
		if err != nil {
			return nil, err
		}
		timeout, err := cfg.Duration("timeout", 30*time.Second)
		if err != nil {
			return nil, err
		}
		pages, err := cfg.Int("memory_limit_pages", 256)
		if err != nil {
			return nil, err
		}
		if pages <= 0 || pages > 65536 {
			return nil, &engine.ConfigError{Key: "memory_limit_pages", Message: "must be between 1 and 65536"}
		}
		args, err := cfg.Strings("args")
		if err != nil {
			return nil, err
		}

		b := &wasmBlock{
			code: code,
			cfg:  WASMConfig{Timeout: timeout, MemoryLimitPages: uint32(pages)},
			args: args,
		}

		// Reject invalid binaries when the workflow is built rather than when it runs.
		ctx := context.Background()
		rt := b.runtime(ctx)
		defer rt.Close(ctx)
		if _, err := rt.CompileModule(ctx, code); err != nil {
			return nil, &engine.ConfigError{Key: "module", Message: "failed to compile module", Err: err}
		}
		return b, nil
	}
}

func wasmCode(cfg engine.Config) ([]byte, error) {
	if raw, ok := cfg.Value("module"); ok && raw != nil {
		switch v := raw.(type) {
		case []byte:
			return v, nil
		case string:
			return []byte(v), nil
		default:
			return nil, &engine.ConfigError{Key: "module", Message: fmt.Sprintf("expected bytes, got %T", raw)}
		}
	}
	path, err := cfg.RequireString("path")
	if err != nil {
		return nil, err
	}
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, &engine.ConfigError{Key: "path", Message: "failed to read module", Err: err}
	}
	return code, nil
}

func (b *wasmBlock) runtime(ctx context.Context) wazero.Runtime {
	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(b.cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	return wazero.NewRuntimeWithConfig(ctx, runtimeConfig)
}

func (b *wasmBlock) Execute(ctx context.Context, in engine.Value) (engine.Value, error) {
	runCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	rt := b.runtime(runCtx)
	defer rt.Close(context.Background())

	if _, err := wasi_snapshot_preview1.Instantiate(runCtx, rt); err != nil {
		return engine.Value{}, engine.NewBlockError(domainWASM, "wasi_failed", err.Error()).Wrap(err)
	}

	compiled, err := rt.CompileModule(runCtx, b.code)
	if err != nil {
		return engine.Value{}, engine.NewBlockError(domainWASM, "compile_failed", err.Error()).
			WithRetryable(false).
			Wrap(err)
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithStdin(strings.NewReader(in.String())).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithArgs(append([]string{"block"}, b.args...)...)

	mod, err := rt.InstantiateModule(runCtx, compiled, modCfg)
	if mod != nil {
		defer mod.Close(context.Background())
	}
	if err != nil {
		if ctx.Err() != nil {
			return engine.Value{}, ctx.Err()
		}
		if runCtx.Err() != nil {
			return engine.Value{}, engine.NewBlockError(domainWASM, "timeout", fmt.Sprintf("module exceeded %v", b.cfg.Timeout))
		}
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) {
			if exitErr.ExitCode() == 0 {
				return engine.Text(stdout.String()), nil
			}
			return engine.Value{}, engine.NewBlockError(domainWASM, "exit_status", strings.TrimSpace(stderr.String())).
				WithDetail("exit_code", exitErr.ExitCode()).
				WithRetryable(false)
		}
		return engine.Value{}, engine.NewBlockError(domainWASM, "module_failed", err.Error()).
			WithRetryable(false).
			Wrap(err)
	}

	return engine.Text(stdout.String()), nil
}
