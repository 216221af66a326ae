package blocks

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/blockflow/blockflow/pkg/engine"
)

// Options configures the built-in block library.
type Options struct {
	// HTTPClient is used by http_request blocks.
	HTTPClient *http.Client

	// Logger receives debug output from blocks that talk to external systems.
	Logger zerolog.Logger

	// Now is the clock used by cron blocks.
	Now func() time.Time

	// ChildRunnerOptions are applied to the nested runner of child_workflow blocks.
	ChildRunnerOptions []engine.RunnerOption

	// SFTPDialer opens the SFTP session used by sftp_upload blocks.
	SFTPDialer SFTPDialer
}

// Option mutates Options.
type Option func(*Options)

// WithHTTPClient sets the client used by http_request blocks.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Options) {
		o.HTTPClient = c
	}
}

// WithLogger sets the logger handed to blocks.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// WithClock sets the clock used by cron blocks.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		o.Now = now
	}
}

// WithChildRunnerOptions sets runner options for nested workflow runs, typically
// an event sink so child events reach the same telemetry.
func WithChildRunnerOptions(opts ...engine.RunnerOption) Option {
	return func(o *Options) {
		o.ChildRunnerOptions = append(o.ChildRunnerOptions, opts...)
	}
}

// WithSFTPDialer replaces the SSH based dialer of sftp_upload blocks.
func WithSFTPDialer(d SFTPDialer) Option {
	return func(o *Options) {
		o.SFTPDialer = d
	}
}

func defaultOptions() Options {
	return Options{
		HTTPClient: &http.Client{},
		Logger:     zerolog.Nop(),
		Now:        time.Now,
		SFTPDialer: dialSFTP,
	}
}

type builtin struct {
	id          string
	description string
	factory     func(Options) engine.Factory
	policy      *engine.Policy
}

func builtins() []builtin {
	httpPolicy := HTTPDefaultPolicy()

	return []builtin{
		{id: "echo", description: "emits configured text or passes its input through", factory: echoFactory},
		{id: "uppercase", description: "converts text to upper case", factory: textFactory(upper)},
		{id: "lowercase", description: "converts text to lower case", factory: textFactory(lower)},
		{id: "trim", description: "trims surrounding whitespace", factory: textFactory(trim)},
		{id: "delay", description: "waits for a duration, then passes its input", factory: delayFactory},
		{id: "split", description: "splits text on a delimiter into a list", factory: splitFactory},
		{id: "split_lines", description: "splits text into a list of lines", factory: splitLinesFactory},
		{id: "merge", description: "joins list items into text", factory: mergeFactory},
		{id: "select_first", description: "picks the first or last item of a list", factory: selectFactory},
		{id: "conditional", description: "emits a branch tag for a comparison", factory: conditionalFactory},
		{id: "filter", description: "passes matching input and stops otherwise", factory: filterFactory},
		{id: "file_read", description: "reads a file", factory: fileReadFactory},
		{id: "file_write", description: "writes its input to a file", factory: fileWriteFactory},
		{id: "list_directory", description: "lists directory entries", factory: listDirFactory},
		{id: "http_request", description: "performs an HTTP request", factory: httpFactory, policy: &httpPolicy},
		{id: "child_workflow", description: "runs a nested workflow definition", factory: childFactory},
		{id: "markdown_to_html", description: "renders markdown as HTML", factory: markdownFactory},
		{id: "template", description: "renders a Go text template", factory: templateFactory},
		{id: "cron", description: "waits for the next cron tick and emits its time", factory: cronFactory},
		{id: "starlark", description: "transforms input with a Starlark script", factory: starlarkFactory},
		{id: "rego", description: "gates or routes input with a Rego policy", factory: regoFactory},
		{id: "wasm", description: "runs a WASI module with input on stdin", factory: wasmFactory},
		{id: "sftp_upload", description: "uploads input to a remote path over SFTP", factory: sftpFactory},
	}
}

// RegisterBuiltins registers every built-in block type on reg.
func RegisterBuiltins(reg *engine.Registry, opts ...Option) error {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	for _, b := range builtins() {
		regOpts := []engine.RegisterOption{engine.WithDescription(b.description)}
		if b.policy != nil {
			regOpts = append(regOpts, engine.WithDefaultPolicy(*b.policy))
		}
		if err := reg.RegisterBuiltin(b.id, b.factory(o), regOpts...); err != nil {
			return fmt.Errorf("failed to register %s: %w", b.id, err)
		}
	}
	return nil
}

// NewRegistry returns a registry populated with the built-in blocks.
func NewRegistry(opts ...Option) (*engine.Registry, error) {
	reg := engine.NewRegistry()
	if err := RegisterBuiltins(reg, opts...); err != nil {
		return nil, err
	}
	return reg, nil
}
