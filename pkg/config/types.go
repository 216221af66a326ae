package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Format identifies the encoding of a workflow file.
type Format string

const (
	// FormatYAML is YAML (and therefore JSON).
	FormatYAML Format = "yaml"

	// FormatCUE is CUE, validated against the built-in #Workflow schema.
	FormatCUE Format = "cue"
)

// File is a decoded workflow file.
type File struct {
	// Name is the workflow display name.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// ID overrides the generated workflow id.
	ID string `yaml:"id,omitempty" json:"id,omitempty"`

	// Output designates the block whose output is the run result.
	Output string `yaml:"output,omitempty" json:"output,omitempty" validate:"omitempty,blockid"`

	// Budget bounds node firings per run.
	Budget *BudgetSpec `yaml:"budget,omitempty" json:"budget,omitempty"`

	// Blocks are the named, reusable blocks. Each id is one node.
	Blocks []BlockSpec `yaml:"blocks,omitempty" json:"blocks,omitempty" validate:"dive"`

	// Links are data edges.
	Links []LinkSpec `yaml:"links,omitempty" json:"links,omitempty" validate:"dive"`

	// Errors are error edges from a block to its handler.
	Errors []LinkSpec `yaml:"errors,omitempty" json:"errors,omitempty" validate:"dive"`

	// Path is the file the workflow was loaded from, empty for Parse.
	Path string `yaml:"-" json:"-"`
}

// BudgetSpec mirrors engine.Budget. Zero values take the engine default.
type BudgetSpec struct {
	PerNode int `yaml:"per_node,omitempty" json:"per_node,omitempty" validate:"gte=0"`
	Total   int `yaml:"total,omitempty" json:"total,omitempty" validate:"gte=0"`
}

// BlockSpec describes one block.
type BlockSpec struct {
	// ID names the block inside the file. Required for entries of File.Blocks,
	// absent on inline endpoints.
	ID string `yaml:"id,omitempty" json:"id,omitempty" validate:"omitempty,blockid"`

	// Type is the registry type id.
	Type string `yaml:"type" json:"type" validate:"required"`

	// Name is the display name reported in events. Defaults to ID.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Config is passed to the block factory.
	Config map[string]interface{} `yaml:"config,omitempty" json:"config,omitempty"`

	// Timeout bounds each attempt.
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" validate:"gte=0"`

	// Retry overrides the registry default retry policy.
	Retry *RetrySpec `yaml:"retry,omitempty" json:"retry,omitempty"`

	// Workflow includes another workflow file as the definition of a
	// child_workflow block. Relative paths resolve against the including file.
	Workflow string `yaml:"workflow,omitempty" json:"workflow,omitempty"`

	// child is the loaded include.
	child *File
}

// label is how the block is named in errors.
func (b *BlockSpec) label() string {
	if b.ID != "" {
		return fmt.Sprintf("block %q", b.ID)
	}
	return fmt.Sprintf("inline %s block", b.Type)
}

// RetrySpec describes a retry policy.
type RetrySpec struct {
	MaxAttempts int      `yaml:"max_attempts" json:"max_attempts" validate:"gte=0"`
	Backoff     string   `yaml:"backoff,omitempty" json:"backoff,omitempty" validate:"omitempty,oneof=none fixed exponential"`
	Delay       Duration `yaml:"delay,omitempty" json:"delay,omitempty" validate:"gte=0"`
	Base        Duration `yaml:"base,omitempty" json:"base,omitempty" validate:"gte=0"`
	Factor      float64  `yaml:"factor,omitempty" json:"factor,omitempty" validate:"omitempty,gte=1"`
	Cap         Duration `yaml:"cap,omitempty" json:"cap,omitempty" validate:"gte=0"`
	Jitter      float64  `yaml:"jitter,omitempty" json:"jitter,omitempty" validate:"gte=0,lte=1"`
	RetryOn     []string `yaml:"retry_on,omitempty" json:"retry_on,omitempty"`
}

// LinkSpec is one edge.
type LinkSpec struct {
	From Endpoint `yaml:"from" json:"from"`
	To   Endpoint `yaml:"to" json:"to"`
}

// Endpoint is either a reference to a named block or an inline block.
// Scalars decode as references, mappings as inline blocks.
type Endpoint struct {
	Ref    string
	Inline *BlockSpec
}

// IsZero reports whether the endpoint is unset.
func (e Endpoint) IsZero() bool {
	return e.Ref == "" && e.Inline == nil
}

// String implements fmt.Stringer.
func (e Endpoint) String() string {
	switch {
	case e.Ref != "":
		return e.Ref
	case e.Inline != nil:
		return e.Inline.label()
	default:
		return "<none>"
	}
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (e *Endpoint) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		e.Ref = node.Value
		return nil
	case yaml.MappingNode:
		var spec BlockSpec
		if err := node.Decode(&spec); err != nil {
			return err
		}
		e.Inline = &spec
		return nil
	default:
		return fmt.Errorf("line %d: endpoint must be a block id or a block mapping", node.Line)
	}
}

// MarshalYAML implements yaml.Marshaler.
func (e Endpoint) MarshalYAML() (interface{}, error) {
	if e.Inline != nil {
		return e.Inline, nil
	}
	return e.Ref, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Endpoint) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var spec BlockSpec
		if err := json.Unmarshal(data, &spec); err != nil {
			return err
		}
		e.Inline = &spec
		return nil
	}
	return json.Unmarshal(data, &e.Ref)
}

// MarshalJSON implements json.Marshaler.
func (e Endpoint) MarshalJSON() ([]byte, error) {
	if e.Inline != nil {
		return json.Marshal(e.Inline)
	}
	return json.Marshal(e.Ref)
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// Std returns the duration as time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

func parseDuration(s string) (Duration, error) {
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return Duration(v), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a string such as 1s", node.Line)
	}
	v, err := parseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = v
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string such as 1s")
	}
	v, err := parseDuration(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// ValidationError is a single problem found in a workflow file.
type ValidationError struct {
	// File is the source file, when known.
	File string `json:"file,omitempty"`

	// Line and Column locate CUE errors.
	Line   int `json:"line,omitempty"`
	Column int `json:"column,omitempty"`

	// Path is the field path (e.g. "blocks[1].type").
	Path string `json:"path,omitempty"`

	// Message describes the problem.
	Message string `json:"message"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem of a file.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "no validation errors"
	case 1:
		return e[0].Error()
	}
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return fmt.Sprintf("%d validation errors: %s", len(e), strings.Join(msgs, "; "))
}
