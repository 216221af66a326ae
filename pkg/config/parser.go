package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

// ErrIncludeCycle is returned when workflow files include each other.
var ErrIncludeCycle = errors.New("workflow include cycle")

// Parser decodes workflow files.
type Parser struct {
	schemas *SchemaRegistry

	// cueMu serializes use of the CUE context.
	cueMu sync.Mutex
}

// NewParser creates a new parser with the built-in schemas.
func NewParser() *Parser {
	return &Parser{schemas: NewSchemaRegistry()}
}

// Schemas returns the schema registry used for CUE files.
func (p *Parser) Schemas() *SchemaRegistry {
	return p.schemas
}

var (
	defaultParserOnce sync.Once
	defaultParser     *Parser
)

func sharedParser() *Parser {
	defaultParserOnce.Do(func() {
		defaultParser = NewParser()
	})
	return defaultParser
}

// Parse decodes a workflow with the shared parser. See Parser.Parse.
func Parse(data []byte, format Format) (*File, error) {
	return sharedParser().Parse(data, format)
}

// LoadFile loads a workflow file with the shared parser. See Parser.LoadFile.
func LoadFile(path string) (*File, error) {
	return sharedParser().LoadFile(path)
}

// FormatFromPath picks the format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return FormatYAML, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported workflow file extension %q (want .yaml, .yml, .json or .cue)", filepath.Ext(path))
	}
}

// Parse decodes data without validating it or resolving includes.
func (p *Parser) Parse(data []byte, format Format) (*File, error) {
	return p.parse(data, format, "")
}

func (p *Parser) parse(data []byte, format Format, filename string) (*File, error) {
	switch format {
	case FormatYAML, "":
		return p.parseYAML(data)
	case FormatCUE:
		return p.parseCUE(data, filename)
	default:
		return nil, fmt.Errorf("unsupported workflow format %q", format)
	}
}

func (p *Parser) parseYAML(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("workflow file is empty")
		}
		return nil, fmt.Errorf("failed to decode workflow: %w", err)
	}
	return &f, nil
}

// parseCUE compiles data, unifies it with #Workflow and decodes the
// exported JSON.
func (p *Parser) parseCUE(data []byte, filename string) (*File, error) {
	if filename == "" {
		filename = "inline.cue"
	}

	p.cueMu.Lock()
	defer p.cueMu.Unlock()

	val := p.schemas.Context().CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}

	unified, err := p.schemas.Apply("workflow", val)
	if err != nil {
		return nil, convertCUEErrors(err)
	}

	raw, err := unified.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export workflow: %w", err)
	}

	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to decode workflow: %w", err)
	}
	return &f, nil
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: strings.TrimSpace(cueerrors.Details(e, nil)),
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}

// LoadFile reads, validates and resolves the includes of the workflow at
// path. child_workflow blocks with a workflow path load that file as their
// definition; a file that includes itself, directly or not, fails with
// ErrIncludeCycle.
func (p *Parser) LoadFile(path string) (*File, error) {
	return p.load(path, nil)
}

func (p *Parser) load(path string, stack []string) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	for _, seen := range stack {
		if seen == abs {
			chain := append(append([]string{}, stack...), abs)
			return nil, fmt.Errorf("%w: %s", ErrIncludeCycle, strings.Join(chain, " -> "))
		}
	}

	format, err := FormatFromPath(abs)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow: %w", err)
	}

	f, err := p.parse(data, format, abs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	f.Path = abs
	if err := f.Validate(); err != nil {
		return nil, err
	}

	stack = append(stack[:len(stack):len(stack)], abs)
	err = f.eachBlock(func(b *BlockSpec) error {
		if b.Workflow == "" {
			return nil
		}
		target := b.Workflow
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(abs), target)
		}
		child, err := p.load(target, stack)
		if err != nil {
			return fmt.Errorf("%s: failed to include %s: %w", b.label(), b.Workflow, err)
		}
		b.child = child
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// eachBlock calls fn for every named and inline block of the file.
func (f *File) eachBlock(fn func(*BlockSpec) error) error {
	for i := range f.Blocks {
		if err := fn(&f.Blocks[i]); err != nil {
			return err
		}
	}
	for _, links := range [][]LinkSpec{f.Links, f.Errors} {
		for _, l := range links {
			for _, ep := range []Endpoint{l.From, l.To} {
				if ep.Inline == nil {
					continue
				}
				if err := fn(ep.Inline); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Sources returns the paths of the file and every file it includes.
func (f *File) Sources() []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(*File)
	walk = func(file *File) {
		if file.Path != "" && !seen[file.Path] {
			seen[file.Path] = true
			out = append(out, file.Path)
		}
		_ = file.eachBlock(func(b *BlockSpec) error {
			if b.child != nil {
				walk(b.child)
			}
			return nil
		})
	}
	walk(f)
	return out
}
