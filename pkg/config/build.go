package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/blockflow/blockflow/pkg/engine"
)

const childWorkflowType = "child_workflow"

// Build validates the file and constructs a workflow against reg. Named
// blocks become reusable references, so every id is exactly one node;
// inline endpoints become one-shot blocks.
func (f *File) Build(reg *engine.Registry) (*engine.Workflow, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	opts := []engine.Option{engine.WithRegistry(reg), engine.WithName(f.displayName())}
	if f.ID != "" {
		opts = append(opts, engine.WithID(f.ID))
	}
	if f.Budget != nil {
		opts = append(opts, engine.WithBudget(engine.Budget{PerNode: f.Budget.PerNode, Total: f.Budget.Total}))
	}
	wf := engine.New(opts...)

	refs := make(map[string]*engine.Block, len(f.Blocks))
	for i := range f.Blocks {
		spec := &f.Blocks[i]
		b, err := spec.block(reg)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", spec.label(), err)
		}
		ref := &b
		if _, err := wf.Add(ref); err != nil {
			return nil, fmt.Errorf("failed to add %s: %w", spec.label(), err)
		}
		refs[spec.ID] = ref
	}

	endpoint := func(ep Endpoint) (engine.Endpoint, error) {
		if ep.Inline != nil {
			b, err := ep.Inline.block(reg)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", ep.Inline.label(), err)
			}
			return b, nil
		}
		return refs[ep.Ref], nil
	}

	connect := func(kind string, links []LinkSpec, fn func(from, to engine.Endpoint) error) error {
		for i, l := range links {
			from, err := endpoint(l.From)
			if err != nil {
				return fmt.Errorf("%s[%d].from: %w", kind, i, err)
			}
			to, err := endpoint(l.To)
			if err != nil {
				return fmt.Errorf("%s[%d].to: %w", kind, i, err)
			}
			if err := fn(from, to); err != nil {
				return fmt.Errorf("%s[%d] %s -> %s: %w", kind, i, l.From, l.To, err)
			}
		}
		return nil
	}
	if err := connect("links", f.Links, wf.Link); err != nil {
		return nil, err
	}
	if err := connect("errors", f.Errors, wf.OnError); err != nil {
		return nil, err
	}

	if f.Output != "" {
		if err := wf.SetOutput(refs[f.Output]); err != nil {
			return nil, fmt.Errorf("failed to set output %q: %w", f.Output, err)
		}
	}

	return wf, nil
}

// Definition builds the file into a frozen definition.
func (f *File) Definition(reg *engine.Registry) (*engine.Definition, error) {
	wf, err := f.Build(reg)
	if err != nil {
		return nil, err
	}
	return wf.Build()
}

func (f *File) displayName() string {
	if f.Name != "" {
		return f.Name
	}
	if f.Path != "" {
		base := filepath.Base(f.Path)
		return strings.TrimSuffix(base, filepath.Ext(base))
	}
	return ""
}

// block converts b into an engine block value.
func (b *BlockSpec) block(reg *engine.Registry) (engine.Block, error) {
	cfg := make(engine.Config, len(b.Config)+1)
	for k, v := range b.Config {
		cfg[k] = v
	}

	if b.Workflow != "" {
		if b.child == nil {
			return engine.Block{}, fmt.Errorf("workflow %q is not loaded, use LoadFile to resolve includes", b.Workflow)
		}
		def, err := b.child.Definition(reg)
		if err != nil {
			return engine.Block{}, fmt.Errorf("failed to build included workflow %s: %w", b.Workflow, err)
		}
		cfg["definition"] = def
	}

	blk := engine.FromType(b.Type, cfg)
	if name := b.displayName(); name != "" {
		blk = blk.WithName(name)
	}
	if p := b.policy(reg); p != nil {
		blk = blk.WithPolicy(*p)
	}
	return blk, nil
}

func (b *BlockSpec) displayName() string {
	if b.Name != "" {
		return b.Name
	}
	return b.ID
}

// policy returns nil when b leaves the registry default in place.
// Retry and timeout override their half of the default independently.
func (b *BlockSpec) policy(reg *engine.Registry) *engine.Policy {
	if b.Retry == nil && b.Timeout == 0 {
		return nil
	}

	var p engine.Policy
	if reg != nil {
		if def, ok := reg.DefaultPolicy(b.Type); ok {
			p = def
		}
	}

	if r := b.Retry; r != nil {
		p.Retry = engine.Retry(r.MaxAttempts).Retry
		switch r.Backoff {
		case "fixed":
			p = p.WithFixedBackoff(r.Delay.Std())
		case "exponential":
			p = p.WithExponentialBackoff(r.Base.Std(), r.Factor, r.Cap.Std()).WithJitter(r.Jitter)
		}
		if len(r.RetryOn) > 0 {
			p = p.RetryOn(r.RetryOn...)
		}
	}

	if b.Timeout > 0 {
		p = p.WithTimeout(b.Timeout.Std())
	}
	return &p
}
