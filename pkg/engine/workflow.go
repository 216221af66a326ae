package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Option configures a Workflow.
type Option func(*Workflow)

// WithRegistry sets the registry used to construct typed blocks.
func WithRegistry(reg *Registry) Option {
	return func(w *Workflow) {
		w.registry = reg
	}
}

// WithName sets the workflow display name.
func WithName(name string) Option {
	return func(w *Workflow) {
		w.name = name
	}
}

// WithBudget sets the iteration budget. Zero limits take the default.
func WithBudget(b Budget) Option {
	return func(w *Workflow) {
		w.budget = b
	}
}

// WithID overrides the generated workflow id.
func WithID(id string) Option {
	return func(w *Workflow) {
		if id != "" {
			w.id = id
		}
	}
}

// Workflow is the mutable builder of a Definition.
type Workflow struct {
	mu sync.Mutex

	id       string
	name     string
	registry *Registry
	budget   Budget

	nodes []node
	edges []Edge

	// refs maps reusable block references to their node.
	refs map[*Block]BlockID

	output *BlockID
}

// New creates an empty workflow.
func New(opts ...Option) *Workflow {
	w := &Workflow{
		id:   uuid.New().String(),
		refs: make(map[*Block]BlockID),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ID returns the workflow id.
func (w *Workflow) ID() string {
	return w.id
}

// Name returns the workflow display name.
func (w *Workflow) Name() string {
	return w.name
}

// Registry returns the registry, which may be nil.
func (w *Workflow) Registry() *Registry {
	return w.registry
}

// Add resolves ep to a node without linking it.
func (w *Workflow) Add(ep Endpoint) (BlockID, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.resolve(ep)
}

// Link adds a Normal edge from one endpoint to another. Each call adds a new
// edge, so linking one source several times fans out.
func (w *Workflow) Link(from, to Endpoint) error {
	return w.link(from, to, EdgeNormal)
}

// OnError attaches handler to from. The handler receives the error envelope
// of from's terminal failure as JSON text.
func (w *Workflow) OnError(from, handler Endpoint) error {
	return w.link(from, handler, EdgeError)
}

// Chain links the endpoints in order and returns the id of the last one.
func (w *Workflow) Chain(eps ...Endpoint) (BlockID, error) {
	if len(eps) == 0 {
		return 0, graphInvalid("chain needs at least one block")
	}
	prev, err := w.Add(eps[0])
	if err != nil {
		return 0, err
	}
	for _, ep := range eps[1:] {
		next, err := w.Add(ep)
		if err != nil {
			return 0, err
		}
		if err := w.Link(prev, next); err != nil {
			return 0, err
		}
		prev = next
	}
	return prev, nil
}

func (w *Workflow) link(from, to Endpoint, kind EdgeKind) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	fromID, err := w.resolve(from)
	if err != nil {
		return fmt.Errorf("failed to resolve link source: %w", err)
	}
	toID, err := w.resolve(to)
	if err != nil {
		return fmt.Errorf("failed to resolve link target: %w", err)
	}

	w.edges = append(w.edges, Edge{From: fromID, To: toID, Kind: kind})
	return nil
}

// SetOutput designates the node whose output is the run result.
func (w *Workflow) SetOutput(ep Endpoint) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	id, err := w.resolve(ep)
	if err != nil {
		return err
	}
	w.output = &id
	return nil
}

// resolve maps an endpoint to a node id. Callers hold w.mu.
func (w *Workflow) resolve(ep Endpoint) (BlockID, error) {
	switch v := ep.(type) {
	case BlockID:
		if v < 0 || int(v) >= len(w.nodes) {
			return 0, graphInvalid(fmt.Sprintf("unknown block %s", v))
		}
		return v, nil
	case *Block:
		if v == nil {
			return 0, graphInvalid("nil block reference")
		}
		if id, ok := w.refs[v]; ok {
			return id, nil
		}
		id, err := w.register(*v)
		if err != nil {
			return 0, err
		}
		w.refs[v] = id
		return id, nil
	case Block:
		return w.register(v)
	case nil:
		return 0, graphInvalid("nil endpoint")
	default:
		return 0, graphInvalid(fmt.Sprintf("unsupported endpoint %T", ep))
	}
}

// register appends a fresh node for b.
func (w *Workflow) register(b Block) (BlockID, error) {
	exec := b.Executor
	if exec == nil {
		if b.Type == "" {
			return 0, graphInvalid("block has neither executor nor type")
		}
		if w.registry == nil {
			return 0, graphInvalid(fmt.Sprintf("block type %q requires a registry", b.Type))
		}
		var err error
		exec, err = w.registry.Create(b.Type, b.Config)
		if err != nil {
			return 0, err
		}
	}

	policy := resolvePolicy(&b, w.registry)
	if err := policy.Validate(); err != nil {
		return 0, &ConfigError{TypeID: b.Type, Key: "policy", Message: "invalid policy", Err: err}
	}

	id := BlockID(len(w.nodes))
	w.nodes = append(w.nodes, node{
		id:     id,
		name:   b.Name,
		typ:    b.typeLabel(),
		exec:   exec,
		policy: policy,
	})
	return id, nil
}

// Build freezes the current graph into a Definition. The workflow can keep
// being modified; later changes do not affect definitions already built.
func (w *Workflow) Build() (*Definition, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	nodes := make([]node, len(w.nodes))
	for i, n := range w.nodes {
		nodes[i] = node{
			id:     n.id,
			name:   n.name,
			typ:    n.typ,
			exec:   n.exec,
			policy: n.policy,
		}
	}
	edges := make([]Edge, len(w.edges))
	copy(edges, w.edges)

	var output *BlockID
	if w.output != nil {
		id := *w.output
		output = &id
	}

	return buildDefinition(w.id, w.name, nodes, edges, output, w.budget)
}

// Run builds the workflow and runs it to completion. Build errors produce a
// failed outcome with a GraphInvalid envelope.
func (w *Workflow) Run(ctx context.Context, input Value, opts ...RunnerOption) Outcome {
	return w.Start(ctx, input, opts...).wait()
}

// Start builds the workflow and starts a run in the background.
func (w *Workflow) Start(ctx context.Context, input Value, opts ...RunnerOption) *RunHandle {
	runner := NewRunner(opts...)
	def, err := w.Build()
	if err != nil {
		return runner.startInvalid(w.id, w.name, err)
	}
	return runner.Start(ctx, def, input)
}
