package engine

import (
	"context"
	"fmt"
)

// BlockID identifies a node of a workflow definition. Ids are arena indexes:
// assigned once at registration and never reused within a definition.
type BlockID int

// String returns the display form of the id.
func (id BlockID) String() string {
	return fmt.Sprintf("block-%d", int(id))
}

// Executor is the unit of work behind a block. Implementations must be safe
// for concurrent use: one executor may serve several runs at once.
type Executor interface {
	Execute(ctx context.Context, in Value) (Value, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, in Value) (Value, error)

// Execute calls f(ctx, in).
func (f ExecutorFunc) Execute(ctx context.Context, in Value) (Value, error) {
	return f(ctx, in)
}

// Block is a configured unit of work. The executor is either given directly
// or constructed from a registry by Type and Config when the block is added
// to a workflow.
//
// How a Block is passed decides its identity: a *Block is a reusable reference
// that maps to the same node every time it is linked, a Block value is an
// inline one-shot that always becomes a new node.
type Block struct {
	// Name is an optional display name used in events, logs and DOT output.
	Name string

	// Type is the registry type id. Required when Executor is nil.
	Type string

	// Config is handed to the registry factory for Type.
	Config Config

	// Executor, when set, is used as-is and Config is ignored.
	Executor Executor

	// Policy overrides the registry default policy for Type.
	Policy *Policy
}

// NewBlock returns a reusable block reference around exec.
func NewBlock(exec Executor) *Block {
	return &Block{Executor: exec}
}

// Inline returns a one-shot block value around exec.
func Inline(exec Executor) Block {
	return Block{Executor: exec}
}

// FromType returns a one-shot block value constructed by the registry.
// Take its address to obtain a reusable reference.
func FromType(typeID string, cfg Config) Block {
	return Block{Type: typeID, Config: cfg}
}

// WithName returns a copy of b with the display name set.
func (b Block) WithName(name string) Block {
	b.Name = name
	return b
}

// WithPolicy returns a copy of b with an explicit reliability policy.
func (b Block) WithPolicy(p Policy) Block {
	b.Policy = &p
	return b
}

// typeLabel is the block type reported in events and metrics.
func (b *Block) typeLabel() string {
	if b.Type != "" {
		return b.Type
	}
	return "custom"
}

// Endpoint is a link argument: a BlockID, a *Block reference or a Block value.
type Endpoint interface {
	endpoint()
}

func (BlockID) endpoint() {}
func (Block) endpoint()   {}
