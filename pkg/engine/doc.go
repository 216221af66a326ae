// Package engine provides the execution core of the Blockflow workflow engine.
//
// # Overview
//
// A workflow is a directed graph of blocks. Each block wraps an Executor that
// turns an input Value into an output Value. Blocks are linked with Normal
// edges that carry outputs downstream and Error edges that route terminal
// failures to handler blocks. Graphs may contain cycles; an iteration budget
// guarantees termination.
//
// # Building Workflows
//
// Link endpoints come in three forms:
//
//   - BlockID: an id returned by a previous Add
//   - *Block: a reusable reference, resolved to the same node on every use
//   - Block: an inline value, always a fresh node
//
// Example:
//
//	wf := engine.New(engine.WithRegistry(reg), engine.WithName("shout"))
//	greet := engine.NewBlock(engine.ExecutorFunc(func(ctx context.Context, in engine.Value) (engine.Value, error) {
//	    return engine.Text("hi"), nil
//	}))
//	if err := wf.Link(greet, engine.FromType("uppercase", nil)); err != nil {
//	    return err
//	}
//	out := wf.Run(ctx, engine.Empty())
//
// # Firing Rules
//
// Build classifies back-edges by depth-first search. A node with an inbound
// back-edge is a loop head and fires on any token. Other nodes are barriers:
// they fire once every inbound Normal edge holds a token and receive a List in
// edge insertion order when there are several. Entry nodes fire once with the
// run input. An executor returning ErrStop completes without emitting tokens.
//
// # Result Selection
//
// The run result is the output of the designated output node, else of the
// single sink, else of the primary sink (target of the last inserted Normal
// edge, or the smallest sink id), else of the most recently completed node.
//
// # Reliability
//
// Each block runs under a Policy resolved from the block, then its registry
// type default, then the zero policy. Policies combine retries with backoff
// and a per-attempt timeout:
//
//	engine.Retry(3).WithExponentialBackoff(100*time.Millisecond, 2, time.Second).WithTimeout(5*time.Second)
//
// # Error Handling
//
// Failures are either RuntimeError (engine-owned) or BlockError (domain-owned).
// A terminal block failure produces one ErrorEnvelope, delivered as JSON text
// to every handler attached with OnError. Handlers run concurrently and never
// change the run outcome.
//
// # Thread Safety
//
// Registry and Definition are safe for concurrent use once populated. Each
// run owns its state exclusively. EventSink implementations receive events
// from several goroutines.
package engine
