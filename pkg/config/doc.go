// Package config loads workflow files and builds them into engine workflows.
//
// # Overview
//
// A workflow file names blocks, connects them with data links and error
// links, and optionally designates the output block and an iteration budget.
// Files are YAML (JSON works too) or CUE. CUE files are unified with the
// built-in #Workflow schema before decoding, so type errors are reported with
// file positions.
//
// # File Structure
//
//	name: shout
//	output: loud
//	budget: {per_node: 100, total: 1000}
//	blocks:
//	  - id: greet
//	    type: echo
//	    config: {text: hi}
//	  - id: loud
//	    type: uppercase
//	    timeout: 2s
//	    retry: {max_attempts: 2, backoff: exponential, base: 100ms, factor: 2}
//	links:
//	  - {from: greet, to: loud}
//	  - {from: loud, to: {type: file_write, config: {path: out.txt}}}
//	errors:
//	  - {from: loud, to: {type: echo}}
//
// An endpoint is either the id of a named block or an inline block mapping.
// Every named block is exactly one node, however many links mention it;
// every inline mapping is a new node.
//
// # Includes
//
// A child_workflow block may set workflow to another file. LoadFile loads
// it recursively, relative to the including file, and passes the built
// definition to the block. Include cycles fail with ErrIncludeCycle.
//
// # Usage Example
//
//	f, err := config.LoadFile("flows/shout.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	reg := engine.NewRegistry()
//	_ = blocks.RegisterBuiltins(reg)
//
//	wf, err := f.Build(reg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	out := wf.Run(ctx, engine.Empty())
//
// # Validation
//
// File.Validate checks struct tags (go-playground/validator) and the
// references between blocks, links and the output, and returns every
// problem at once as ValidationErrors. Unknown block types and invalid
// block configuration are reported by Build.
//
// # Watching
//
// Watcher reloads a file and its includes on change, debounced, and hands
// each result to a callback.
package config
