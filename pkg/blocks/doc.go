// Package blocks provides the built-in block library.
//
// RegisterBuiltins installs every type on an engine.Registry:
//
//	reg := engine.NewRegistry()
//	if err := blocks.RegisterBuiltins(reg, blocks.WithLogger(logger)); err != nil {
//		return err
//	}
//	wf := engine.New(engine.WithRegistry(reg))
//	_ = wf.Link(
//		engine.FromType("http_request", engine.Config{"url": "https://example.com"}),
//		engine.FromType("markdown_to_html", nil),
//	)
//
// # Text and Lists
//
// echo, uppercase, lowercase, trim, delay, split, split_lines, merge and
// select_first work on Text values and, where it makes sense, on each item of
// a List.
//
// # Routing
//
// conditional emits a branch tag for a comparison. filter passes matching
// input and returns engine.ErrStop otherwise, so downstream blocks never fire.
// rego in route mode emits "allow" or "deny"; in gate mode a denial fails the
// block with the not retryable code policy_denied.
//
// # External Systems
//
// file_read, file_write, list_directory, http_request and sftp_upload report
// failures as engine.BlockError values with domain specific codes. HTTP
// responses outside 2xx use the code http_<status> and carry the status as
// provider status. http_request blocks default to two exponential retries.
//
// # Embedded Languages
//
// starlark calls transform(input) in a fresh interpreter per execution. wasm
// runs a WASI command module with the input on stdin and emits its stdout.
// Both are bounded by a timeout.
//
// # Nested Workflows
//
// child_workflow runs another definition with its input on a nested runner and
// emits the nested outcome. A failing child becomes a child_failed block error
// that keeps the nested code in its details.
package blocks
