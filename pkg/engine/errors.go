package engine

import (
	"errors"
	"fmt"
)

// Origin tells who owns a failure: the engine or the block's domain.
type Origin string

const (
	// OriginRuntime marks engine-owned failures (timeouts, cancellation, panics, graph errors).
	OriginRuntime Origin = "runtime"

	// OriginBlock marks failures reported by a block executor.
	OriginBlock Origin = "block"
)

// RuntimeErrorKind enumerates the engine-owned failure kinds.
type RuntimeErrorKind string

const (
	// RuntimeTimeout indicates an attempt exceeded its timeout policy.
	RuntimeTimeout RuntimeErrorKind = "timeout"

	// RuntimeCanceled indicates the run was aborted while the block was in flight.
	RuntimeCanceled RuntimeErrorKind = "canceled"

	// RuntimePanic indicates the executor panicked. The panic is isolated to the block.
	RuntimePanic RuntimeErrorKind = "panic"

	// RuntimeGraphInvalid indicates a structural problem with the workflow graph.
	RuntimeGraphInvalid RuntimeErrorKind = "graph_invalid"

	// RuntimeIterationBudgetExceeded indicates a node or the run fired more often
	// than its iteration budget allows.
	RuntimeIterationBudgetExceeded RuntimeErrorKind = "iteration_budget_exceeded"
)

// IsFatal reports whether the kind terminates the run immediately, bypassing
// reliability policies.
func (k RuntimeErrorKind) IsFatal() bool {
	return k == RuntimeGraphInvalid || k == RuntimeIterationBudgetExceeded
}

// RuntimeError is an engine-owned failure.
type RuntimeError struct {
	// Kind classifies the failure.
	Kind RuntimeErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// BlockID is the block the failure is attributed to, when HasBlock is set.
	BlockID  BlockID `json:"block_id,omitempty"`
	HasBlock bool    `json:"-"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// NewRuntimeError creates a runtime error of the given kind.
func NewRuntimeError(kind RuntimeErrorKind, message string, err error) *RuntimeError {
	return &RuntimeError{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("[runtime:%s] %s", e.Kind, e.Message)
	if e.HasBlock {
		msg = fmt.Sprintf("%s (block=%s)", msg, e.BlockID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// Is matches another *RuntimeError of the same kind.
func (e *RuntimeError) Is(target error) bool {
	t, ok := target.(*RuntimeError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithBlock attributes the error to a block.
func (e *RuntimeError) WithBlock(id BlockID) *RuntimeError {
	e.BlockID = id
	e.HasBlock = true
	return e
}

// WithDetail adds a detail field to the error context.
func (e *RuntimeError) WithDetail(key string, value interface{}) *RuntimeError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// BlockError is a failure reported by an executor in its own domain vocabulary.
type BlockError struct {
	// Domain names the subsystem the block talks to (http, file, policy, ...).
	Domain string `json:"domain"`

	// Code is a stable machine-readable error code within the domain.
	Code string `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// ProviderStatus is an optional upstream status, such as an HTTP status code.
	ProviderStatus *int `json:"provider_status,omitempty"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`

	// Retryable overrides the policy predicate when set.
	Retryable *bool `json:"retryable,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// NewBlockError creates a domain error.
func NewBlockError(domain, code, message string) *BlockError {
	return &BlockError{
		Domain:  domain,
		Code:    code,
		Message: message,
	}
}

// Error implements the error interface.
func (e *BlockError) Error() string {
	msg := fmt.Sprintf("[%s/%s] %s", e.Domain, e.Code, e.Message)
	if e.ProviderStatus != nil {
		msg = fmt.Sprintf("%s (status=%d)", msg, *e.ProviderStatus)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *BlockError) Unwrap() error {
	return e.Err
}

// Is matches another *BlockError with the same domain and code.
func (e *BlockError) Is(target error) bool {
	t, ok := target.(*BlockError)
	if !ok {
		return false
	}
	return e.Domain == t.Domain && e.Code == t.Code
}

// WithProviderStatus records an upstream status code.
func (e *BlockError) WithProviderStatus(status int) *BlockError {
	e.ProviderStatus = &status
	return e
}

// WithDetail adds a detail field to the error context.
func (e *BlockError) WithDetail(key string, value interface{}) *BlockError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithRetryable pins the retry decision for this error regardless of policy.
func (e *BlockError) WithRetryable(retryable bool) *BlockError {
	e.Retryable = &retryable
	return e
}

// Wrap sets the underlying cause.
func (e *BlockError) Wrap(err error) *BlockError {
	e.Err = err
	return e
}

// AsBlockError returns the *BlockError in err's chain, or wraps err as a
// generic block failure.
func AsBlockError(err error) *BlockError {
	if err == nil {
		return nil
	}
	var be *BlockError
	if errors.As(err, &be) {
		return be
	}
	return NewBlockError(DomainBlock, CodeExecutionFailed, err.Error()).Wrap(err)
}

// IsRuntimeKind reports whether err carries a runtime error of the given kind.
func IsRuntimeKind(err error, kind RuntimeErrorKind) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Kind == kind
	}
	return false
}

// errorCode extracts the classification fields shared by envelopes and events.
func errorCode(err error) (origin Origin, domain, code, message string) {
	var re *RuntimeError
	if errors.As(err, &re) {
		return OriginRuntime, DomainRuntime, string(re.Kind), re.Error()
	}
	be := AsBlockError(err)
	return OriginBlock, be.Domain, be.Code, be.Message
}

var (
	// ErrStop is returned by an executor to complete successfully without
	// sending a token to its successors. It ends loops and filters branches.
	ErrStop = errors.New("stop propagation")

	// ErrDuplicateType is returned when a block type id is registered twice.
	ErrDuplicateType = errors.New("duplicate block type")

	// ErrUnknownType is returned when a block type id is not registered.
	ErrUnknownType = errors.New("unknown block type")
)

// Common domains and codes.
const (
	DomainRuntime = "runtime"
	DomainBlock   = "block"

	CodeExecutionFailed = "execution_failed"
	CodeTimeout         = string(RuntimeTimeout)
	CodeCanceled        = string(RuntimeCanceled)
	CodePanic           = string(RuntimePanic)
	CodeGraphInvalid    = string(RuntimeGraphInvalid)
	CodeBudgetExceeded  = string(RuntimeIterationBudgetExceeded)
)
