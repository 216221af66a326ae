package engine

import (
	"encoding/json"
	"errors"
	"time"
)

// RetryDisposition records why a failure became terminal.
type RetryDisposition string

const (
	// DispositionNotRetryable means the policy predicate rejected a retry.
	DispositionNotRetryable RetryDisposition = "not_retryable"

	// DispositionExhausted means every permitted attempt was used.
	DispositionExhausted RetryDisposition = "exhausted"

	// DispositionFatal means the failure bypassed the reliability policy.
	DispositionFatal RetryDisposition = "fatal"
)

// Severity grades a terminal failure.
type Severity string

const (
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ErrorEnvelope is the immutable record of a terminal failure. Every error
// handler attached to the failing block receives an identical copy.
type ErrorEnvelope struct {
	Origin           Origin                 `json:"origin"`
	Domain           string                 `json:"domain"`
	Code             string                 `json:"code"`
	Message          string                 `json:"message"`
	RetryDisposition RetryDisposition       `json:"retry_disposition"`
	Severity         Severity               `json:"severity"`
	WorkflowID       string                 `json:"workflow_id"`
	RunID            string                 `json:"run_id"`
	BlockID          BlockID                `json:"block_id"`
	HasBlock         bool                   `json:"has_block"`
	Attempt          int                    `json:"attempt"`
	ProviderStatus   *int                   `json:"provider_status,omitempty"`
	Details          map[string]interface{} `json:"details,omitempty"`
	Timestamp        time.Time              `json:"ts"`
}

// envelopeFor builds the envelope for a terminal failure of err.
func envelopeFor(err error, workflowID, runID string, block *BlockID, attempt int, disposition RetryDisposition, now time.Time) ErrorEnvelope {
	origin, domain, code, message := errorCode(err)

	env := ErrorEnvelope{
		Origin:           origin,
		Domain:           domain,
		Code:             code,
		Message:          message,
		RetryDisposition: disposition,
		Severity:         SeverityError,
		WorkflowID:       workflowID,
		RunID:            runID,
		Attempt:          attempt,
		Timestamp:        now,
	}
	if block != nil {
		env.BlockID = *block
		env.HasBlock = true
	}

	var re *RuntimeError
	if errors.As(err, &re) {
		if re.Kind.IsFatal() || re.Kind == RuntimePanic {
			env.Severity = SeverityCritical
		}
		env.Details = copyDetails(re.Details)
		return env
	}

	be := AsBlockError(err)
	if be.ProviderStatus != nil {
		status := *be.ProviderStatus
		env.ProviderStatus = &status
	}
	env.Details = copyDetails(be.Details)
	return env
}

func copyDetails(details map[string]interface{}) map[string]interface{} {
	if len(details) == 0 {
		return nil
	}
	cp := make(map[string]interface{}, len(details))
	for k, v := range details {
		cp[k] = v
	}
	return cp
}

// JSON encodes the envelope. Encoding never fails for envelopes built by the engine.
func (e ErrorEnvelope) JSON() []byte {
	data, err := json.Marshal(e)
	if err != nil {
		return []byte(`{"code":"` + e.Code + `"}`)
	}
	return data
}

// Value renders the envelope as the Text input handed to error handlers.
func (e ErrorEnvelope) Value() Value {
	return Text(string(e.JSON()))
}

// DecodeEnvelope parses an envelope previously rendered by ErrorEnvelope.Value.
// Handler executors use it to inspect the failure they were dispatched for.
func DecodeEnvelope(in Value) (ErrorEnvelope, error) {
	var env ErrorEnvelope
	if err := json.Unmarshal([]byte(in.String()), &env); err != nil {
		return ErrorEnvelope{}, err
	}
	return env, nil
}
