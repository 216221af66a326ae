package blocks

import (
	"context"
	"fmt"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/blockflow/blockflow/pkg/engine"
)

const domainPolicy = "policy"

// PolicyMode selects how a rego block acts on the decision.
type PolicyMode string

const (
	// PolicyGate passes the input when allowed and fails with policy_denied otherwise.
	PolicyGate PolicyMode = "gate"

	// PolicyRoute always succeeds and emits "allow" or "deny".
	PolicyRoute PolicyMode = "route"
)

// PolicyInput is the document evaluated as input by rego blocks.
type PolicyInput struct {
	Text  string   `json:"text"`
	Items []string `json:"items"`
	Kind  string   `json:"kind"`
	RunID string   `json:"run_id,omitempty"`
	Block string   `json:"block,omitempty"`
}

type regoBlock struct {
	query rego.PreparedEvalQuery
	expr  string
	mode  PolicyMode
}

// packagePath returns the dotted package path of a Rego module.
func packagePath(module string) (string, error) {
	parsed, err := ast.ParseModule("policy.rego", module)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(parsed.Package.Path.String(), "data."), nil
}

func regoFactory(Options) engine.Factory {
	return func(cfg engine.Config) (engine.Executor, error) {
		module, err := cfg.RequireString("module")
		if err != nil {
			return nil, err
		}
		rawMode, err := cfg.String("mode", string(PolicyGate))
		if err != nil {
			return nil, err
		}
		mode := PolicyMode(rawMode)
		if mode != PolicyGate && mode != PolicyRoute {
			return nil, &engine.ConfigError{Key: "mode", Message: fmt.Sprintf("unknown mode %q", rawMode)}
		}

		query, err := cfg.String("query", "")
		if err != nil {
			return nil, err
		}
		if query == "" {
			pkg, err := packagePath(module)
			if err != nil {
				return nil, &engine.ConfigError{Key: "module", Message: "failed to parse module", Err: err}
			}
			query = fmt.Sprintf("data.%s.allow", pkg)
		}

		prepared, err := rego.New(
			rego.Module("policy.rego", module),
			rego.Query(query),
		).PrepareForEval(context.Background())
		if err != nil {
			return nil, &engine.ConfigError{Key: "module", Message: "failed to compile policy", Err: err}
		}

		return &regoBlock{query: prepared, expr: query, mode: mode}, nil
	}
}

func (b *regoBlock) Execute(ctx context.Context, in engine.Value) (engine.Value, error) {
	input := PolicyInput{
		Text:  in.String(),
		Items: in.Strings(),
		Kind:  in.Kind().String(),
	}
	if info, ok := engine.RunInfoFromContext(ctx); ok {
		input.RunID = info.RunID
		input.Block = info.BlockName
	}

	rs, err := b.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return engine.Value{}, engine.NewBlockError(domainPolicy, "evaluation_failed", err.Error()).
			WithDetail("query", b.expr).
			WithRetryable(false).
			Wrap(err)
	}
	allowed := rs.Allowed()

	if b.mode == PolicyRoute {
		if allowed {
			return engine.Text("allow"), nil
		}
		return engine.Text("deny"), nil
	}
	if !allowed {
		return engine.Value{}, engine.NewBlockError(domainPolicy, "policy_denied", "input rejected by policy").
			WithDetail("query", b.expr).
			WithRetryable(false)
	}
	return in, nil
}
