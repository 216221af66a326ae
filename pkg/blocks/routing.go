package blocks

import (
	"context"
	"fmt"
	"strings"

	"github.com/blockflow/blockflow/pkg/engine"
)

// Operator compares block input against a configured value.
type Operator string

const (
	OpEquals   Operator = "equals"
	OpContains Operator = "contains"
	OpPrefix   Operator = "prefix"
	OpSuffix   Operator = "suffix"
)

// Match reports whether s satisfies the operator for value.
func (op Operator) Match(s, value string) bool {
	switch op {
	case OpContains:
		return strings.Contains(s, value)
	case OpPrefix:
		return strings.HasPrefix(s, value)
	case OpSuffix:
		return strings.HasSuffix(s, value)
	default:
		return s == value
	}
}

func parseOperator(cfg engine.Config) (Operator, string, error) {
	raw, err := cfg.String("operator", string(OpEquals))
	if err != nil {
		return "", "", err
	}
	op := Operator(raw)
	switch op {
	case OpEquals, OpContains, OpPrefix, OpSuffix:
	default:
		return "", "", &engine.ConfigError{Key: "operator", Message: fmt.Sprintf("unknown operator %q", raw)}
	}
	value, err := cfg.String("value", "")
	if err != nil {
		return "", "", err
	}
	return op, value, nil
}

func conditionalFactory(Options) engine.Factory {
	return func(cfg engine.Config) (engine.Executor, error) {
		op, value, err := parseOperator(cfg)
		if err != nil {
			return nil, err
		}
		thenTag, err := cfg.String("then", "then")
		if err != nil {
			return nil, err
		}
		elseTag, err := cfg.String("else", "else")
		if err != nil {
			return nil, err
		}

		return engine.ExecutorFunc(func(ctx context.Context, in engine.Value) (engine.Value, error) {
			if op.Match(in.String(), value) {
				return engine.Text(thenTag), nil
			}
			return engine.Text(elseTag), nil
		}), nil
	}
}

// filterFactory keeps matching list items, or passes a matching text input.
// Nothing left to pass stops propagation.
func filterFactory(Options) engine.Factory {
	return func(cfg engine.Config) (engine.Executor, error) {
		op, value, err := parseOperator(cfg)
		if err != nil {
			return nil, err
		}
		negate, err := cfg.Bool("negate", false)
		if err != nil {
			return nil, err
		}
		match := func(s string) bool {
			return op.Match(s, value) != negate
		}

		return engine.ExecutorFunc(func(ctx context.Context, in engine.Value) (engine.Value, error) {
			if in.Kind() != engine.KindList {
				if match(in.String()) {
					return in, nil
				}
				return engine.Value{}, engine.ErrStop
			}

			kept := make([]engine.Value, 0, len(in.Items()))
			for _, item := range in.Items() {
				if match(item.String()) {
					kept = append(kept, item)
				}
			}
			if len(kept) == 0 {
				return engine.Value{}, engine.ErrStop
			}
			return engine.List(kept...), nil
		}), nil
	}
}
