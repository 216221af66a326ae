package engine

import (
	"context"
	"errors"
	"testing"
)

func TestRegistry_RegisterAndCreate(t *testing.T) {
	reg := NewRegistry()
	err := reg.RegisterBuiltin("echo", func(cfg Config) (Executor, error) {
		text, err := cfg.String("text", "")
		if err != nil {
			return nil, err
		}
		return emit(text), nil
	}, WithDescription("emits text"))
	if err != nil {
		t.Fatalf("RegisterBuiltin failed: %v", err)
	}

	if !reg.Has("echo") || !reg.IsBuiltin("echo") {
		t.Error("Expected echo to be a registered builtin")
	}

	exec, err := reg.Create("echo", Config{"text": "hello"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	out, err := exec.Execute(context.Background(), Empty())
	if err != nil || out.String() != "hello" {
		t.Errorf("Expected hello, got %q (%v)", out.String(), err)
	}
}

func TestRegistry_DuplicateType(t *testing.T) {
	reg := NewRegistry()
	factory := func(Config) (Executor, error) { return nop(), nil }

	if err := reg.RegisterBuiltin("echo", factory); err != nil {
		t.Fatalf("RegisterBuiltin failed: %v", err)
	}
	err := reg.RegisterCustom("echo", factory)
	if !errors.Is(err, ErrDuplicateType) {
		t.Errorf("Expected ErrDuplicateType, got %v", err)
	}
}

func TestRegistry_UnknownType(t *testing.T) {
	_, err := NewRegistry().Create("missing", nil)
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("Expected ErrUnknownType, got %v", err)
	}
}

func TestRegistry_FactoryErrors(t *testing.T) {
	reg := NewRegistry()
	if err := reg.RegisterCustom("strict", func(cfg Config) (Executor, error) {
		if _, err := cfg.RequireString("path"); err != nil {
			return nil, err
		}
		return nop(), nil
	}); err != nil {
		t.Fatalf("RegisterCustom failed: %v", err)
	}
	if err := reg.RegisterCustom("broken", func(Config) (Executor, error) {
		return nil, errors.New("cannot build")
	}); err != nil {
		t.Fatalf("RegisterCustom failed: %v", err)
	}

	_, err := reg.Create("strict", Config{})
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected ConfigError, got %v", err)
	}
	if ce.TypeID != "strict" || ce.Key != "path" {
		t.Errorf("Expected strict/path, got %s/%s", ce.TypeID, ce.Key)
	}

	_, err = reg.Create("broken", nil)
	if !errors.As(err, &ce) || ce.TypeID != "broken" {
		t.Errorf("Expected wrapped ConfigError for broken, got %v", err)
	}
	if reg.IsBuiltin("strict") {
		t.Error("Expected strict to be a custom type")
	}
}

func TestRegistry_Types(t *testing.T) {
	reg := NewRegistry()
	factory := func(Config) (Executor, error) { return nop(), nil }
	_ = reg.RegisterCustom("zeta", factory)
	_ = reg.RegisterBuiltin("alpha", factory, WithDefaultPolicy(Retry(2)))

	types := reg.Types()
	if len(types) != 2 || types[0].ID != "alpha" || types[1].ID != "zeta" {
		t.Fatalf("Expected sorted [alpha zeta], got %+v", types)
	}
	if types[0].DefaultPolicy == nil || types[0].DefaultPolicy.Retry.MaxAttempts != 2 {
		t.Errorf("Expected alpha default policy, got %+v", types[0].DefaultPolicy)
	}
	if _, ok := reg.DefaultPolicy("zeta"); ok {
		t.Error("Expected no default policy for zeta")
	}
}

func TestConfig_Accessors(t *testing.T) {
	cfg := Config{
		"name":    "x",
		"count":   3,
		"ratio":   0.5,
		"on":      true,
		"wait":    "150ms",
		"seconds": 2,
		"list":    []interface{}{"a", "b"},
		"headers": map[string]interface{}{"Accept": "text/plain"},
		"bad":     42,
	}

	if s, _ := cfg.String("name", ""); s != "x" {
		t.Errorf("String: got %q", s)
	}
	if n, _ := cfg.Int("count", 0); n != 3 {
		t.Errorf("Int: got %d", n)
	}
	if f, _ := cfg.Float("ratio", 0); f != 0.5 {
		t.Errorf("Float: got %v", f)
	}
	if b, _ := cfg.Bool("on", false); !b {
		t.Error("Bool: expected true")
	}
	if d, _ := cfg.Duration("wait", 0); d.Milliseconds() != 150 {
		t.Errorf("Duration: got %s", d)
	}
	if d, _ := cfg.Duration("seconds", 0); d.Seconds() != 2 {
		t.Errorf("Duration seconds: got %s", d)
	}
	if l, _ := cfg.Strings("list"); len(l) != 2 || l[1] != "b" {
		t.Errorf("Strings: got %v", l)
	}
	if m, _ := cfg.StringMap("headers"); m["Accept"] != "text/plain" {
		t.Errorf("StringMap: got %v", m)
	}
	if s, _ := cfg.String("absent", "default"); s != "default" {
		t.Errorf("String default: got %q", s)
	}

	_, err := cfg.String("bad", "")
	var ce *ConfigError
	if !errors.As(err, &ce) || ce.Key != "bad" {
		t.Errorf("Expected ConfigError for bad, got %v", err)
	}
}
