package blocks

import (
	"context"
	"errors"
	"testing"

	"github.com/blockflow/blockflow/pkg/engine"
)

func TestStarlark_Transform(t *testing.T) {
	tests := []struct {
		name   string
		script string
		in     engine.Value
		want   engine.Value
	}{
		{
			name:   "text",
			script: "def transform(input):\n    return input.upper()\n",
			in:     engine.Text("hi"),
			want:   engine.Text("HI"),
		},
		{
			name:   "list",
			script: "def transform(input):\n    return [x + '!' for x in input if x != 'skip']\n",
			in:     engine.TextList([]string{"a", "skip", "b"}),
			want:   engine.TextList([]string{"a!", "b!"}),
		},
		{
			name:   "number result",
			script: "def transform(input):\n    return len(input)\n",
			in:     engine.TextList([]string{"a", "b", "c"}),
			want:   engine.Text("3"),
		},
		{
			name:   "none input",
			script: "def transform(input):\n    return 'empty' if input == None else 'set'\n",
			in:     engine.Empty(),
			want:   engine.Text("empty"),
		},
		{
			name:   "helpers",
			script: "SEP = '-'\n\ndef join(items):\n    return SEP.join(items)\n\ndef transform(input):\n    return join(input.split(','))\n",
			in:     engine.Text("a,b"),
			want:   engine.Text("a-b"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := run(t, newExecutor(t, "starlark", engine.Config{"script": tt.script}), tt.in)
			if !got.Equal(tt.want) {
				t.Errorf("Expected %#v, got %#v", tt.want, got)
			}
		})
	}
}

func TestStarlark_InvalidScripts(t *testing.T) {
	reg, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	for _, script := range []string{
		"def transform(input)\n    return input\n",
		"x = 1\n",
	} {
		_, err := reg.Create("starlark", engine.Config{"script": script})
		var ce *engine.ConfigError
		if !errors.As(err, &ce) || ce.Key != "script" {
			t.Errorf("Expected script ConfigError for %q, got %v", script, err)
		}
	}
}

func TestStarlark_RuntimeErrors(t *testing.T) {
	loop := "def transform(input):\n    n = 0\n    for i in range(100000000):\n        n += i\n    return str(n)\n"

	t.Run("failing script", func(t *testing.T) {
		exec := newExecutor(t, "starlark", engine.Config{"script": "def transform(input):\n    return input + 1\n"})
		_, err := exec.Execute(context.Background(), engine.Text("x"))
		expectBlockError(t, err, domainStarlark, "script_failed", false)
	})

	t.Run("step limit", func(t *testing.T) {
		exec := newExecutor(t, "starlark", engine.Config{"script": loop, "max_steps": 1000})
		_, err := exec.Execute(context.Background(), engine.Empty())
		expectBlockError(t, err, domainStarlark, "script_failed", false)
	})

	t.Run("timeout", func(t *testing.T) {
		exec := newExecutor(t, "starlark", engine.Config{"script": loop, "timeout": "20ms"})
		_, err := exec.Execute(context.Background(), engine.Empty())
		expectBlockError(t, err, domainStarlark, "timeout", true)
	})
}
