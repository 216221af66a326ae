package config_test

import (
	"context"
	"errors"
	"fmt"

	"github.com/blockflow/blockflow/pkg/blocks"
	"github.com/blockflow/blockflow/pkg/config"
	"github.com/blockflow/blockflow/pkg/engine"
)

func ExampleParse() {
	f, err := config.Parse([]byte(`
name: shout
blocks:
  - {id: greet, type: echo, config: {text: hello}}
  - {id: loud, type: uppercase}
links:
  - {from: greet, to: loud}
`), config.FormatYAML)
	if err != nil {
		panic(err)
	}

	reg := engine.NewRegistry()
	_ = blocks.RegisterBuiltins(reg)

	wf, err := f.Build(reg)
	if err != nil {
		panic(err)
	}

	out := wf.Run(context.Background(), engine.Empty())
	fmt.Println(out.State, out.Output)
	// Output: succeeded HELLO
}

func ExampleFile_Validate() {
	f, _ := config.Parse([]byte(`
blocks:
  - {id: a, type: echo}
links:
  - {from: a, to: b}
`), config.FormatYAML)

	var verrs config.ValidationErrors
	if errors.As(f.Validate(), &verrs) {
		for _, e := range verrs {
			fmt.Println(e.Path, e.Message)
		}
	}
	// Output: links[0].to unknown block "b"
}
