package stores_test

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/blockflow/blockflow/pkg/engine"
	"github.com/blockflow/blockflow/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:", // Use in-memory database for example
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_OnEvent records a run by attaching the store as a sink.
func ExampleSQLiteStore_OnEvent() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	wf := engine.New(engine.WithName("shout"))
	_, _ = wf.Add(engine.Inline(engine.ExecutorFunc(func(ctx context.Context, in engine.Value) (engine.Value, error) {
		return engine.Text(strings.ToUpper(in.String())), nil
	})))

	out := wf.Run(ctx, engine.Text("hi"), engine.WithSink(store))

	run, err := store.GetRun(ctx, out.RunID)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(run.WorkflowName, run.Status)

	events, _ := store.GetEvents(ctx, stores.EventQuery{RunID: out.RunID})
	for _, e := range events {
		fmt.Println(e.Type)
	}
	// Output:
	// shout succeeded
	// run.created
	// run.started
	// block.started
	// block.succeeded
	// run.succeeded
}

// ExampleSQLiteStore_GetEvents filters the journal by event type.
func ExampleSQLiteStore_GetEvents() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	wf := engine.New(engine.WithName("broken"))
	_, _ = wf.Add(engine.Inline(engine.ExecutorFunc(func(ctx context.Context, in engine.Value) (engine.Value, error) {
		return engine.Value{}, engine.NewBlockError("http", "http_404", "not found").WithRetryable(false)
	})))
	wf.Run(ctx, engine.Empty(), engine.WithSink(store))

	failures, _ := store.GetEvents(ctx, stores.EventQuery{Type: engine.EventBlockFailed})
	for _, e := range failures {
		fmt.Printf("%s %s/%s\n", e.BlockType, e.Domain, e.Code)
	}
	// Output: custom http/http_404
}
