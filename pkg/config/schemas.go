package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation. All values checked
// against a schema must be built with the registry's context.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema("workflow", "#Workflow", builtinWorkflowSchema); err != nil {
		panic(fmt.Sprintf("built-in workflow schema: %v", err))
	}

	return sr
}

// Context returns the CUE context values must be compiled with.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// RegisterSchema compiles src and registers its definition def (e.g.
// "#Workflow") under name.
func (sr *SchemaRegistry) RegisterSchema(name, def, src string) error {
	val := sr.ctx.CompileString(src, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	schema := val.LookupPath(cue.ParsePath(def))
	if !schema.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, def)
	}
	if err := schema.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = schema
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Apply unifies val with the named schema and requires a concrete result.
func (sr *SchemaRegistry) Apply(name string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	if _, err := sr.Apply(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinWorkflowSchema = `
#ID: string & =~"^[A-Za-z0-9_.-]+$"

#Duration: string & =~"^[0-9]"

#Retry: {
	max_attempts: int & >=0
	backoff?:     "none" | "fixed" | "exponential"
	delay?:       #Duration
	base?:        #Duration
	factor?:      number & >=1
	cap?:         #Duration
	jitter?:      number & >=0 & <=1
	retry_on?: [...string]
}

#Block: {
	id?:       #ID
	type:      string & !=""
	name?:     string
	config?: {...}
	timeout?:  #Duration
	retry?:    #Retry
	workflow?: string
}

#Endpoint: #ID | #Block

#Link: {
	from: #Endpoint
	to:   #Endpoint
}

#Workflow: {
	name?:   string
	id?:     string
	output?: #ID
	budget?: {
		per_node?: int & >=0
		total?:    int & >=0
	}
	blocks?: [...#Block]
	links?: [...#Link]
	errors?: [...#Link]
}
`
