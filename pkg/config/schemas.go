package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// schemaFilePrefix marks positions inside built-in or registered schemas.
const schemaFilePrefix = "schema/"

// SchemaRegistry holds named CUE definitions used to validate
// configuration and operation files.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	// Built-in schemas are constants; a failure here is a programming error
	// caught by the tests.
	_ = sr.RegisterSchema("config", builtinConfigSchema, "#Config")
	_ = sr.RegisterSchema("operation", builtinOperationSchema, "#Operation")
	return sr
}

// RegisterSchema compiles src and registers the definition named def under name.
func (sr *SchemaRegistry) RegisterSchema(name, src, def string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(src, cue.Filename(schemaFilePrefix+name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	defVal := val.LookupPath(cue.ParsePath(def))
	if !defVal.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, def)
	}
	sr.schemas[name] = defVal
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify applies a named schema to a CUE value and checks the result is concrete.
func (sr *SchemaRegistry) Unify(name string, val cue.Value) (cue.Value, error) {
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
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	sr.mu.RLock()
	dataVal := sr.ctx.Encode(data)
	sr.mu.RUnlock()
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if _, err := sr.Unify(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns the registered schema names, sorted.
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

// Context returns the CUE context the schemas were compiled in. Values
// unified with them must come from the same context.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

const builtinConfigSchema = `
#Config: {
	bridgeTimeoutMs?:    int & >0
	maxScriptSizeBytes?: int & >0
	cacheMaxAgeMs?:      int & >=0
	readRetries?:        int & >=0 & <=10
	retryBackoffMs?:     int & >=0

	bridge?: {
		transport?:   "local" | "ssh"
		command?:     string & !=""
		args?:        [...string]
		application?: string & !=""
		killGraceMs?: int & >=0
	}

	ssh?: {
		host:                   string & !=""
		port?:                  int & >=0 & <=65535
		user:                   string & !=""
		authMethod?:            "password" | "key"
		password?:              string
		privateKeyPath?:        string
		passphrase?:            string
		knownHostsPath?:        string
		strictHostKeyChecking?: bool
		connectionTimeoutMs?:   int & >=0
		keepAliveIntervalMs?:   int & >=0
		remoteDir?:             string
	}

	policy?: {
		enabled?:  bool
		readOnly?: bool
		paths?:    [...string]
	}

	telemetry?: {
		logLevel?:        "trace" | "debug" | "info" | "warn" | "error" | "fatal"
		logFormat?:       "console" | "json"
		metricsEnabled?:  bool
		metricsAddress?:  string
		tracingEnabled?:  bool
		tracingExporter?: "otlp" | "stdout" | "none"
		tracingEndpoint?: string
		samplingRate?:    number & >=0 & <=1
	}
}
`

const builtinOperationSchema = `
#Operation: {
	id?:               string
	entityClass:       "task" | "project" | "tag" | "folder"
	mode:              "read" | "create" | "update" | "delete"
	predicate?:        {...}
	projection?:       [...string]
	pagination?:       {offset?: int & >=0, limit?: int & >=0}
	targetIdentifier?: string & !=""
	fieldDelta?:       {...}
	bridgeLimited?:    bool
}
`
