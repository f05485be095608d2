package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry holds compiled CUE definitions used to validate inventory
// entries. Values are only comparable within one registry's context.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in device schema.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema("device", "#Device", builtinDeviceSchema); err != nil {
		panic(err)
	}

	return sr
}

// Context returns the CUE context schemas are compiled in.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// RegisterSchema compiles src and registers the definition def under name.
func (sr *SchemaRegistry) RegisterSchema(name, def, src string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(src, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	defVal := val.LookupPath(cue.ParsePath(def))
	if !defVal.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, def)
	}

	sr.schemas[name] = defVal
	return nil
}

// GetSchema returns the definition registered under name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Check unifies val with the named schema and requires a concrete result.
// val must come from Context().
func (sr *SchemaRegistry) Check(name string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return unified, err
	}
	return unified, nil
}

// ValidateAgainstSchema encodes a Go value and checks it against the named
// schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	if _, err := sr.Check(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns the registered schema names in order.
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

// ValidateDevice checks one device entry against the device schema.
func (sr *SchemaRegistry) ValidateDevice(ctx context.Context, spec DeviceSpec) error {
	return sr.ValidateAgainstSchema(ctx, "device", spec)
}

const builtinDeviceSchema = `
#Device: {
	hostname: string & =~"^[A-Za-z0-9][A-Za-z0-9._-]*$"
	mgmt_ip:  string & !=""

	site?:           string
	city?:           string
	state?:          string
	region?:         string
	entity?:         string
	model?:          string
	subnet?:         string
	wan_type?:       string
	isp_provider?:   string
	account_number?: string
	technician?:     string

	ssh_user?:     string
	ssh_password?: string
	ssh_port?:     int & >=1 & <=65535

	enabled?: bool
	tags?: [...string]
	notes?: string
}
`
