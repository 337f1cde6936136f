// Package tools implements the Tool Registry (C6): a process-wide catalog
// mapping a tool name to a typed input/output schema, an execute function,
// an execution timeout, and a cost class. Tool execution is opaque to the
// tool-loop engine; each tool is responsible for its own caching keyed on
// its input.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Ident is the strong type for a fully qualified tool identifier
// (e.g. "flights.search_flights"). Using a distinct type prevents
// accidental mixing with free-form strings at call sites.
type Ident string

func (i Ident) String() string { return string(i) }

// CostClass classifies the relative expense of invoking a tool, used by
// workflow handlers to budget tool calls and by telemetry to tag spend.
type CostClass string

const (
	CostCheap    CostClass = "cheap"
	CostStandard CostClass = "standard"
	CostExpensive CostClass = "expensive"
)

// FieldIssue represents a single JSON Schema validation issue for a tool
// payload. Constraint values follow a small closed vocabulary so callers
// can build clarifying questions without string-matching schema library
// error text.
type FieldIssue struct {
	Field      string
	Constraint string // missing_field, invalid_enum_value, invalid_format, invalid_pattern, invalid_range, invalid_length, invalid_field_type
	Allowed    []string
	Pattern    string
}

// Execute runs a tool against a validated input, returning a JSON-encodable
// result or an error. Context carries cancellation and the caller's
// tool-call metadata (see runtime/toolloop.CallMeta).
type Execute func(ctx context.Context, input json.RawMessage) (any, error)

// Spec describes the metadata and schemas for a single registered tool.
type Spec struct {
	Name        Ident
	Workflow    string // the workflow kind this tool is whitelisted for; "" means shared across workflows
	Description string
	InputSchema []byte // JSON Schema source
	OutputSchema []byte
	Timeout     time.Duration
	CostClass   CostClass
	Execute     Execute

	inputSchema  *jsonschema.Schema
	outputSchema *jsonschema.Schema
}

// Registry is the process-wide tool catalog. It is constructed once at
// process boot (see cmd/tripsage-server) and treated as read-mostly for the
// remainder of the process lifetime; no teardown is required during a
// request.
type Registry struct {
	mu    sync.RWMutex
	specs map[Ident]*Spec
}

// NewRegistry returns an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[Ident]*Spec)}
}

// Register compiles the tool's schemas and adds it to the catalog. Register
// takes the registry's write lock, so it may run alongside Spec, Subset and
// All lookups; it is intended to run only during process initialization.
func (r *Registry) Register(spec *Spec) error {
	if spec == nil || spec.Name == "" {
		return fmt.Errorf("tools: spec must have a non-empty name")
	}
	if spec.Execute == nil {
		return fmt.Errorf("tools: spec %q must have an Execute function", spec.Name)
	}
	if spec.Timeout <= 0 {
		spec.Timeout = 10 * time.Second
	}
	if spec.CostClass == "" {
		spec.CostClass = CostStandard
	}

	compiled := *spec
	if len(spec.InputSchema) > 0 {
		sch, err := compileSchema(spec.Name.String()+"#input", spec.InputSchema)
		if err != nil {
			return fmt.Errorf("tools: compile input schema for %q: %w", spec.Name, err)
		}
		compiled.inputSchema = sch
	}
	if len(spec.OutputSchema) > 0 {
		sch, err := compileSchema(spec.Name.String()+"#output", spec.OutputSchema)
		if err != nil {
			return fmt.Errorf("tools: compile output schema for %q: %w", spec.Name, err)
		}
		compiled.outputSchema = sch
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.Name]; exists {
		return fmt.Errorf("tools: %q already registered", spec.Name)
	}
	r.specs[spec.Name] = &compiled
	return nil
}

// All returns every registered spec, in no particular order. Used by the
// demo introspection endpoint; request-path tool resolution should use
// Spec or Subset instead.
func (r *Registry) All() []*Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Spec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	return out
}

// Spec returns the registered tool spec by name.
func (r *Registry) Spec(name Ident) (*Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[name]
	return s, ok
}

// Subset returns the specs whose Name is in names, in the order requested.
// Unknown names are silently skipped; callers that need strict validation
// should check length against len(names).
func (r *Registry) Subset(names []Ident) []*Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Spec, 0, len(names))
	for _, n := range names {
		if s, ok := r.specs[n]; ok {
			out = append(out, s)
		}
	}
	return out
}

// ValidateInput validates raw against the tool's input schema, returning the
// field-level issues on failure. A spec with no input schema always passes.
func (s *Spec) ValidateInput(raw json.RawMessage) []FieldIssue {
	return validateAgainst(s.inputSchema, raw)
}

// ValidateOutput validates raw against the tool's output schema.
func (s *Spec) ValidateOutput(raw json.RawMessage) []FieldIssue {
	return validateAgainst(s.outputSchema, raw)
}

func validateAgainst(sch *jsonschema.Schema, raw json.RawMessage) []FieldIssue {
	if sch == nil {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return []FieldIssue{{Field: "", Constraint: "invalid_field_type"}}
	}
	if err := sch.Validate(v); err != nil {
		return issuesFromValidationError(err)
	}
	return nil
}

func issuesFromValidationError(err error) []FieldIssue {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []FieldIssue{{Field: "", Constraint: "invalid_field_type"}}
	}
	var out []FieldIssue
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, FieldIssue{
				Field:      e.InstanceLocation,
				Constraint: classifyConstraint(e.Error()),
			})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}

func classifyConstraint(msg string) string {
	switch {
	case contains(msg, "missing properties"):
		return "missing_field"
	case contains(msg, "value must be one of"):
		return "invalid_enum_value"
	case contains(msg, "pattern"):
		return "invalid_pattern"
	case contains(msg, "format"):
		return "invalid_format"
	case contains(msg, "minimum") || contains(msg, "maximum"):
		return "invalid_range"
	case contains(msg, "length"):
		return "invalid_length"
	default:
		return "invalid_field_type"
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func compileSchema(url string, raw []byte) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}
