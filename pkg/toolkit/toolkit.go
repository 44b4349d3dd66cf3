// Package toolkit is the tool registry: named tools with JSON-schema
// validated arguments, policy gating, and bounded execution. Unknown tools
// and invalid arguments are recoverable tool results, never runtime errors.
package toolkit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/droverhq/drover/pkg/chat"
)

// Policy defines which tools a command may use
type Policy struct {
	Allow []string `json:"allow"` // allowed tools (* for all)
	Deny  []string `json:"deny"`  // denied tools (overrides allow)
}

// Allowed checks if a tool is allowed by the policy
func (p *Policy) Allowed(name string) bool {
	if p == nil {
		// No policy means allow all
		return true
	}
	for _, denied := range p.Deny {
		if denied == name || denied == "*" {
			return false
		}
	}
	for _, allowed := range p.Allow {
		if allowed == name || allowed == "*" {
			return true
		}
	}
	return false
}

// Parameter defines a parameter for a tool
type Parameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// Handler is the function signature for tool execution
type Handler func(ctx context.Context, args map[string]interface{}) (string, error)

// Definition defines a tool's metadata and handler
type Definition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
	Handler     Handler     `json:"-"`
	Timeout     time.Duration
}

// Spec is the wire-facing description of a tool, handed to provider
// adapters as part of the request.
type Spec struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

const (
	defaultTimeout = 30 * time.Second
	maxOutputBytes = 10 * 1024
)

// Registry manages and executes tools
type Registry struct {
	tools   map[string]*Definition
	schemas map[string]*gojsonschema.Schema
	raw     map[string]map[string]interface{}
	policy  *Policy
	mu      sync.RWMutex
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		tools:   make(map[string]*Definition),
		schemas: make(map[string]*gojsonschema.Schema),
		raw:     make(map[string]map[string]interface{}),
	}
}

// SetPolicy installs an allow/deny policy. A nil policy allows everything.
func (r *Registry) SetPolicy(policy *Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = policy
}

// Register adds a tool. The schema is generated once at registration.
func (r *Registry) Register(def Definition) error {
	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	raw := schemaDocument(def)
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(raw))
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}

	r.tools[def.Name] = &def
	r.schemas[def.Name] = schema
	r.raw[def.Name] = raw

	log.Info().Str("tool", def.Name).Msg("Tool registered")

	return nil
}

// Unregister removes a tool
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.tools, name)
	delete(r.schemas, name)
	delete(r.raw, name)
}

// Resolve returns a tool definition by name.
func (r *Registry) Resolve(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.tools[name]
	return def, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Specs returns wire descriptions for the named tools, or for every
// registered tool when names is empty. Unknown names are skipped.
func (r *Registry) Specs(names []string) []Spec {
	if len(names) == 0 {
		names = r.Names()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]Spec, 0, len(names))
	for _, name := range names {
		def, ok := r.tools[name]
		if !ok {
			continue
		}
		specs = append(specs, Spec{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: r.raw[name],
		})
	}

	return specs
}

// Execute runs one tool call and always returns a result addressed to the
// call id. Unknown tool, policy denial, schema mismatch, handler error, and
// timeout all come back as failed results the model can react to.
func (r *Registry) Execute(ctx context.Context, call chat.ToolCallRequest) chat.ToolResult {
	startTime := time.Now()

	r.mu.RLock()
	policy := r.policy
	def := r.tools[call.Name]
	schema := r.schemas[call.Name]
	r.mu.RUnlock()

	if !policy.Allowed(call.Name) {
		log.Warn().Str("tool", call.Name).Msg("Tool execution blocked by policy")
		return failure(call, "tool %q is not allowed by policy", call.Name)
	}

	if def == nil {
		log.Warn().Str("tool", call.Name).Msg("Tool not found")
		return failure(call, "tool not found: %s", call.Name)
	}

	if err := validateArguments(schema, call.Arguments); err != nil {
		log.Warn().Str("tool", call.Name).Err(err).Msg("Argument validation failed")
		return failure(call, "invalid arguments for %s: %v", call.Name, err)
	}

	timeout := defaultTimeout
	if def.Timeout > 0 {
		timeout = def.Timeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outChan := make(chan string, 1)
	errChan := make(chan error, 1)

	go func() {
		out, err := def.Handler(execCtx, call.Arguments)
		if err != nil {
			errChan <- err
		} else {
			outChan <- out
		}
	}()

	select {
	case out := <-outChan:
		out, truncated := truncateOutput(out)
		log.Debug().
			Str("tool", call.Name).
			Dur("duration", time.Since(startTime)).
			Bool("truncated", truncated).
			Msg("Tool execution completed")
		return chat.ToolResult{CallID: call.ID, Content: out}

	case err := <-errChan:
		log.Warn().
			Str("tool", call.Name).
			Dur("duration", time.Since(startTime)).
			Err(err).
			Msg("Tool execution failed")
		return failure(call, "%s failed: %v", call.Name, err)

	case <-execCtx.Done():
		log.Warn().
			Str("tool", call.Name).
			Dur("duration", time.Since(startTime)).
			Msg("Tool execution timeout")
		return failure(call, "%s timed out after %v", call.Name, timeout)
	}
}

func failure(call chat.ToolCallRequest, format string, args ...interface{}) chat.ToolResult {
	return chat.ToolResult{
		CallID:  call.ID,
		Content: fmt.Sprintf(format, args...),
		IsError: true,
	}
}

func validateDefinition(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

// schemaDocument builds the JSON Schema document for a tool's parameters.
func schemaDocument(def Definition) map[string]interface{} {
	properties := make(map[string]interface{})
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	doc := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}

	return doc
}

func validateArguments(schema *gojsonschema.Schema, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}

	if !result.Valid() {
		details := []string{}
		for _, verr := range result.Errors() {
			details = append(details, verr.String())
		}
		return fmt.Errorf("validation errors: %v", details)
	}

	return nil
}

func truncateOutput(out string) (string, bool) {
	if len(out) <= maxOutputBytes {
		return out, false
	}
	return out[:maxOutputBytes] + "\n... [output truncated]", true
}
