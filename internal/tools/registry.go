// Package tools holds the tool registry: the table mapping tool names to
// their LLM-facing schemas, policy capabilities, and executors.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Executor runs a tool with an already-parsed argument map. Failures come
// back as errors and are folded into the transcript as failing tool results,
// never as aborted runs.
type Executor func(ctx context.Context, args map[string]any) (any, error)

// Definition describes one tool. Definitions are immutable after
// registration.
type Definition struct {
	Name        string
	Capability  string
	Description string
	Parameters  map[string]any // JSON schema
	Executor    Executor

	// Escalate, if set, maps arguments to a stronger capability than the
	// static one (a shell command with redirections needs write access).
	Escalate func(args map[string]any) string

	// Preview, if set, renders what the tool is about to do for a
	// permission prompt.
	Preview func(args map[string]any) string

	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
}

// OpenAITool renders the definition in the chat-completions tool format.
func (d *Definition) OpenAITool() openai.Tool {
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		},
	}
}

// EffectiveCapability returns the capability to check for these arguments.
func (d *Definition) EffectiveCapability(args map[string]any) string {
	if d.Escalate != nil {
		if cap := d.Escalate(args); cap != "" {
			return cap
		}
	}
	return d.Capability
}

// ArgsError reports invalid tool arguments. Code is "missing_args" when
// required fields are absent, "invalid_args" for schema violations.
type ArgsError struct {
	Code    string
	Tool    string
	Missing []string
	Err     error
}

func (e *ArgsError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("%s: %s missing required arguments: %s", e.Code, e.Tool, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Tool, e.Err)
}

func (e *ArgsError) Unwrap() error { return e.Err }

// Validate checks args against the parameter schema. Missing required
// fields are reported separately so callers can fail the call without
// prompting for permission first.
func (d *Definition) Validate(args map[string]any) error {
	var missing []string
	if required, ok := d.Parameters["required"].([]any); ok {
		for _, r := range required {
			name, ok := r.(string)
			if !ok {
				continue
			}
			if _, present := args[name]; !present {
				missing = append(missing, name)
			}
		}
	}
	if len(missing) > 0 {
		return &ArgsError{Code: "missing_args", Tool: d.Name, Missing: missing}
	}

	d.compileOnce.Do(func() {
		raw, err := json.Marshal(d.Parameters)
		if err != nil {
			d.compileErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(d.Name+".json", strings.NewReader(string(raw))); err != nil {
			d.compileErr = err
			return
		}
		d.compiled, d.compileErr = compiler.Compile(d.Name + ".json")
	})
	if d.compileErr != nil {
		return fmt.Errorf("tool %s has a bad parameter schema: %w", d.Name, d.compileErr)
	}
	// The validator wants plain decoded JSON, so round-trip the map.
	raw, err := json.Marshal(args)
	if err != nil {
		return &ArgsError{Code: "invalid_args", Tool: d.Name, Err: err}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &ArgsError{Code: "invalid_args", Tool: d.Name, Err: err}
	}
	if err := d.compiled.Validate(doc); err != nil {
		return &ArgsError{Code: "invalid_args", Tool: d.Name, Err: err}
	}
	return nil
}

// UnknownToolError reports a lookup miss.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string { return "unknown_tool: " + e.Name }

// Registry is a thread-safe name to definition table.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Definition
	order []string
}

// NewRegistry builds a registry preloaded with defs, in order.
func NewRegistry(defs ...*Definition) *Registry {
	r := &Registry{tools: make(map[string]*Definition, len(defs))}
	for _, d := range defs {
		r.Register(d)
	}
	return r
}

// Register adds a tool. Re-registering a name replaces the definition but
// keeps its manifest position.
func (r *Registry) Register(d *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[d.Name]; !exists {
		r.order = append(r.order, d.Name)
	}
	r.tools[d.Name] = d
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	if !ok {
		return nil, &UnknownToolError{Name: name}
	}
	return d, nil
}

// Names lists registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Manifest renders every tool for the model, in registration order.
func (r *Registry) Manifest() []openai.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]openai.Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].OpenAITool())
	}
	return out
}

// Execute validates args and runs the named tool.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	d, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if err := d.Validate(args); err != nil {
		return nil, err
	}
	return d.Executor(ctx, args)
}
