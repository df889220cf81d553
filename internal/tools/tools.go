// Package tools implements the action dispatcher: a registry of named tools,
// schema-driven argument validation, path policy enforcement, and uniform
// result capture.
package tools

import (
	"context"
	"fmt"
)

// Path scopes restrict where a tool's path arguments may point.
const (
	ScopeProject   = "project"
	ScopeWorkspace = "workspace"
	ScopeAny       = "any"
)

// Result statuses.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusRefused = "refused"
)

// Field types for argument schemas.
const (
	TypeString = "string"
	TypeInt    = "int"
	TypeFloat  = "float"
	TypeBool   = "bool"
	// TypePath marks string arguments subject to path policy.
	TypePath = "path"
)

// Field describes one named tool argument.
type Field struct {
	Name        string
	Type        string
	Required    bool
	Description string
}

// Schema is a tool's declared argument list. A raw (non key:value) payload
// binds to the first required field.
type Schema struct {
	Fields []Field
}

// Result is the uniform outcome of one tool invocation.
type Result struct {
	Action   string            `json:"action"`
	Status   string            `json:"status"`
	Result   string            `json:"result"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func OK(output string) *Result {
	return &Result{Status: StatusOK, Result: output}
}

func Errorf(format string, args ...any) *Result {
	return &Result{Status: StatusError, Result: fmt.Sprintf(format, args...)}
}

func Refused(reason string) *Result {
	return &Result{Status: StatusRefused, Result: reason}
}

func (r *Result) WithMeta(key, value string) *Result {
	if r.Metadata == nil {
		r.Metadata = make(map[string]string)
	}
	r.Metadata[key] = value
	return r
}

// Tool is one dispatchable action. Execute receives validated, coerced
// arguments; path-typed arguments are already resolved and policy-checked.
type Tool interface {
	Name() string
	Description() string
	Schema() Schema

	// Mutating reports whether the tool changes state; non-mutating tools
	// are idempotent by contract.
	Mutating() bool

	// PathScope bounds where path arguments may point.
	PathScope() string

	Execute(ctx context.Context, args map[string]any) *Result
}
