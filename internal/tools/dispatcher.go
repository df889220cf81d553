package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Maximooch/penguin/internal/bus"
	"github.com/Maximooch/penguin/internal/parser"
	"github.com/Maximooch/penguin/pkg/protocol"
)

const (
	// defaultToolTimeout bounds one tool invocation.
	defaultToolTimeout = 30 * time.Second

	// defaultConcurrency is the in-flight invocation limit per dispatcher.
	defaultConcurrency = 4
)

// Dispatcher resolves parsed actions to tools and runs them under policy:
// argument validation, path containment, timeout, and a concurrency cap.
// Unknown tools and handler failures become error results, never panics or
// raised errors.
type Dispatcher struct {
	registry *Registry
	policy   *PathPolicy
	events   *bus.Bus
	timeout  time.Duration
	sem      chan struct{}
}

type DispatcherOption func(*Dispatcher)

func WithTimeout(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.timeout = d
		}
	}
}

func WithConcurrency(n int) DispatcherOption {
	return func(dp *Dispatcher) {
		if n > 0 {
			dp.sem = make(chan struct{}, n)
		}
	}
}

func NewDispatcher(registry *Registry, policy *PathPolicy, events *bus.Bus, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		policy:   policy,
		events:   events,
		timeout:  defaultToolTimeout,
		sem:      make(chan struct{}, defaultConcurrency),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch runs one parsed action to completion and returns its result.
// The result always carries the active write root in metadata.
func (d *Dispatcher) Dispatch(ctx context.Context, action parser.Action) *Result {
	result := d.dispatch(ctx, action)
	result.Action = action.Name
	result.WithMeta("write_root", d.policy.WriteRoot)

	if d.events != nil {
		d.events.Publish(ctx, protocol.EventToolResult, protocol.ToolResultPayload{
			Action:   result.Action,
			Status:   result.Status,
			Result:   result.Result,
			Metadata: result.Metadata,
		})
	}
	return result
}

func (d *Dispatcher) dispatch(ctx context.Context, action parser.Action) *Result {
	tool, ok := d.registry.Get(action.Name)
	if !ok {
		return Errorf("unknown tool %q", action.Name)
	}

	args, err := d.bindArgs(tool, action)
	if err != nil {
		return Errorf("invalid arguments for %s: %v", action.Name, err)
	}

	if refusal := d.applyPathPolicy(tool, args); refusal != nil {
		return refusal
	}

	if d.events != nil {
		d.events.Publish(ctx, protocol.EventToolCall, protocol.ToolCallPayload{
			Action: action.Name,
			Args:   action.Args,
		})
	}

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		return Errorf("cancelled before execution: %v", ctx.Err())
	}

	return d.invoke(ctx, tool, args)
}

// invoke runs the tool with a timeout, converting panics and deadline
// expiry into error results.
func (d *Dispatcher) invoke(ctx context.Context, tool Tool, args map[string]any) *Result {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan *Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("tool panicked", "tool", tool.Name(), "panic", r)
				done <- Errorf("tool %s panicked: %v", tool.Name(), r)
			}
		}()
		done <- tool.Execute(ctx, args)
	}()

	select {
	case result := <-done:
		if result == nil {
			return Errorf("tool %s returned no result", tool.Name())
		}
		return result
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return Errorf("tool %s timed out after %s", tool.Name(), d.timeout).
				WithMeta("timeout", "true")
		}
		return Errorf("tool %s cancelled", tool.Name())
	}
}

// bindArgs validates and coerces parsed arguments against the tool schema.
// A raw payload with no key:value arguments binds to the first required
// field.
func (d *Dispatcher) bindArgs(tool Tool, action parser.Action) (map[string]any, error) {
	schema := tool.Schema()
	raw := action.Args
	if len(raw) == 0 && action.Payload != "" {
		target := firstRequired(schema)
		if target == "" {
			return nil, fmt.Errorf("tool takes no payload")
		}
		raw = map[string]string{target: action.Payload}
	}

	args := make(map[string]any, len(raw))
	for _, field := range schema.Fields {
		value, present := raw[field.Name]
		if !present {
			if field.Required {
				return nil, fmt.Errorf("missing required field %q", field.Name)
			}
			continue
		}
		coerced, err := coerce(value, field.Type)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", field.Name, err)
		}
		args[field.Name] = coerced
	}

	for name := range raw {
		if !schemaHas(schema, name) {
			return nil, fmt.Errorf("unknown field %q", name)
		}
	}
	return args, nil
}

// applyPathPolicy resolves every path-typed argument in place, returning a
// refusal result on the first violation.
func (d *Dispatcher) applyPathPolicy(tool Tool, args map[string]any) *Result {
	for _, field := range tool.Schema().Fields {
		if field.Type != TypePath {
			continue
		}
		value, ok := args[field.Name].(string)
		if !ok {
			continue
		}
		resolved, err := d.policy.Resolve(value, tool.PathScope(), tool.Mutating())
		if err != nil {
			return Refused(err.Error())
		}
		args[field.Name] = resolved
	}
	return nil
}

func coerce(value, fieldType string) (any, error) {
	switch fieldType {
	case TypeString, TypePath:
		return value, nil
	case TypeInt:
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("expected integer, got %q", value)
		}
		return n, nil
	case TypeFloat:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("expected number, got %q", value)
		}
		return f, nil
	case TypeBool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("expected boolean, got %q", value)
		}
		return b, nil
	default:
		return value, nil
	}
}

func firstRequired(schema Schema) string {
	for _, field := range schema.Fields {
		if field.Required {
			return field.Name
		}
	}
	if len(schema.Fields) > 0 {
		return schema.Fields[0].Name
	}
	return ""
}

func schemaHas(schema Schema, name string) bool {
	for _, field := range schema.Fields {
		if field.Name == name {
			return true
		}
	}
	return false
}
