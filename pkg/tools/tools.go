// Package tools implements the tool registry and invoker (C6): it converts
// plugin metadata into the JSON-Schema tool descriptors the realtime session
// hands to the remote model, and dispatches function calls returned by the
// model back to the plugin that declared them.
//
// Plugin implementations (calculator, weather, memory, date/time, GeoIP,
// eye-colour, system) are out of this module's scope per spec §1 — the core
// sees them only as named functions with a parameter schema and an async
// invocation contract. The handful of plugins in this package are kept
// deliberately thin: enough to exercise the registry end-to-end (the
// calculator is the worked example in the realtime wire contract, spec §8
// S3) without reimplementing the weather/GeoIP/memory backends those external
// collaborators own.
//
// Grounded on MrWong99-glyphoxa's internal/mcp/tools/tools.go (the
// Tool{Definition, Handler} shape) and internal/mcp/bridge/bridge.go's
// dispatch-by-name + error-wrap-as-string pattern, adapted from glyphoxa's
// MCP-host indirection into this spec's direct compile-time plugin
// enumeration.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/noiacore/noiacore/pkg/rterrors"
)

// Kind is the closed, compile-time enumeration of plugin variants the spec
// names (§9: "a closed tagged variant ... reflection on a runtime type
// system is not required").
type Kind string

const (
	KindCalculator Kind = "Calculator"
	KindDateTime   Kind = "DateTime"
	KindGeoIp      Kind = "GeoIp"
	KindWeather    Kind = "Weather"
	KindMemory     Kind = "Memory"
	KindSystem     Kind = "System"
	KindEyes       Kind = "Eyes"
)

// Function describes one callable function a Plugin exposes. Name is the
// plugin-local function name; the registry qualifies it with the plugin
// name as "{PluginName}-{FunctionName}" when building tool descriptors.
type Function struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema
	Invoke      func(ctx context.Context, argsJSON string) (any, error)
}

// Plugin is anything the registry can expose as a named set of functions.
type Plugin interface {
	Name() string
	Kind() Kind
	Functions() []Function
}

// ToolDescriptor is the JSON-Schema tool description handed to the remote
// realtime session's Configure call (spec §4.7's "tool list").
type ToolDescriptor struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema
}

// FunctionCallOutputItem is the item added back to the session once a tool
// call resolves, successfully or not (spec §4.6).
type FunctionCallOutputItem struct {
	CallID string
	Output string
}

// Registry holds the configured plugin set and dispatches calls to them by
// fully-qualified name.
type Registry struct {
	mu        sync.RWMutex
	plugins   []Plugin
	functions map[string]Function // fqName -> function
}

// NewRegistry builds a Registry from the given plugins. Functions are
// indexed eagerly so InvokeFunction never needs to walk the plugin list.
func NewRegistry(plugins ...Plugin) *Registry {
	r := &Registry{functions: make(map[string]Function)}
	for _, p := range plugins {
		r.Register(p)
	}
	return r
}

// Register adds a plugin's functions to the registry, replacing any plugin
// already registered under the same name.
func (r *Registry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	replaced := false
	for i, existing := range r.plugins {
		if existing.Name() == p.Name() {
			for _, fn := range existing.Functions() {
				delete(r.functions, fqName(existing.Name(), fn.Name))
			}
			r.plugins[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		r.plugins = append(r.plugins, p)
	}
	for _, fn := range p.Functions() {
		r.functions[fqName(p.Name(), fn.Name)] = fn
	}
}

func fqName(plugin, function string) string {
	return plugin + "-" + function
}

// ConvertFunctions yields the tool descriptors handed to the remote session,
// sorted by name for deterministic Configure payloads.
func (r *Registry) ConvertFunctions() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descriptors := make([]ToolDescriptor, 0, len(r.functions))
	for _, p := range r.plugins {
		for _, fn := range p.Functions() {
			descriptors = append(descriptors, ToolDescriptor{
				Name:        fqName(p.Name(), fn.Name),
				Description: fn.Description,
				Parameters:  fn.Parameters,
			})
		}
	}
	sort.Slice(descriptors, func(i, j int) bool { return descriptors[i].Name < descriptors[j].Name })
	return descriptors
}

// InvokeFunction parses arguments and dispatches fqName's call, converting
// any failure into the "Error: <message>" output item the remote model is
// expected to explain to the user (spec §4.6, §7's ToolInvocation policy).
// It never returns a Go error — the output item is always usable as a
// function-call-output item.
func (r *Registry) InvokeFunction(ctx context.Context, fqName, callID, argsJSON string) FunctionCallOutputItem {
	r.mu.RLock()
	fn, ok := r.functions[fqName]
	r.mu.RUnlock()

	if !ok {
		return FunctionCallOutputItem{CallID: callID, Output: fmt.Sprintf("Error: unknown tool %q", fqName)}
	}

	result, err := fn.Invoke(ctx, argsJSON)
	if err != nil {
		return FunctionCallOutputItem{CallID: callID, Output: fmt.Sprintf("Error: %s", wrapToolErr(err))}
	}
	return FunctionCallOutputItem{CallID: callID, Output: stringifyResult(result)}
}

func wrapToolErr(err error) string {
	return fmt.Errorf("%w: %v", rterrors.ErrToolInvocation, err).Error()
}

// stringifyResult renders primitive results as their natural string form and
// structured results as JSON, per spec §4.6.
func stringifyResult(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(data)
}
