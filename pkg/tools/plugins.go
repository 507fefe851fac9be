package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

func schemaFor[T any]() *jsonschema.Schema {
	s, err := jsonschema.For[T](nil)
	if err != nil {
		panic(fmt.Sprintf("tools: build schema: %v", err))
	}
	return s
}

func parseArgs[T any](argsJSON string) (T, error) {
	var v T
	if argsJSON == "" {
		return v, nil
	}
	if err := json.Unmarshal([]byte(argsJSON), &v); err != nil {
		return v, fmt.Errorf("parse arguments: %w", err)
	}
	return v, nil
}

// ── Calculator ───────────────────────────────────────────────────────────

type calculatorArgs struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

// CalculatorPlugin implements the four basic arithmetic operations — the
// worked example in spec §8 scenario S3.
type CalculatorPlugin struct{}

func (CalculatorPlugin) Name() string { return "CalculatorPlugin" }
func (CalculatorPlugin) Kind() Kind   { return KindCalculator }

func (CalculatorPlugin) Functions() []Function {
	schema := schemaFor[calculatorArgs]()
	return []Function{
		{Name: "AddAsync", Description: "Add two numbers", Parameters: schema, Invoke: calcInvoke(func(a, b float64) float64 { return a + b })},
		{Name: "SubtractAsync", Description: "Subtract two numbers", Parameters: schema, Invoke: calcInvoke(func(a, b float64) float64 { return a - b })},
		{Name: "MultiplyAsync", Description: "Multiply two numbers", Parameters: schema, Invoke: calcInvoke(func(a, b float64) float64 { return a * b })},
		{Name: "DivideAsync", Description: "Divide two numbers", Parameters: schema, Invoke: func(ctx context.Context, argsJSON string) (any, error) {
			args, err := parseArgs[calculatorArgs](argsJSON)
			if err != nil {
				return nil, err
			}
			if args.B == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return args.A / args.B, nil
		}},
	}
}

func calcInvoke(op func(a, b float64) float64) func(context.Context, string) (any, error) {
	return func(ctx context.Context, argsJSON string) (any, error) {
		args, err := parseArgs[calculatorArgs](argsJSON)
		if err != nil {
			return nil, err
		}
		return op(args.A, args.B), nil
	}
}

// ── DateTime ─────────────────────────────────────────────────────────────

type dateTimeArgs struct {
	Timezone string `json:"timezone,omitempty"`
}

// DateTimePlugin reports the current date/time. Timezone is honored
// best-effort; an unknown name falls back to UTC rather than erroring, since
// the remote model is expected to recover from approximate answers here.
type DateTimePlugin struct{}

func (DateTimePlugin) Name() string { return "DateTimePlugin" }
func (DateTimePlugin) Kind() Kind   { return KindDateTime }

func (DateTimePlugin) Functions() []Function {
	return []Function{
		{Name: "NowAsync", Description: "Get the current date and time", Parameters: schemaFor[dateTimeArgs](), Invoke: func(ctx context.Context, argsJSON string) (any, error) {
			args, err := parseArgs[dateTimeArgs](argsJSON)
			if err != nil {
				return nil, err
			}
			loc := time.UTC
			if args.Timezone != "" {
				if l, err := time.LoadLocation(args.Timezone); err == nil {
					loc = l
				}
			}
			return time.Now().In(loc).Format(time.RFC3339), nil
		}},
	}
}

// ── System ───────────────────────────────────────────────────────────────

type systemStopArgs struct{}

// SystemPlugin exposes process-level control functions. Its
// NotifyConversationStopRequested function is the tool-invoked hangup path
// named in spec §5 ("Hangup token: cancelled by ... tool
// NotifyConversationStopRequested").
type SystemPlugin struct {
	// RequestStop is called when the remote model invokes
	// NotifyConversationStopRequested. The supervisor wires this to
	// Agent.RequestStop, which calls the hangup function of the active Run.
	RequestStop func()
}

func (SystemPlugin) Name() string { return "SystemPlugin" }
func (SystemPlugin) Kind() Kind   { return KindSystem }

func (p SystemPlugin) Functions() []Function {
	return []Function{
		{Name: "NotifyConversationStopRequested", Description: "End the current conversation", Parameters: schemaFor[systemStopArgs](), Invoke: func(ctx context.Context, argsJSON string) (any, error) {
			if p.RequestStop != nil {
				p.RequestStop()
			}
			return "ok", nil
		}},
	}
}

// ── GeoIp ────────────────────────────────────────────────────────────────

type geoIpArgs struct{}

// GeoIpPlugin resolves the device's approximate location. The HTTP lookup
// against ip-api.com (spec §6) is an external collaborator out of this
// module's scope; Lookup is injected so a real implementation can be wired
// in without this package depending on net/http.
type GeoIpPlugin struct {
	Lookup func(ctx context.Context) (city, country string, err error)
}

func (GeoIpPlugin) Name() string { return "GeoIpPlugin" }
func (GeoIpPlugin) Kind() Kind   { return KindGeoIp }

func (p GeoIpPlugin) Functions() []Function {
	return []Function{
		{Name: "GetLocationAsync", Description: "Get the device's approximate location", Parameters: schemaFor[geoIpArgs](), Invoke: func(ctx context.Context, argsJSON string) (any, error) {
			if p.Lookup == nil {
				return nil, fmt.Errorf("location lookup not configured")
			}
			city, country, err := p.Lookup(ctx)
			if err != nil {
				return nil, err
			}
			return fmt.Sprintf("%s, %s", city, country), nil
		}},
	}
}

// ── Weather ──────────────────────────────────────────────────────────────

type weatherArgs struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// WeatherPlugin reports current weather for a coordinate. The open-meteo
// HTTP call (spec §6) is an external collaborator; Forecast is injected.
type WeatherPlugin struct {
	Forecast func(ctx context.Context, lat, lon float64) (summary string, err error)
}

func (WeatherPlugin) Name() string { return "WeatherPlugin" }
func (WeatherPlugin) Kind() Kind   { return KindWeather }

func (p WeatherPlugin) Functions() []Function {
	return []Function{
		{Name: "GetCurrentWeatherAsync", Description: "Get the current weather for a location", Parameters: schemaFor[weatherArgs](), Invoke: func(ctx context.Context, argsJSON string) (any, error) {
			args, err := parseArgs[weatherArgs](argsJSON)
			if err != nil {
				return nil, err
			}
			if p.Forecast == nil {
				return nil, fmt.Errorf("weather forecast not configured")
			}
			return p.Forecast(ctx, args.Latitude, args.Longitude)
		}},
	}
}

// ── Memory ───────────────────────────────────────────────────────────────

type memorySetArgs struct {
	Key     string `json:"key"`
	Content string `json:"content"`
}

type memoryGetArgs struct {
	Key string `json:"key"`
}

type memorySearchArgs struct {
	Query      string `json:"query"`
	MaxResults int    `json:"maxResults,omitempty"`
}

// MemoryStore is the narrow persistence/search contract MemoryPlugin calls
// through. The file-backed implementation and semantic search (spec §1) are
// external collaborators out of this module's scope.
type MemoryStore interface {
	Set(ctx context.Context, key, content string) error
	Get(ctx context.Context, key string) (string, bool, error)
	Search(ctx context.Context, query string, maxResults int) ([]string, error)
}

// MemoryPlugin exposes key/value and semantic recall over MemoryStore.
type MemoryPlugin struct {
	Store MemoryStore
}

func (MemoryPlugin) Name() string { return "MemoryPlugin" }
func (MemoryPlugin) Kind() Kind   { return KindMemory }

func (p MemoryPlugin) Functions() []Function {
	return []Function{
		{Name: "RememberAsync", Description: "Store a fact under a key", Parameters: schemaFor[memorySetArgs](), Invoke: func(ctx context.Context, argsJSON string) (any, error) {
			args, err := parseArgs[memorySetArgs](argsJSON)
			if err != nil {
				return nil, err
			}
			if p.Store == nil {
				return nil, fmt.Errorf("memory store not configured")
			}
			if err := p.Store.Set(ctx, args.Key, args.Content); err != nil {
				return nil, err
			}
			return "ok", nil
		}},
		{Name: "RecallAsync", Description: "Retrieve a fact by key", Parameters: schemaFor[memoryGetArgs](), Invoke: func(ctx context.Context, argsJSON string) (any, error) {
			args, err := parseArgs[memoryGetArgs](argsJSON)
			if err != nil {
				return nil, err
			}
			if p.Store == nil {
				return nil, fmt.Errorf("memory store not configured")
			}
			content, ok, err := p.Store.Get(ctx, args.Key)
			if err != nil {
				return nil, err
			}
			if !ok {
				return "", nil
			}
			return content, nil
		}},
		{Name: "SearchAsync", Description: "Search remembered facts", Parameters: schemaFor[memorySearchArgs](), Invoke: func(ctx context.Context, argsJSON string) (any, error) {
			args, err := parseArgs[memorySearchArgs](argsJSON)
			if err != nil {
				return nil, err
			}
			if p.Store == nil {
				return []string{}, nil
			}
			max := args.MaxResults
			if max <= 0 {
				max = 5
			}
			return p.Store.Search(ctx, args.Query, max)
		}},
	}
}

// ── Eyes ─────────────────────────────────────────────────────────────────

type eyeColorArgs struct{}

// EyesPlugin answers a single fixed fact about the device's appearance. Kept
// as a standalone plugin since the spec's closed variant set names it
// separately from System.
type EyesPlugin struct {
	Color string
}

func (EyesPlugin) Name() string { return "EyesPlugin" }
func (EyesPlugin) Kind() Kind   { return KindEyes }

func (p EyesPlugin) Functions() []Function {
	return []Function{
		{Name: "GetEyeColorAsync", Description: "Get the assistant's eye colour", Parameters: schemaFor[eyeColorArgs](), Invoke: func(ctx context.Context, argsJSON string) (any, error) {
			if p.Color == "" {
				return "unknown", nil
			}
			return p.Color, nil
		}},
	}
}
