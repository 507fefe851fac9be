package tools

import (
	"context"
	"strings"
	"testing"
)

func TestRegistryConvertFunctionsQualifiesNames(t *testing.T) {
	r := NewRegistry(CalculatorPlugin{}, DateTimePlugin{})
	descriptors := r.ConvertFunctions()

	found := false
	for _, d := range descriptors {
		if d.Name == "CalculatorPlugin-AddAsync" {
			found = true
			if d.Parameters == nil {
				t.Fatal("expected non-nil parameter schema")
			}
		}
	}
	if !found {
		t.Fatal("expected CalculatorPlugin-AddAsync in descriptors")
	}
}

func TestInvokeFunctionCalculatorAdd(t *testing.T) {
	r := NewRegistry(CalculatorPlugin{})
	out := r.InvokeFunction(context.Background(), "CalculatorPlugin-AddAsync", "call-1", `{"a":2,"b":3}`)
	if out.CallID != "call-1" {
		t.Fatalf("CallID = %q", out.CallID)
	}
	if out.Output != "5" {
		t.Fatalf("Output = %q, want 5", out.Output)
	}
}

func TestInvokeFunctionUnknownTool(t *testing.T) {
	r := NewRegistry(CalculatorPlugin{})
	out := r.InvokeFunction(context.Background(), "Nope-DoesNotExist", "call-2", `{}`)
	if !strings.HasPrefix(out.Output, "Error:") {
		t.Fatalf("Output = %q, want Error: prefix", out.Output)
	}
}

func TestInvokeFunctionPluginErrorWrapped(t *testing.T) {
	r := NewRegistry(CalculatorPlugin{})
	out := r.InvokeFunction(context.Background(), "CalculatorPlugin-DivideAsync", "call-3", `{"a":1,"b":0}`)
	if !strings.HasPrefix(out.Output, "Error:") {
		t.Fatalf("Output = %q, want Error: prefix", out.Output)
	}
	if !strings.Contains(out.Output, "division by zero") {
		t.Fatalf("Output = %q, want to contain division-by-zero cause", out.Output)
	}
}

func TestSystemPluginRequestStop(t *testing.T) {
	called := false
	r := NewRegistry(SystemPlugin{RequestStop: func() { called = true }})
	out := r.InvokeFunction(context.Background(), "SystemPlugin-NotifyConversationStopRequested", "call-4", `{}`)
	if out.Output != "ok" {
		t.Fatalf("Output = %q", out.Output)
	}
	if !called {
		t.Fatal("expected RequestStop to be called")
	}
}

func TestConvertFunctionsListsEachCalculatorFunction(t *testing.T) {
	r := NewRegistry(CalculatorPlugin{})
	descriptors := r.ConvertFunctions()
	if len(descriptors) != 4 {
		t.Fatalf("len(descriptors) = %d, want 4", len(descriptors))
	}
}
