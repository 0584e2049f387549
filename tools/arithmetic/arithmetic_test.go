package arithmetic

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func call(t *testing.T, op string, a, b float64) (string, error) {
	t.Helper()
	tool := New()
	args, _ := json.Marshal(map[string]any{"op": op, "a": a, "b": b})
	return tool.Execute(context.Background(), args)
}

func TestArithmeticAdd(t *testing.T) {
	result, err := call(t, "add", 2, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "5" {
		t.Errorf("expected 5, got %q", result)
	}
}

func TestArithmeticSubtract(t *testing.T) {
	result, err := call(t, "subtract", 10, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "6" {
		t.Errorf("expected 6, got %q", result)
	}
}

func TestArithmeticMultiply(t *testing.T) {
	result, err := call(t, "multiply", 6, 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "42" {
		t.Errorf("expected 42, got %q", result)
	}
}

func TestArithmeticDivide(t *testing.T) {
	result, err := call(t, "divide", 9, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "4.5" {
		t.Errorf("expected 4.5, got %q", result)
	}
}

func TestArithmeticDivideByZero(t *testing.T) {
	_, err := call(t, "divide", 1, 0)
	if err == nil {
		t.Error("expected error for division by zero")
	}
}

func TestArithmeticUnknownOp(t *testing.T) {
	_, err := call(t, "modulo", 1, 2)
	if err == nil {
		t.Error("expected error for unknown op")
	}
}

func TestArithmeticInvalidArgs(t *testing.T) {
	tool := New()
	_, err := tool.Execute(context.Background(), json.RawMessage(`not json`))
	if err == nil {
		t.Error("expected error for invalid args")
	}
}

func TestArithmeticDefinition(t *testing.T) {
	tool := New()
	def := tool.Definition()
	if def.Name != "arithmetic" {
		t.Errorf("expected 'arithmetic', got %q", def.Name)
	}
	if !strings.Contains(string(def.Parameters), "\"op\"") {
		t.Errorf("expected schema to mention op, got %s", def.Parameters)
	}
}

func TestArithmeticNotAsync(t *testing.T) {
	tool := New()
	var h any = tool
	if _, ok := h.(interface{ Async() bool }); ok {
		t.Error("arithmetic should not implement AsyncTool")
	}
}
