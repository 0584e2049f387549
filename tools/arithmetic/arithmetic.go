// Package arithmetic implements a tool exposing basic arithmetic
// operations the model can't reliably do itself over large operands.
package arithmetic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nevindra/chatbranch"
)

// Tool evaluates a single binary arithmetic operation.
type Tool struct{}

// New creates an arithmetic Tool. It holds no state: every call is pure.
func New() *Tool {
	return &Tool{}
}

func (t *Tool) Definition() chatbranch.ToolDefinition {
	return chatbranch.ToolDefinition{
		Name:        "arithmetic",
		Description: "Evaluate a binary arithmetic operation (add, subtract, multiply, divide) over two numbers. Use for exact calculations rather than estimating.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"op": {"type": "string", "enum": ["add", "subtract", "multiply", "divide"], "description": "operation to perform"},
				"a": {"type": "number", "description": "left operand"},
				"b": {"type": "number", "description": "right operand"}
			},
			"required": ["op", "a", "b"]
		}`),
	}
}

// arithmetic is CPU-only and returns immediately, so it shares the
// registry's bounded worker pool rather than implementing AsyncTool.
func (t *Tool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Op string  `json:"op"`
		A  float64 `json:"a"`
		B  float64 `json:"b"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}

	var result float64
	switch params.Op {
	case "add":
		result = params.A + params.B
	case "subtract":
		result = params.A - params.B
	case "multiply":
		result = params.A * params.B
	case "divide":
		if params.B == 0 {
			return "", fmt.Errorf("division by zero")
		}
		result = params.A / params.B
	default:
		return "", fmt.Errorf("unknown op %q", params.Op)
	}

	return fmt.Sprintf("%g", result), nil
}
