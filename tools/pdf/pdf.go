// Package pdf implements a tool that extracts plain text from a
// base64-encoded PDF document, for models that need to read an attachment's
// contents rather than just know it exists.
package pdf

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/nevindra/chatbranch"
)

// Tool extracts text from PDF documents.
type Tool struct {
	maxChars int
}

// New creates a PDF-reading Tool. Extracted text beyond maxChars is
// truncated; maxChars <= 0 uses a default of 12000.
func New(maxChars int) *Tool {
	if maxChars <= 0 {
		maxChars = 12000
	}
	return &Tool{maxChars: maxChars}
}

func (t *Tool) Definition() chatbranch.ToolDefinition {
	return chatbranch.ToolDefinition{
		Name:        "read_pdf",
		Description: "Extract plain text from a base64-encoded PDF document. Use to read the contents of a PDF attachment.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"base64":{"type":"string","description":"base64-encoded PDF bytes"}},"required":["base64"]}`),
	}
}

func (t *Tool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Base64 string `json:"base64"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	if params.Base64 == "" {
		return "", fmt.Errorf("base64 is required")
	}

	content, err := base64.StdEncoding.DecodeString(params.Base64)
	if err != nil {
		return "", fmt.Errorf("invalid base64: %w", err)
	}

	text, err := t.extract(content)
	if err != nil {
		return "", err
	}

	if len(text) > t.maxChars {
		text = text[:t.maxChars] + "\n... (truncated)"
	}
	return text, nil
}

func (t *Tool) extract(content []byte) (string, error) {
	if len(content) == 0 {
		return "", fmt.Errorf("empty PDF content")
	}
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	var out strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if out.Len() > 0 {
			out.WriteString("\n\n")
		}
		out.WriteString(pageText)
	}

	text := strings.TrimSpace(out.String())
	if text == "" {
		return "", fmt.Errorf("no extractable text in PDF")
	}
	return text, nil
}
