package pdf

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
)

func TestReadPDFInvalidArgs(t *testing.T) {
	tool := New(0)
	_, err := tool.Execute(context.Background(), json.RawMessage(`not json`))
	if err == nil {
		t.Error("expected error for invalid args")
	}
}

func TestReadPDFMissingBase64(t *testing.T) {
	tool := New(0)
	args, _ := json.Marshal(map[string]string{"base64": ""})
	_, err := tool.Execute(context.Background(), args)
	if err == nil {
		t.Error("expected error for missing base64")
	}
}

func TestReadPDFInvalidBase64(t *testing.T) {
	tool := New(0)
	args, _ := json.Marshal(map[string]string{"base64": "not-valid-base64!!!"})
	_, err := tool.Execute(context.Background(), args)
	if err == nil {
		t.Error("expected error for invalid base64")
	}
}

func TestReadPDFMalformedDocument(t *testing.T) {
	tool := New(0)
	args, _ := json.Marshal(map[string]string{"base64": base64.StdEncoding.EncodeToString([]byte("not a pdf"))})
	_, err := tool.Execute(context.Background(), args)
	if err == nil {
		t.Error("expected error for malformed PDF")
	}
}

func TestReadPDFDefinition(t *testing.T) {
	tool := New(0)
	def := tool.Definition()
	if def.Name != "read_pdf" {
		t.Errorf("expected 'read_pdf', got %q", def.Name)
	}
	if !strings.Contains(string(def.Parameters), "base64") {
		t.Errorf("expected schema to mention base64, got %s", def.Parameters)
	}
}

func TestReadPDFDefaultMaxChars(t *testing.T) {
	tool := New(0)
	if tool.maxChars != 12000 {
		t.Errorf("expected default 12000, got %d", tool.maxChars)
	}
}

func TestReadPDFCustomMaxChars(t *testing.T) {
	tool := New(500)
	if tool.maxChars != 500 {
		t.Errorf("expected 500, got %d", tool.maxChars)
	}
}
