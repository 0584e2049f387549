package localcompat

import "testing"

func TestNew_DefaultsToLocalName(t *testing.T) {
	p := New("http://localhost:11434/v1", "")
	if p.Name() != "local" {
		t.Errorf("expected name 'local', got %q", p.Name())
	}
}
