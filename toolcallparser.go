package chatbranch

import (
	"encoding/json"
	"regexp"
)

// manualToolCallPattern matches inline tool-call markup a model emits as
// plain text instead of a provider-native tool-call fragment:
//
//	<tool_call name="NAME" id="ID">JSON_PAYLOAD</tool_call>
//
// id is optional. Translated from the Python original's TOOL_CALL_REGEX
// (`re.compile(r'<tool_call\s+name="([\w\-.]+)"(?:\s+id="([\w\-]+)")?\s*>(.*?)</tool_call>', re.DOTALL)`)
// into RE2 syntax; (?s) is Go's equivalent of Python's re.DOTALL.
var manualToolCallPattern = regexp.MustCompile(`(?s)<tool_call\s+name="([\w.\-]+)"(?:\s+id="([\w\-]+)")?\s*>(.*?)</tool_call>`)

// ExtractManualToolCalls scans text for inline <tool_call> markup and
// returns each match as a ToolCallPayload, in order of appearance. Index is
// assigned sequentially starting at startIndex so manual calls can be
// merged with provider-native tool-call deltas without index collisions.
// A payload whose JSON body doesn't parse is still returned — Arguments is
// set to the raw text wrapped as a JSON string, since a tool dispatch later
// in the pipeline will surface the parse failure as a tool error.
func ExtractManualToolCalls(text string, startIndex int) []ToolCallPayload {
	matches := manualToolCallPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]ToolCallPayload, 0, len(matches))
	for i, m := range matches {
		name, id, payload := m[1], m[2], m[3]
		args := json.RawMessage(payload)
		if json.Valid(args) {
			args = resolveManualArguments(args)
		} else {
			encoded, _ := json.Marshal(payload)
			args = encoded
		}
		if id == "" {
			id = NewID()
		}
		out = append(out, ToolCallPayload{
			ID:    id,
			Index: startIndex + i,
			Function: ToolCallFunction{
				Name:      name,
				Arguments: args,
			},
		})
	}
	return out
}

// resolveManualArguments unwraps a manual tool-call body down to the
// arguments a tool handler actually expects: payload.arguments,
// payload.input, or the payload itself when it's an object and carries
// neither key. A non-object payload (an array, a bare string or number) is
// passed through unchanged.
func resolveManualArguments(raw json.RawMessage) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return raw
	}
	if v, ok := obj["arguments"]; ok {
		return v
	}
	if v, ok := obj["input"]; ok {
		return v
	}
	return raw
}

// StripManualToolCalls removes every <tool_call>...</tool_call> span from
// text, for building the content shown to the user once its tool calls have
// been extracted and dispatched.
func StripManualToolCalls(text string) string {
	return manualToolCallPattern.ReplaceAllString(text, "")
}
