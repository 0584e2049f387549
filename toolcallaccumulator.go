package chatbranch

import "strings"

// toolCallAccumulator reassembles tool-call fragments streamed as
// ToolCallDelta events, keyed by Index rather than ID — grounded on
// stream.go's partialToolCall accumulator, which keys on the same field
// for the same reason: a provider sends ID only on the fragment that opens
// a call, but Index on every fragment belonging to it.
type toolCallAccumulator struct {
	byIndex map[int]*partialToolCall
	order   []int
}

type partialToolCall struct {
	id   string
	name string
	args strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIndex: make(map[int]*partialToolCall)}
}

func (a *toolCallAccumulator) feed(d ToolCallDelta) {
	tc, ok := a.byIndex[d.Index]
	if !ok {
		tc = &partialToolCall{}
		a.byIndex[d.Index] = tc
		a.order = append(a.order, d.Index)
	}
	if d.ID != "" {
		tc.id = d.ID
	}
	if d.Name != "" {
		tc.name = d.Name
	}
	if d.ArgumentsChunk != "" {
		tc.args.WriteString(d.ArgumentsChunk)
	}
}

// ordered returns the accumulated calls in the order their index first
// appeared. A call whose ID never arrived (a malformed stream) is assigned
// a fresh one so downstream tool dispatch and persistence always have an ID
// to key on.
func (a *toolCallAccumulator) ordered() []ToolCallPayload {
	if len(a.order) == 0 {
		return nil
	}
	out := make([]ToolCallPayload, 0, len(a.order))
	for _, idx := range a.order {
		tc := a.byIndex[idx]
		args := []byte(tc.args.String())
		if len(args) == 0 {
			args = []byte("{}")
		}
		id := tc.id
		if id == "" {
			id = NewID()
		}
		out = append(out, ToolCallPayload{
			ID:    id,
			Index: idx,
			Function: ToolCallFunction{
				Name:      tc.name,
				Arguments: args,
			},
		})
	}
	return out
}
