package chatbranch

import "sort"

// BuildActiveBranch walks a chat's message tree from its root down the
// active branch and returns the resulting linear path, root first. It
// mirrors build_context_from_db's messages_map + traverse_active shape,
// expressed over Go value types instead of Python dicts.
//
// The root is the message with no ParentID; if more than one such message
// exists (a malformed tree), the earliest by CreatedAt wins, breaking ties
// by ID. At each node, descent follows ChildrenIDs[ActiveChildIndex] when
// ActiveChildIndex is in range; an out-of-range index stops the walk at
// that node rather than panicking.
//
// If stopAt is non-empty, the walk stops as soon as it appends the node
// whose ID equals stopAt, even if that node has children — this is what
// lets a regenerate request re-anchor on an earlier message instead of
// walking into an existing (and possibly foreign) branch continuation. An
// empty stopAt walks to the end of the active branch, as before.
func BuildActiveBranch(messages []Message, stopAt string) []Message {
	if len(messages) == 0 {
		return nil
	}

	byID := make(map[string]Message, len(messages))
	var roots []Message
	for _, m := range messages {
		byID[m.ID] = m
		if m.ParentID == "" {
			roots = append(roots, m)
		}
	}
	if len(roots) == 0 {
		return nil
	}
	sort.Slice(roots, func(i, j int) bool {
		if roots[i].CreatedAt != roots[j].CreatedAt {
			return roots[i].CreatedAt < roots[j].CreatedAt
		}
		return roots[i].ID < roots[j].ID
	})

	var path []Message
	cur := roots[0]
	for {
		path = append(path, cur)
		if stopAt != "" && cur.ID == stopAt {
			break
		}
		if cur.ActiveChildIndex < 0 || cur.ActiveChildIndex >= len(cur.ChildrenIDs) {
			break
		}
		next, ok := byID[cur.ChildrenIDs[cur.ActiveChildIndex]]
		if !ok {
			break
		}
		cur = next
	}
	return path
}

// ToNeutral projects a path of Messages into the provider-neutral sequence a
// Provider Adapter consumes, prepending systemPrompt as a system message
// when non-empty.
func ToNeutral(systemPrompt string, path []Message) []NeutralMessage {
	out := make([]NeutralMessage, 0, len(path)+1)
	if systemPrompt != "" {
		out = append(out, NeutralMessage{Role: RoleSystem, Content: systemPrompt})
	}
	for _, m := range path {
		out = append(out, NeutralMessage{
			Role:        m.Role,
			Content:     m.Content,
			Attachments: m.Attachments,
			ToolCalls:   m.ToolCalls,
			ToolCallID:  m.ToolCallID,
		})
	}
	return out
}
