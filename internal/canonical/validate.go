package canonical

// ValidateToolPairs checks that every tool result answers a tool call issued
// earlier in the same exchange.
func ValidateToolPairs(msgs []Message) error {
	seen := make(map[string]bool)
	for i, m := range msgs {
		for _, b := range m.Content {
			switch b.Type {
			case BlockToolUse:
				if b.ToolUse != nil && b.ToolUse.ID != "" {
					seen[b.ToolUse.ID] = true
				}
			case BlockToolResult:
				if b.ToolResult == nil {
					continue
				}
				if !seen[b.ToolResult.ToolUseID] {
					return DecodeErrorf("messages[%d]: tool result %q has no matching tool call", i, b.ToolResult.ToolUseID)
				}
			}
		}
	}
	return nil
}

// ToolNames maps tool-call id to tool name across msgs.
func ToolNames(msgs []Message) map[string]string {
	names := make(map[string]string)
	for _, m := range msgs {
		for _, b := range m.Content {
			if b.Type == BlockToolUse && b.ToolUse != nil {
				names[b.ToolUse.ID] = b.ToolUse.Name
			}
		}
	}
	return names
}
