// Package canonical defines the protocol-neutral chat model.
//
// DESIGN: Every wire protocol decodes into these types and is encoded back out
// of them. Nothing in this package knows about HTTP or a wire shape.
//
// NORMAL FORM (adapters must produce it on decode):
//   - System prompts are RoleSystem messages at the head of Messages.
//   - Each tool result is its own RoleTool message holding exactly one
//     BlockToolResult, with ToolCallID set to the result's ToolUseID.
//   - Assistant tool calls are BlockToolUse blocks after any text blocks.
package canonical

import (
	"encoding/json"
	"strings"
)

// Role is the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// BlockType tags the Block union.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockThinking   BlockType = "thinking"
)

// Block is one piece of message content. Exactly one payload is set,
// selected by Type. Thinking blocks are carried through untouched.
type Block struct {
	Type       BlockType
	Text       string
	ToolUse    *ToolUse
	ToolResult *ToolResult
}

// ToolUse is a model-issued tool call.
type ToolUse struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolResult answers the ToolUse with the same ID.
// Name is filled when the protocol carries it or it can be looked up.
type ToolResult struct {
	ToolUseID string
	Name      string
	Content   string
	IsError   bool
}

// TextBlock builds a text block.
func TextBlock(text string) Block { return Block{Type: BlockText, Text: text} }

// ThinkingBlock builds a reasoning trace block.
func ThinkingBlock(text string) Block { return Block{Type: BlockThinking, Text: text} }

// ToolUseBlock builds a tool call block.
func ToolUseBlock(id, name string, args json.RawMessage) Block {
	return Block{Type: BlockToolUse, ToolUse: &ToolUse{ID: id, Name: name, Arguments: args}}
}

// ToolResultBlock builds a tool result block.
func ToolResultBlock(id, name, content string, isError bool) Block {
	return Block{Type: BlockToolResult, ToolResult: &ToolResult{ToolUseID: id, Name: name, Content: content, IsError: isError}}
}

// Message is one turn of the conversation.
type Message struct {
	Role       Role
	Content    []Block
	ToolCallID string
}

// Text concatenates the text blocks of the message.
func (m Message) Text() string {
	return joinText(m.Content)
}

// ToolSpec describes a callable tool.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Tool choice modes.
const (
	ToolChoiceAuto     = "auto"
	ToolChoiceNone     = "none"
	ToolChoiceRequired = "required"
	ToolChoiceTool     = "tool"
)

// ToolChoice constrains which tool the model may call.
// Name is set only when Mode is ToolChoiceTool.
type ToolChoice struct {
	Mode string
	Name string
}

// Reasoning effort levels. Any other value is passed through opaque.
const (
	EffortNone    = "none"
	EffortMinimal = "minimal"
	EffortLow     = "low"
	EffortMedium  = "medium"
	EffortHigh    = "high"
)

// Request is a protocol-neutral completion request.
type Request struct {
	Model           string
	Messages        []Message
	MaxOutputTokens *int
	Temperature     *float64
	Stream          bool
	Tools           []ToolSpec
	ToolChoice      *ToolChoice
	ReasoningEffort string
	ResponseFormat  json.RawMessage
}

// Clone returns a copy whose message slice can be appended to without
// affecting the original.
func (r *Request) Clone() *Request {
	cp := *r
	cp.Messages = append([]Message(nil), r.Messages...)
	cp.Tools = append([]ToolSpec(nil), r.Tools...)
	return &cp
}

// HasTool reports whether the request declares a tool with this name.
func (r *Request) HasTool(name string) bool {
	for _, t := range r.Tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// StopReason explains why the model stopped. Unknown values are opaque.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopToolUse      StopReason = "tool_use"
	StopStopSequence StopReason = "stop_sequence"
)

// Usage counts tokens for one completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
	CachedTokens int
}

// Add accumulates o into u.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CachedTokens += o.CachedTokens
}

// IsZero reports whether no tokens were recorded.
func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && u.CachedTokens == 0
}

// Response is a protocol-neutral completion result.
type Response struct {
	ID         string
	Model      string
	Content    []Block
	StopReason StopReason
	Usage      Usage
}

// Text concatenates the text blocks of the response.
func (r *Response) Text() string {
	return joinText(r.Content)
}

// ToolUses returns the tool calls in order.
func (r *Response) ToolUses() []ToolUse {
	var out []ToolUse
	for _, b := range r.Content {
		if b.Type == BlockToolUse && b.ToolUse != nil {
			out = append(out, *b.ToolUse)
		}
	}
	return out
}

// AssistantMessage converts the response into the assistant turn that
// produced it, for appending to a follow-up request.
func (r *Response) AssistantMessage() Message {
	return Message{Role: RoleAssistant, Content: append([]Block(nil), r.Content...)}
}

func joinText(blocks []Block) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}
