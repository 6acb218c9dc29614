// Package provider defines the canonical streaming protocol shared by all
// AI-agent backends and the adapters that normalize each backend's native
// output into it.
package provider

import "encoding/json"

// MessageType identifies the kind of a streamed Message.
type MessageType string

const (
	MessageAssistant MessageType = "assistant"
	MessageUser      MessageType = "user"
	MessageError     MessageType = "error"
	MessageResult    MessageType = "result"
)

// MessageSubtype qualifies a terminal result message.
type MessageSubtype string

const (
	SubtypeSuccess MessageSubtype = "success"
	SubtypeError   MessageSubtype = "error"
)

// BlockType identifies the kind of a ContentBlock.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockThinking   BlockType = "thinking"
	BlockToolResult BlockType = "tool_result"
	BlockReasoning  BlockType = "reasoning"
)

// ContentBlock is a single unit of model output inside a message body.
// A tool_use and its tool_result share a ToolUseID.
type ContentBlock struct {
	Type      BlockType       `json:"type"`
	Text      string          `json:"text,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

// MessageBody carries the role and ordered content blocks of an
// assistant or user message.
type MessageBody struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// Message is the canonical streaming envelope every adapter emits.
// Exactly one terminal message (type result or error) is produced per
// query lifecycle, and nothing follows it.
type Message struct {
	Type             MessageType     `json:"type"`
	Subtype          MessageSubtype  `json:"subtype,omitempty"`
	SessionID        string          `json:"session_id,omitempty"`
	Body             *MessageBody    `json:"message,omitempty"`
	Result           string          `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
	StructuredOutput json.RawMessage `json:"structured_output,omitempty"`
}

// IsTerminal reports whether the message ends a query stream.
func (m *Message) IsTerminal() bool {
	return m.Type == MessageResult || m.Type == MessageError
}

// TextContent concatenates all text blocks in the message body.
func (m *Message) TextContent() string {
	if m.Body == nil {
		return ""
	}
	var out string
	for _, b := range m.Body.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// AssistantText builds an assistant message holding a single text block.
func AssistantText(sessionID, text string) Message {
	return Message{
		Type:      MessageAssistant,
		SessionID: sessionID,
		Body: &MessageBody{
			Role:    "assistant",
			Content: []ContentBlock{{Type: BlockText, Text: text}},
		},
	}
}

// ResultMessage builds a terminal success message.
func ResultMessage(sessionID, result string) Message {
	return Message{
		Type:      MessageResult,
		Subtype:   SubtypeSuccess,
		SessionID: sessionID,
		Result:    result,
	}
}

// ErrorMessage builds a terminal error message.
func ErrorMessage(sessionID, errText string) Message {
	return Message{
		Type:      MessageError,
		Subtype:   SubtypeError,
		SessionID: sessionID,
		Error:     errText,
	}
}
