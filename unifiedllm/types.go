package unifiedllm

import "strings"

// Role tags the author of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentKind discriminates ContentPart values. The agent speaks plain text,
// so text is the only kind adapters produce today.
type ContentKind string

const ContentText ContentKind = "text"

type ContentPart struct {
	Kind ContentKind `json:"kind"`
	Text string      `json:"text,omitempty"`
}

func TextPart(text string) ContentPart { return ContentPart{Kind: ContentText, Text: text} }

type Message struct {
	Role    Role          `json:"role"`
	Content []ContentPart `json:"content"`
}

func textMessage(role Role, text string) Message {
	return Message{Role: role, Content: []ContentPart{TextPart(text)}}
}

func SystemMessage(text string) Message    { return textMessage(RoleSystem, text) }
func UserMessage(text string) Message      { return textMessage(RoleUser, text) }
func AssistantMessage(text string) Message { return textMessage(RoleAssistant, text) }

// TextContent joins the message's text parts.
func (m Message) TextContent() string {
	var sb strings.Builder
	for _, p := range m.Content {
		if p.Kind == ContentText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// FinishReason is the normalised stop reason ("stop", "length",
// "content_filter", "other") alongside the provider's raw value.
type FinishReason struct {
	Reason string `json:"reason"`
	Raw    string `json:"raw,omitempty"`
}

// Usage is the token accounting of one reply.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
	// Estimated marks counts derived from text length rather than reported.
	Estimated bool `json:"estimated,omitempty"`
}

type Request struct {
	Model       string    `json:"model"`
	Provider    string    `json:"provider,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type Response struct {
	ID           string       `json:"id"`
	Model        string       `json:"model"`
	Provider     string       `json:"provider"`
	Message      Message      `json:"message"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
}

// Text is the reply's text content.
func (r Response) Text() string { return r.Message.TextContent() }
