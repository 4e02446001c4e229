package agentloop

import (
	"sync"
	"time"

	"github.com/martinemde/shellpilot/unifiedllm"
)

// Message is one entry of a conversation. Role is "system", "user" or
// "assistant".
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"-"`
}

// Conversation is the ordered message history of one session. The first
// entry is always the system message and the second the task.
type Conversation struct {
	messages []Message
	mu       sync.RWMutex
}

// NewConversation starts a history with the system prompt and the task.
func NewConversation(systemPrompt, task string) *Conversation {
	now := time.Now()
	return &Conversation{
		messages: []Message{
			{Role: string(unifiedllm.RoleSystem), Content: systemPrompt, Timestamp: now},
			{Role: string(unifiedllm.RoleUser), Content: task, Timestamp: now},
		},
	}
}

// AppendAssistant records a model reply verbatim.
func (c *Conversation) AppendAssistant(content string) {
	c.append(string(unifiedllm.RoleAssistant), content)
}

// AppendUser records an observation, failure message or other feedback.
func (c *Conversation) AppendUser(content string) {
	c.append(string(unifiedllm.RoleUser), content)
}

func (c *Conversation) append(role, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, Message{Role: role, Content: content, Timestamp: time.Now()})
}

// Messages returns a copy of the history.
func (c *Conversation) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// ToLLMMessages converts the history into request messages.
func (c *Conversation) ToLLMMessages() []unifiedllm.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]unifiedllm.Message, 0, len(c.messages))
	for _, m := range c.messages {
		switch unifiedllm.Role(m.Role) {
		case unifiedllm.RoleSystem:
			out = append(out, unifiedllm.SystemMessage(m.Content))
		case unifiedllm.RoleAssistant:
			out = append(out, unifiedllm.AssistantMessage(m.Content))
		default:
			out = append(out, unifiedllm.UserMessage(m.Content))
		}
	}
	return out
}
