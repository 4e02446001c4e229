package unifiedllm

import (
	"encoding/json"
	"testing"
)

func TestTextMessages(t *testing.T) {
	for _, tc := range []struct {
		msg  Message
		role Role
	}{
		{SystemMessage("be terse"), RoleSystem},
		{UserMessage("be terse"), RoleUser},
		{AssistantMessage("be terse"), RoleAssistant},
	} {
		if tc.msg.Role != tc.role || tc.msg.TextContent() != "be terse" {
			t.Errorf("unexpected %s message %+v", tc.role, tc.msg)
		}
		if len(tc.msg.Content) != 1 || tc.msg.Content[0].Kind != ContentText {
			t.Errorf("%s message should hold one text part, got %+v", tc.role, tc.msg.Content)
		}
	}
}

func TestTextContentSkipsOtherKinds(t *testing.T) {
	msg := Message{Role: RoleAssistant, Content: []ContentPart{
		TextPart(`{"tool_to_use":`),
		{Kind: "image", Text: "ignored"},
		TextPart(`null}`),
	}}
	resp := Response{Message: msg}
	if got := resp.Text(); got != `{"tool_to_use":null}` {
		t.Errorf("Text() = %q", got)
	}
}

func TestMessageWireShape(t *testing.T) {
	data, err := json.Marshal(UserMessage("ls /tmp"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if want := `{"role":"user","content":[{"kind":"text","text":"ls /tmp"}]}`; string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}
