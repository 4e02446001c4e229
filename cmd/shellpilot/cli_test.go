package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/martinemde/shellpilot/agentloop"
	"github.com/martinemde/shellpilot/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEndpoint is an OpenAI-compatible chat completions endpoint that
// answers with canned replies in order.
func fakeEndpoint(t *testing.T, replies ...string) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	next := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		reply := `{"tool_to_use":null}`
		if next < len(replies) {
			reply = replies[next]
		}
		next++
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4o-mini",
			"choices": []any{map[string]any{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": reply},
				"finish_reason": "stop",
				"logprobs":      nil,
			}},
			"usage": map[string]any{"prompt_tokens": 500, "completion_tokens": 50, "total_tokens": 550},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeTestConfig(t *testing.T, baseURL, extra string) (cfgPath, dir string) {
	t.Helper()
	for _, key := range []string{"OPENAI_BASE_URL", "OPENAI_API_KEY", "AGENT_MODEL", "CODER_MODEL", "SHELLPILOT_LOG_LEVEL"} {
		t.Setenv(key, "")
	}
	dir = t.TempDir()
	content := "model: gpt-4o-mini\n" +
		"provider: openai\n" +
		"base_url: " + baseURL + "/v1/\n" +
		"api_key: sk-test\n" +
		"log_level: error\n" +
		"log_dir: " + filepath.Join(dir, "logs") + "\n" +
		"ledger_path: " + filepath.Join(dir, "ledger.db") + "\n" +
		extra
	cfgPath = filepath.Join(dir, "shellpilot.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))
	return cfgPath, dir
}

func execute(args ...string) (string, error) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRunCompletesTask(t *testing.T) {
	srv := fakeEndpoint(t,
		`{"tool_to_use":{"name":"execute_shell_command","parameters":{"command":"echo hi"}}}`,
		`{"tool_to_use":{"name":"task_complete","parameters":{"summary":"Said hi."}}}`,
	)
	cfgPath, dir := writeTestConfig(t, srv.URL, "")

	out, err := execute("run", "--config", cfgPath, "say", "hi")
	require.NoError(t, err)

	assert.Contains(t, out, `Request from the user: "say hi"`)
	assert.Contains(t, out, "=== AI Response ===")
	assert.Contains(t, out, "=== Tool Output ===\nOutput of the command:\n```\nhi\n```\nExit status: 0")
	assert.Contains(t, out, "==> The AI has completed the task. Exiting.\nSaid hi.")
	assert.Contains(t, out, "=== Usage Summary ===\nTokens: 1000 sent + 100 received = 1100 total")

	transcripts, err := filepath.Glob(filepath.Join(dir, "logs", "conversation_*.json"))
	require.NoError(t, err)
	assert.Len(t, transcripts, 1)

	usage, err := execute("usage", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, usage, "Conversations: 1")
	assert.Contains(t, usage, "=== Outcome: completed ===")
	assert.Contains(t, usage, "say hi")
}

func TestRunFailedTaskExitCode(t *testing.T) {
	srv := fakeEndpoint(t, `{"tool_to_use":null}`)
	cfgPath, _ := writeTestConfig(t, srv.URL, "")

	out, err := execute("run", "--config", cfgPath, "do nothing")
	var exit *exitCodeError
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 1, exit.code)
	assert.Equal(t, agentloop.OutcomeFailed, exit.outcome)
	assert.Contains(t, out, "==> ERROR: No tool selection provided. Exiting.")
}

func TestRunRequiresTask(t *testing.T) {
	_, err := execute("run")
	assert.Error(t, err)
}

func TestToolsListsActions(t *testing.T) {
	srv := fakeEndpoint(t)
	cfgPath, _ := writeTestConfig(t, srv.URL, "")

	out, err := execute("tools", "--config", cfgPath)
	require.NoError(t, err)
	for _, name := range []string{"execute_shell_command", "fetch_webpage", "read_file", "write_file", "task_complete"} {
		assert.Contains(t, out, "### "+name)
	}
	assert.NotContains(t, out, "### generate_code")

	cfgPath, _ = writeTestConfig(t, srv.URL, "coder_model: gpt-4.1-mini\n")
	out, err = execute("tools", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "### generate_code")
}

func TestUsageRequiresLedger(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "c.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("model: m\n"), 0o600))
	_, err := execute("usage", "--config", cfgPath)
	assert.ErrorContains(t, err, "ledger_path")
}

func TestVersion(t *testing.T) {
	out, err := execute("version")
	require.NoError(t, err)
	assert.Contains(t, out, "shellpilot ")
}

func TestExitCodeFor(t *testing.T) {
	assert.Equal(t, 0, exitCodeFor(agentloop.OutcomeCompleted))
	assert.Equal(t, 1, exitCodeFor(agentloop.OutcomeFailed))
	assert.Equal(t, 2, exitCodeFor(agentloop.OutcomeAbortedDueCost))
}

func TestBuildClientProviderName(t *testing.T) {
	tests := []struct {
		provider, baseURL, want string
	}{
		{"", "", "openai"},
		{"OpenAI", "", "openai"},
		{"Ollama", "http://127.0.0.1:11434/v1", "ollama"},
	}
	for _, tt := range tests {
		cfg := config.Default()
		cfg.Provider = tt.provider
		cfg.BaseURL = tt.baseURL
		client, name, err := buildClient(cfg, nil)
		require.NoError(t, err)
		assert.Equal(t, tt.want, name)
		assert.NoError(t, client.Close())
	}
}

func TestRendererPlainOutput(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf)
	r.Event(agentloop.Event{Kind: agentloop.EventWarning, Payload: "careful"})
	r.Event(agentloop.Event{Kind: agentloop.EventActionFailed, Payload: "Read error: boom"})
	r.Event(agentloop.Event{Kind: agentloop.EventModelReply, Payload: map[string]any{"tool_to_use": nil}})

	out := buf.String()
	assert.Contains(t, out, "==> WARNING: careful")
	assert.Contains(t, out, "=== Tool Output - ERROR ===\nRead error: boom")
	assert.Contains(t, out, "\"tool_to_use\": null")
	assert.NotContains(t, out, "\x1b[", "no escape codes when writing to a buffer")
}

func TestTruncateTask(t *testing.T) {
	assert.Equal(t, "short task", truncateTask("short\n  task", 60))
	assert.Equal(t, "abcdefg...", truncateTask("abcdefghijklmnop", 10))
}
