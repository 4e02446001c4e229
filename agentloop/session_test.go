package agentloop

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/martinemde/shellpilot/unifiedllm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedModel replies with canned texts in order and records requests.
type scriptedModel struct {
	replies []string
	errs    []error
	usage   unifiedllm.Usage

	mu   sync.Mutex
	reqs []unifiedllm.Request
}

func (m *scriptedModel) Complete(_ context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := len(m.reqs)
	m.reqs = append(m.reqs, req)
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if i >= len(m.replies) {
		return nil, errors.New("script exhausted")
	}
	return &unifiedllm.Response{
		Model:   req.Model,
		Message: unifiedllm.AssistantMessage(m.replies[i]),
		Usage:   m.usage,
	}, nil
}

func (m *scriptedModel) requests() []unifiedllm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]unifiedllm.Request(nil), m.reqs...)
}

type memorySink struct {
	err  error
	mu   sync.Mutex
	recs []TranscriptRecord
}

func (s *memorySink) Persist(_ context.Context, rec TranscriptRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.recs = append(s.recs, rec)
	return "mem://" + rec.SessionID, nil
}

func (s *memorySink) records() []TranscriptRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TranscriptRecord(nil), s.recs...)
}

func collectEvents(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(20 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("event stream did not close; got %d events", len(events))
			return nil
		}
	}
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func testRegistry(t *testing.T, caps ...Capability) *Registry {
	t.Helper()
	reg := NewRegistry(DefaultFormatters())
	reg.MustRegister(caps...)
	return reg
}

func newTestAgent(t *testing.T, model Completer, reg *Registry, sink TranscriptSink, mutate ...func(*AgentConfig)) *Agent {
	t.Helper()
	cfg := DefaultAgentConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	agent, err := NewAgent(cfg, model, reg, WithTranscriptSink(sink))
	require.NoError(t, err)
	return agent
}

func action(name string, params string) string {
	if params == "" {
		return `{"tool_to_use":{"name":"` + name + `"}}`
	}
	return `{"tool_to_use":{"name":"` + name + `","parameters":` + params + `}}`
}

func TestSessionShellActionThenComplete(t *testing.T) {
	workDir := t.TempDir()
	reg, err := NewDefaultRegistry(Deps{Shell: &ShellRunner{Dir: workDir, TempDir: t.TempDir()}})
	require.NoError(t, err)

	model := &scriptedModel{replies: []string{
		action(ActionShell, `{"command":"printf hello"}`),
		action(CompletionAction, `{"summary":"done"}`),
	}}
	sink := &memorySink{}
	session := newTestAgent(t, model, reg, sink).NewSession("list files in /tmp")

	events := collectEvents(t, session.Run(context.Background()))

	assert.Equal(t, []EventKind{
		EventInfo, EventModelReply, EventActionSucceeded, EventModelReply, EventCompleted,
	}, kinds(events))

	succeeded := events[2]
	assert.Equal(t, ActionShell, succeeded.Action)
	res, ok := succeeded.Payload.(ShellResult)
	require.True(t, ok, "observers get the unformatted payload, got %T", succeeded.Payload)
	assert.Equal(t, "hello", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)

	completed := events[4]
	assert.Equal(t, "done", completed.Payload)
	assert.Equal(t, OutcomeCompleted, completed.Outcome)
	assert.True(t, completed.Terminal())

	msgs := session.Messages()
	require.Len(t, msgs, 5)
	assert.Equal(t, "user", msgs[3].Role)
	assert.Equal(t, "Output of the command:\n```\nhello\n```\nExit status: 0", msgs[3].Content)
	assert.Equal(t, "assistant", msgs[4].Role)

	assert.Equal(t, OutcomeCompleted, session.Outcome())
	assert.Equal(t, "done", session.Summary())
	assert.Equal(t, StateTerminal, session.State())
	recs := sink.records()
	require.Len(t, recs, 1)
	assert.Equal(t, OutcomeCompleted, recs[0].Outcome)
	assert.Equal(t, "list files in /tmp", recs[0].Task)
	assert.Equal(t, "done", recs[0].Summary)
	assert.Equal(t, "mem://"+session.ID(), session.TranscriptPath())

	// The model saw the observation before its second reply.
	reqs := model.requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[1].Messages, 4)
}

func TestSessionMalformedReplyIsNotRecorded(t *testing.T) {
	model := &scriptedModel{replies: []string{
		"not json",
		action(CompletionAction, `{"summary":"ok"}`),
	}}
	sink := &memorySink{}
	session := newTestAgent(t, model, testRegistry(t), sink).NewSession("task")

	events := collectEvents(t, session.Run(context.Background()))

	assert.Equal(t, []EventKind{
		EventInfo, EventModelReply, EventWarning, EventModelReply, EventCompleted,
	}, kinds(events))
	assert.Equal(t, "not json", events[1].Payload)
	assert.Equal(t, "Invalid JSON data provided. Trying again.", events[2].Payload)

	reqs := model.requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[0].Messages, 2)
	assert.Len(t, reqs[1].Messages, 2, "malformed reply must not enter the transcript")
	for _, m := range session.Messages() {
		assert.NotEqual(t, "not json", m.Content)
	}
}

func TestSessionFencedReply(t *testing.T) {
	model := &scriptedModel{replies: []string{
		"```json\n" + action(CompletionAction, `{"summary":"fenced"}`) + "\n```",
	}}
	session := newTestAgent(t, model, testRegistry(t), &memorySink{}).NewSession("task")

	events := collectEvents(t, session.Run(context.Background()))

	last := events[len(events)-1]
	assert.Equal(t, EventCompleted, last.Kind)
	assert.Equal(t, "fenced", last.Payload)
}

func TestSessionCompleteWithoutSummary(t *testing.T) {
	model := &scriptedModel{replies: []string{action(CompletionAction, "")}}
	session := newTestAgent(t, model, testRegistry(t), &memorySink{}).NewSession("task")

	events := collectEvents(t, session.Run(context.Background()))

	last := events[len(events)-1]
	assert.Equal(t, EventCompleted, last.Kind)
	assert.Equal(t, "", last.Payload)
}

func TestSessionCostCeilingAborts(t *testing.T) {
	calls := 0
	reg := testRegistry(t, Capability{Name: "step", Handler: func(context.Context, map[string]any) ActionResult {
		calls++
		return Success("stepped")
	}})
	model := &scriptedModel{
		replies: []string{action("step", "{}"), action("step", "{}")},
		usage:   unifiedllm.Usage{InputTokens: 1000, OutputTokens: 0},
	}
	sink := &memorySink{}
	session := newTestAgent(t, model, reg, sink, func(c *AgentConfig) {
		c.CostCeiling = 0.5
		c.Pricing = &Pricing{InputPerMillion: 1000, OutputPerMillion: 1000}
	}).NewSession("task")

	events := collectEvents(t, session.Run(context.Background()))

	assert.Equal(t, []EventKind{EventInfo, EventModelReply, EventActionSucceeded, EventAborted}, kinds(events))
	assert.Equal(t, "Total cost is exceeding the limit ($0.5). Exiting.", events[3].Payload)
	assert.Equal(t, OutcomeAbortedDueCost, events[3].Outcome)
	assert.Equal(t, 1, calls)
	assert.Len(t, model.requests(), 1, "no model query after the budget is exceeded")
	require.Len(t, sink.records(), 1)
	assert.Equal(t, OutcomeAbortedDueCost, sink.records()[0].Outcome)
	assert.InDelta(t, 1.0, session.Usage().TotalCost, 1e-9)
}

func TestSessionMalformedReplyCanExceedBudget(t *testing.T) {
	model := &scriptedModel{
		replies: []string{"not json", action(CompletionAction, "")},
		usage:   unifiedllm.Usage{InputTokens: 1000, OutputTokens: 0},
	}
	sink := &memorySink{}
	session := newTestAgent(t, model, testRegistry(t), sink, func(c *AgentConfig) {
		c.CostCeiling = 0.5
		c.Pricing = &Pricing{InputPerMillion: 1000, OutputPerMillion: 1000}
	}).NewSession("task")

	events := collectEvents(t, session.Run(context.Background()))

	assert.Equal(t, []EventKind{EventInfo, EventModelReply, EventWarning, EventAborted}, kinds(events))
	assert.Equal(t, OutcomeAbortedDueCost, events[3].Outcome)
	assert.Equal(t, OutcomeAbortedDueCost, session.Outcome())
	assert.Len(t, model.requests(), 1)
	require.Len(t, sink.records(), 1)
	assert.Equal(t, OutcomeAbortedDueCost, sink.records()[0].Outcome)
	for _, m := range sink.records()[0].Messages {
		assert.NotEqual(t, "not json", m.Content)
	}
}

func TestSessionInvalidParametersCanExceedBudget(t *testing.T) {
	reg := testRegistry(t, Capability{Name: "step", Handler: okHandler("x")})
	model := &scriptedModel{
		replies: []string{action("step", `"not an object"`), action(CompletionAction, "")},
		usage:   unifiedllm.Usage{InputTokens: 1000, OutputTokens: 0},
	}
	session := newTestAgent(t, model, reg, &memorySink{}, func(c *AgentConfig) {
		c.CostCeiling = 0.5
		c.Pricing = &Pricing{InputPerMillion: 1000, OutputPerMillion: 1000}
	}).NewSession("task")

	events := collectEvents(t, session.Run(context.Background()))

	assert.Equal(t, []EventKind{EventInfo, EventModelReply, EventActionFailed, EventAborted}, kinds(events))
	assert.Equal(t, OutcomeAbortedDueCost, session.Outcome())
	assert.Len(t, model.requests(), 1)
}

func TestSessionUnknownActionAborts(t *testing.T) {
	model := &scriptedModel{replies: []string{action("bogus", "{}")}}
	sink := &memorySink{}
	session := newTestAgent(t, model, testRegistry(t), sink).NewSession("task")

	events := collectEvents(t, session.Run(context.Background()))

	last := events[len(events)-1]
	assert.Equal(t, EventAborted, last.Kind)
	assert.Equal(t, "Unsupported tool selected: bogus. Exiting.", last.Payload)
	assert.Equal(t, OutcomeFailed, session.Outcome())
	recs := sink.records()
	require.Len(t, recs, 1)
	assert.Equal(t, OutcomeFailed, recs[0].Outcome)
	assert.Len(t, recs[0].Messages, 3, "dispatched reply is recorded")
}

func TestSessionNoActionSelectedAborts(t *testing.T) {
	for _, reply := range []string{`{"tool_to_use":null}`, `{"thoughts":"hmm"}`} {
		t.Run(reply, func(t *testing.T) {
			model := &scriptedModel{replies: []string{reply}}
			sink := &memorySink{}
			session := newTestAgent(t, model, testRegistry(t), sink).NewSession("task")

			events := collectEvents(t, session.Run(context.Background()))

			assert.Equal(t, []EventKind{EventInfo, EventModelReply, EventAborted}, kinds(events))
			assert.Equal(t, "No tool selection provided. Exiting.", events[2].Payload)
			assert.Len(t, model.requests(), 1, "not retried")
			recs := sink.records()
			require.Len(t, recs, 1)
			assert.Equal(t, OutcomeFailed, recs[0].Outcome)
			assert.Len(t, recs[0].Messages, 2)
		})
	}
}

func TestSessionActionFailureContinues(t *testing.T) {
	reg := testRegistry(t,
		Capability{Name: "flaky", Handler: func(context.Context, map[string]any) ActionResult {
			return Failure("Read error: boom")
		}},
		Capability{Name: "explode", Handler: func(context.Context, map[string]any) ActionResult {
			panic("kaboom")
		}},
	)
	model := &scriptedModel{replies: []string{
		action("flaky", "{}"),
		action("explode", "{}"),
		action("flaky", `"not an object"`),
		action(CompletionAction, `{"summary":"recovered"}`),
	}}
	session := newTestAgent(t, model, reg, &memorySink{}).NewSession("task")

	events := collectEvents(t, session.Run(context.Background()))

	assert.Equal(t, []EventKind{
		EventInfo,
		EventModelReply, EventActionFailed,
		EventModelReply, EventActionFailed,
		EventModelReply, EventActionFailed,
		EventModelReply, EventCompleted,
	}, kinds(events))
	assert.Equal(t, "Read error: boom", events[2].Payload)
	assert.Contains(t, events[4].Text(), "explode failed unexpectedly: kaboom")
	assert.Contains(t, events[6].Text(), "must be a JSON object")

	msgs := session.Messages()
	require.Len(t, msgs, 9)
	assert.Equal(t, Message{Role: "user", Content: "Read error: boom"}, Message{Role: msgs[3].Role, Content: msgs[3].Content})
	assert.Equal(t, OutcomeCompleted, session.Outcome())
}

func TestSessionModelErrorAborts(t *testing.T) {
	model := &scriptedModel{errs: []error{&unifiedllm.AuthenticationError{}}}
	sink := &memorySink{}
	session := newTestAgent(t, model, testRegistry(t), sink).NewSession("task")

	events := collectEvents(t, session.Run(context.Background()))

	last := events[len(events)-1]
	assert.Equal(t, EventAborted, last.Kind)
	assert.True(t, strings.HasPrefix(last.Text(), "Model query failed:"), last.Text())
	require.Len(t, sink.records(), 1)
	assert.Equal(t, OutcomeFailed, sink.records()[0].Outcome)
}

func TestSessionCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	model := &scriptedModel{replies: []string{action(CompletionAction, "")}}
	sink := &memorySink{}
	session := newTestAgent(t, model, testRegistry(t), sink).NewSession("task")

	events := collectEvents(t, session.Run(ctx))

	last := events[len(events)-1]
	assert.Equal(t, EventAborted, last.Kind)
	assert.Contains(t, last.Text(), "cancelled")
	assert.Empty(t, model.requests())
	require.Len(t, sink.records(), 1, "cancellation still persists")
}

func TestSessionCancelledStillDeliversTerminalEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	model := &scriptedModel{replies: []string{action(CompletionAction, "")}}
	sink := &memorySink{}
	session := newTestAgent(t, model, testRegistry(t), sink, func(c *AgentConfig) {
		c.EventBuffer = 1
	}).NewSession("task")

	ch := session.Run(ctx)
	// The consumer starts late: Info fills the buffer before it reads.
	time.Sleep(200 * time.Millisecond)
	events := collectEvents(t, ch)

	assert.Equal(t, []EventKind{EventInfo, EventAborted}, kinds(events))
	assert.Equal(t, OutcomeFailed, events[1].Outcome)
	assert.Equal(t, OutcomeFailed, session.Outcome())
	assert.Len(t, sink.records(), 1)
}

func TestSessionPersistFailureIsWarning(t *testing.T) {
	model := &scriptedModel{replies: []string{action(CompletionAction, `{"summary":"s"}`)}}
	sink := &memorySink{err: errors.New("disk full")}
	session := newTestAgent(t, model, testRegistry(t), sink).NewSession("task")

	events := collectEvents(t, session.Run(context.Background()))

	assert.Equal(t, []EventKind{EventInfo, EventModelReply, EventWarning, EventCompleted}, kinds(events))
	assert.Contains(t, events[2].Text(), "disk full")
	assert.Empty(t, session.TranscriptPath())
}

func TestSessionMaxMalformedReplies(t *testing.T) {
	model := &scriptedModel{replies: []string{"nope", "still nope", "never"}}
	session := newTestAgent(t, model, testRegistry(t), &memorySink{}, func(c *AgentConfig) {
		c.MaxMalformedReplies = 2
	}).NewSession("task")

	events := collectEvents(t, session.Run(context.Background()))

	last := events[len(events)-1]
	assert.Equal(t, EventAborted, last.Kind)
	assert.Len(t, model.requests(), 2)
}

func TestSessionRepeatWarning(t *testing.T) {
	reg := testRegistry(t, Capability{Name: "same", Handler: okHandler("x")})
	model := &scriptedModel{replies: []string{
		action("same", `{"a":1}`),
		action("same", `{"a":1}`),
		action(CompletionAction, ""),
	}}
	session := newTestAgent(t, model, reg, &memorySink{}, func(c *AgentConfig) {
		c.LoopDetectionWindow = 2
	}).NewSession("task")

	events := collectEvents(t, session.Run(context.Background()))

	assert.Equal(t, []EventKind{
		EventInfo,
		EventModelReply, EventActionSucceeded,
		EventModelReply, EventActionSucceeded, EventWarning,
		EventModelReply, EventCompleted,
	}, kinds(events))
	assert.Equal(t, "The last 2 actions form a repeating cycle (ending with same). Try a different approach.",
		events[5].Payload)
	assert.Len(t, session.Messages(), 7, "repeat warnings do not touch the transcript")
}

func TestSessionRepeatWarningForAlternatingActions(t *testing.T) {
	reg := testRegistry(t,
		Capability{Name: "ping", Handler: okHandler("x")},
		Capability{Name: "pong", Handler: okHandler("y")},
	)
	model := &scriptedModel{replies: []string{
		action("ping", "{}"),
		action("pong", "{}"),
		action("ping", "{}"),
		action("pong", "{}"),
		action(CompletionAction, ""),
	}}
	session := newTestAgent(t, model, reg, &memorySink{}, func(c *AgentConfig) {
		c.LoopDetectionWindow = 4
	}).NewSession("task")

	events := collectEvents(t, session.Run(context.Background()))

	var warnings []Event
	for _, ev := range events {
		if ev.Kind == EventWarning {
			warnings = append(warnings, ev)
		}
	}
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Text(), "repeating cycle")
	assert.NotContains(t, warnings[0].Text(), "same parameters")
	assert.Equal(t, "pong", warnings[0].Action)
}

func TestSessionRunsOnce(t *testing.T) {
	model := &scriptedModel{replies: []string{action(CompletionAction, "")}}
	session := newTestAgent(t, model, testRegistry(t), &memorySink{}).NewSession("task")

	first := collectEvents(t, session.Run(context.Background()))
	second := collectEvents(t, session.Run(context.Background()))

	assert.NotEmpty(t, first)
	assert.Empty(t, second)
	assert.Len(t, model.requests(), 1)
}

func TestSessionsAreIndependent(t *testing.T) {
	model := &scriptedModel{replies: []string{
		action(CompletionAction, `{"summary":"a"}`),
		action(CompletionAction, `{"summary":"b"}`),
	}}
	agent := newTestAgent(t, model, testRegistry(t), &memorySink{})

	s1 := agent.NewSession("one")
	s2 := agent.NewSession("two")
	collectEvents(t, s1.Run(context.Background()))
	collectEvents(t, s2.Run(context.Background()))

	assert.NotEqual(t, s1.ID(), s2.ID())
	assert.Equal(t, "one", s1.Messages()[1].Content)
	assert.Equal(t, "two", s2.Messages()[1].Content)
}

func TestNewAgentValidation(t *testing.T) {
	reg := testRegistry(t)
	model := &scriptedModel{}

	_, err := NewAgent(DefaultAgentConfig(), nil, reg)
	assert.Error(t, err)
	_, err = NewAgent(DefaultAgentConfig(), model, nil)
	assert.Error(t, err)
	_, err = NewAgent(AgentConfig{}, model, reg)
	assert.Error(t, err)

	reserved := testRegistry(t, Capability{Name: CompletionAction, Handler: okHandler(nil)})
	_, err = NewAgent(DefaultAgentConfig(), model, reserved)
	assert.ErrorIs(t, err, ErrDuplicateCapability)
}

func TestAgentSystemPromptListsCapabilities(t *testing.T) {
	reg := testRegistry(t, Capability{Name: "inspect", Description: "Inspect things.", Handler: okHandler(nil)})
	agent := newTestAgent(t, &scriptedModel{}, reg, nil)

	prompt := agent.SystemPrompt()
	assert.Contains(t, prompt, "### inspect\nInspect things.")
	assert.Contains(t, prompt, "task_complete")
	assert.NotContains(t, prompt, ToolListPlaceholder)
	assert.Contains(t, prompt, "<environment>")
}
