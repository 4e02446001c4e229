package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/martinemde/shellpilot/unifiedllm"
)

// SessionState is the position of a session in the orchestration state
// machine.
type SessionState string

const (
	StateInit          SessionState = "init"
	StateAwaitingModel SessionState = "awaiting_model"
	StateDispatching   SessionState = "dispatching"
	StateExecuting     SessionState = "executing"
	StateCompleting    SessionState = "completing"
	StateAborting      SessionState = "aborting"
	StateTerminal      SessionState = "terminal"
)

// Messages shown to the model or the user on protocol events.
const (
	msgMalformedReply  = "Invalid JSON data provided. Trying again."
	msgNoAction        = "No tool selection provided. Exiting."
	msgUnsupportedTool = "Unsupported tool selected: %s. Exiting."
	msgCostExceeded    = "Total cost is exceeding the limit ($%v). Exiting."
)

// persistTimeout bounds a transcript write after the run context ended.
const persistTimeout = 30 * time.Second

// terminalEmitTimeout bounds how long the final events wait for a slow
// consumer once the run context is gone.
const terminalEmitTimeout = 30 * time.Second

// Completer is the model query contract. *unifiedllm.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error)
}

// AgentConfig holds everything a session needs besides its collaborators.
type AgentConfig struct {
	Model    string `json:"model"`
	Provider string `json:"provider,omitempty"`
	// SystemPrompt is a template; [[TOOL_LIST]] is replaced by the
	// capability descriptions. Empty means DefaultSystemPrompt.
	SystemPrompt string `json:"system_prompt,omitempty"`
	// CostCeiling in USD; zero or less disables the budget check.
	CostCeiling float64 `json:"cost_ceiling"`
	// Pricing overrides the catalog rates of Model when non-nil.
	Pricing     *Pricing `json:"pricing,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	// LoopDetectionWindow is how many recent actions are checked for a
	// repeat warning; below 2 disables it.
	LoopDetectionWindow int            `json:"loop_detection_window"`
	ToolOutputLimits    map[string]int `json:"tool_output_limits,omitempty"`
	EventBuffer         int            `json:"event_buffer,omitempty"`
	// MaxMalformedReplies aborts after that many consecutive unparseable
	// replies; zero means unlimited.
	MaxMalformedReplies int    `json:"max_malformed_replies,omitempty"`
	WorkDir             string `json:"work_dir,omitempty"`
	Shell               string `json:"shell,omitempty"`
}

// DefaultAgentConfig returns the configuration used when nothing is set.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Model:               "gpt-4o-mini",
		CostCeiling:         0.5,
		LoopDetectionWindow: 4,
		EventBuffer:         64,
		Shell:               "bash",
	}
}

// Agent creates independent sessions that share configuration, the model
// client and the capability registry.
type Agent struct {
	cfg          AgentConfig
	profile      ModelProfile
	client       Completer
	registry     *Registry
	sink         TranscriptSink
	logger       *slog.Logger
	systemPrompt string
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithTranscriptSink persists every finished session to sink.
func WithTranscriptSink(sink TranscriptSink) AgentOption {
	return func(a *Agent) { a.sink = sink }
}

// WithLogger sets the agent's logger.
func WithLogger(logger *slog.Logger) AgentOption {
	return func(a *Agent) { a.logger = logger }
}

// NewAgent validates cfg and builds the system prompt once.
func NewAgent(cfg AgentConfig, client Completer, registry *Registry, opts ...AgentOption) (*Agent, error) {
	if client == nil {
		return nil, errors.New("agent: nil model client")
	}
	if registry == nil {
		return nil, errors.New("agent: nil capability registry")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("agent: model is required")
	}
	if _, _, ok := registry.Lookup(CompletionAction); ok {
		return nil, fmt.Errorf("agent: %w: %s is reserved", ErrDuplicateCapability, CompletionAction)
	}

	a := &Agent{
		cfg:      cfg,
		profile:  ResolveProfile(cfg.Model, cfg.Provider, cfg.Pricing),
		client:   client,
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	env := DetectEnvironment(cfg.WorkDir, cfg.Shell, a.profile.Model)
	a.systemPrompt = BuildSystemPrompt(cfg.SystemPrompt, registry, env)
	return a, nil
}

// Profile returns the resolved model profile.
func (a *Agent) Profile() ModelProfile { return a.profile }

// Registry returns the capability registry.
func (a *Agent) Registry() *Registry { return a.registry }

// SystemPrompt returns the rendered system prompt.
func (a *Agent) SystemPrompt() string { return a.systemPrompt }

// NewSession prepares a session for task. Nothing runs until Run.
func (a *Agent) NewSession(task string) *Session {
	id := uuid.NewString()
	return &Session{
		id:       id,
		agent:    a,
		task:     task,
		conv:     NewConversation(a.systemPrompt, task),
		budget:   NewBudget(a.profile.Pricing),
		emitter:  NewEventEmitter(id, a.cfg.EventBuffer),
		detector: newRepeatDetector(a.cfg.LoopDetectionWindow),
		logger:   a.logger.With("session", id),
		state:    StateInit,
	}
}

// Session is one conversation driven to a terminal outcome. Its state is
// owned by the goroutine started by Run.
type Session struct {
	id       string
	agent    *Agent
	task     string
	conv     *Conversation
	budget   *Budget
	emitter  *EventEmitter
	detector *repeatDetector
	logger   *slog.Logger

	started       atomic.Bool
	contextWarned bool

	mu             sync.Mutex
	state          SessionState
	outcome        Outcome
	summary        string
	transcriptPath string
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Task returns the task text.
func (s *Session) Task() string { return s.task }

// State returns the current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Outcome returns the terminal outcome, or "" while running.
func (s *Session) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// Summary returns the completion summary.
func (s *Session) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

// TranscriptPath returns the reference returned by the transcript sink.
func (s *Session) TranscriptPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcriptPath
}

// Usage returns the current usage snapshot.
func (s *Session) Usage() UsageStats { return s.budget.Snapshot() }

// Messages returns a copy of the conversation.
func (s *Session) Messages() []Message { return s.conv.Messages() }

// Run starts the loop and returns its event stream. The channel closes
// after the Completed or Aborted event. A session runs at most once; later
// calls return a closed channel.
func (s *Session) Run(ctx context.Context) <-chan Event {
	if !s.started.CompareAndSwap(false, true) {
		ch := make(chan Event)
		close(ch)
		return ch
	}
	go s.loop(ctx)
	return s.emitter.Events()
}

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) emit(ctx context.Context, ev Event) bool {
	if err := s.emitter.Emit(ctx, ev); err != nil {
		s.logger.Debug("event not delivered", "kind", ev.Kind, "error", err)
		return false
	}
	return true
}

func (s *Session) loop(ctx context.Context) {
	defer s.emitter.Close()

	a := s.agent
	s.emit(ctx, Event{
		Kind: EventInfo,
		Payload: fmt.Sprintf("Starting task with model %s. Available actions: %s",
			a.profile.Model, strings.Join(append(a.registry.Names(), CompletionAction), ", ")),
	})

	malformed := 0
	for {
		if err := ctx.Err(); err != nil {
			s.finish(ctx, OutcomeFailed, EventAborted, fmt.Sprintf("Task cancelled: %v", err))
			return
		}

		s.setState(StateAwaitingModel)
		raw, err := s.query(ctx)
		if err != nil {
			msg := fmt.Sprintf("Model query failed: %v", err)
			if ctx.Err() != nil {
				msg = fmt.Sprintf("Task cancelled: %v", ctx.Err())
			}
			s.finish(ctx, OutcomeFailed, EventAborted, msg)
			return
		}

		obj, err := ParseReply(raw)
		if err != nil {
			s.logger.Debug("malformed reply", "error", err)
			s.emit(ctx, Event{Kind: EventModelReply, Payload: raw})
			s.emit(ctx, Event{Kind: EventWarning, Payload: msgMalformedReply})
			malformed++
			if limit := a.cfg.MaxMalformedReplies; limit > 0 && malformed >= limit {
				s.finish(ctx, OutcomeFailed, EventAborted,
					fmt.Sprintf("Received %d malformed replies in a row. Exiting.", malformed))
				return
			}
			if s.checkBudget(ctx) {
				return
			}
			continue
		}
		malformed = 0
		s.emit(ctx, Event{Kind: EventModelReply, Payload: obj})

		s.setState(StateDispatching)
		req, err := ExtractAction(obj)
		if errors.Is(err, ErrNoActionSelected) {
			s.finish(ctx, OutcomeFailed, EventAborted, msgNoAction)
			return
		}
		s.conv.AppendAssistant(strings.TrimSpace(raw))

		if err != nil {
			// Arguments were not an object: the model gets to correct it.
			msg := fmt.Sprintf("Invalid parameters for %s: parameters must be a JSON object.", req.Name)
			s.emit(ctx, Event{Kind: EventActionFailed, Action: req.Name, Payload: msg})
			s.conv.AppendUser(msg)
			if s.checkBudget(ctx) {
				return
			}
			continue
		}

		if req.Name == CompletionAction {
			s.setState(StateCompleting)
			s.finish(ctx, OutcomeCompleted, EventCompleted, summaryArg(req.Arguments))
			return
		}

		handler, formatter, ok := a.registry.Lookup(req.Name)
		if !ok {
			s.finish(ctx, OutcomeFailed, EventAborted, fmt.Sprintf(msgUnsupportedTool, req.Name))
			return
		}

		s.setState(StateExecuting)
		s.execute(ctx, req, handler, formatter)

		if s.detector.Observe(req) {
			s.emit(ctx, Event{
				Kind:   EventWarning,
				Action: req.Name,
				Payload: fmt.Sprintf("The last %d actions form a repeating cycle (ending with %s). Try a different approach.",
					a.cfg.LoopDetectionWindow, req.Name),
			})
		}
		s.checkContextUsage(ctx)

		if s.checkBudget(ctx) {
			return
		}
	}
}

// query sends the whole conversation and records the reply's usage.
func (s *Session) query(ctx context.Context) (string, error) {
	a := s.agent
	req := unifiedllm.Request{
		Model:       a.profile.Model,
		Provider:    a.profile.Provider,
		Messages:    s.conv.ToLLMMessages(),
		Temperature: a.cfg.Temperature,
	}
	if a.cfg.MaxTokens > 0 {
		maxTokens := a.cfg.MaxTokens
		req.MaxTokens = &maxTokens
	}

	s.logger.Debug("querying model", "model", req.Model, "messages", len(req.Messages))
	resp, err := a.client.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	s.budget.Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)
	if resp.Usage.Estimated {
		s.budget.MarkEstimated()
	}
	return strings.TrimSpace(resp.Text()), nil
}

// execute runs one capability and appends its observation.
func (s *Session) execute(ctx context.Context, req ActionRequest, handler Handler, formatter Formatter) {
	s.logger.Debug("dispatching action", "action", req.Name)
	start := time.Now()
	res := invokeHandler(ctx, handler, req)

	if res.Failed() {
		s.logger.Debug("action failed", "action", req.Name, "elapsed", time.Since(start), "message", res.Message())
		s.emit(ctx, Event{Kind: EventActionFailed, Action: req.Name, Payload: res.Message()})
		s.conv.AppendUser(res.Message())
		return
	}

	if formatter == nil {
		formatter = DefaultFormatter
	}
	text, err := formatter(res.Payload())
	if err != nil {
		msg := fmt.Sprintf("Could not format the result of %s: %v", req.Name, err)
		s.emit(ctx, Event{Kind: EventActionFailed, Action: req.Name, Payload: msg})
		s.conv.AppendUser(msg)
		return
	}
	s.logger.Debug("action succeeded", "action", req.Name, "elapsed", time.Since(start))
	s.conv.AppendUser(TruncateObservation(text, req.Name, s.agent.cfg.ToolOutputLimits))
	s.emit(ctx, Event{Kind: EventActionSucceeded, Action: req.Name, Payload: res.Payload()})
}

func invokeHandler(ctx context.Context, handler Handler, req ActionRequest) (res ActionResult) {
	defer func() {
		if r := recover(); r != nil {
			res = Failuref("%s failed unexpectedly: %v", req.Name, r)
		}
	}()
	return handler(ctx, req.Arguments)
}

// checkBudget aborts the session when the cost ceiling is crossed.
func (s *Session) checkBudget(ctx context.Context) bool {
	ceiling := s.agent.cfg.CostCeiling
	if !s.budget.Exceeded(ceiling) {
		return false
	}
	s.setState(StateAborting)
	s.finish(ctx, OutcomeAbortedDueCost, EventAborted, fmt.Sprintf(msgCostExceeded, ceiling))
	return true
}

// checkContextUsage warns once when the conversation nears the context
// window of the model.
func (s *Session) checkContextUsage(ctx context.Context) {
	if s.contextWarned {
		return
	}
	pct := s.agent.profile.contextUsagePercent(s.conv.Messages())
	if pct < 80 {
		return
	}
	s.contextWarned = true
	s.emit(ctx, Event{
		Kind:    EventWarning,
		Payload: fmt.Sprintf("Context usage at ~%d%% of context window", pct),
	})
}

// finish persists the transcript and emits the single terminal event.
func (s *Session) finish(ctx context.Context, outcome Outcome, kind EventKind, payload string) {
	if kind == EventAborted {
		s.setState(StateAborting)
	}
	usage := s.budget.Snapshot()
	rec := TranscriptRecord{
		SessionID: s.id,
		Timestamp: time.Now(),
		Task:      s.task,
		Outcome:   outcome,
		Model:     s.agent.profile.Model,
		Messages:  s.conv.Messages(),
		Usage:     usage,
	}
	if outcome == OutcomeCompleted {
		rec.Summary = payload
	}

	// The terminal event must reach the consumer even after cancellation.
	ectx, cancelEmit := context.WithTimeout(context.WithoutCancel(ctx), terminalEmitTimeout)
	defer cancelEmit()

	var path string
	if sink := s.agent.sink; sink != nil {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		p, err := sink.Persist(pctx, rec)
		cancel()
		path = p
		if err != nil {
			s.logger.Warn("failed to persist transcript", "error", err)
			s.emit(ectx, Event{Kind: EventWarning, Payload: fmt.Sprintf("Failed to persist transcript: %v", err)})
		}
	}

	s.mu.Lock()
	s.state = StateTerminal
	s.outcome = outcome
	s.transcriptPath = path
	if outcome == OutcomeCompleted {
		s.summary = payload
	}
	s.mu.Unlock()

	s.logger.Info("session finished",
		"outcome", outcome,
		"prompt_tokens", usage.PromptTokens,
		"completion_tokens", usage.CompletionTokens,
		"cost_usd", usage.TotalCost,
		"transcript", path,
	)
	s.emit(ectx, Event{Kind: kind, Payload: payload, Outcome: outcome})
}

func summaryArg(args map[string]any) string {
	switch v := args["summary"].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
