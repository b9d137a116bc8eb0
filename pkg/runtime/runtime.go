// Package runtime executes agent runs. Execute is non-blocking: it persists
// a queued run, publishes run.queued and schedules the actual work on its own
// goroutine. The runtime owns the run state machine (queued → running →
// completed|failed|aborted) and the loop-boundary message injection hook.
//
// The Agent, AgentFactory and related interfaces are consumed, not provided:
// the integrating application implements them around its LLM stack.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivekit/hive/pkg/bus"
	"github.com/hivekit/hive/pkg/config"
	"github.com/hivekit/hive/pkg/models"
	"github.com/hivekit/hive/pkg/store"
)

// Sentinel errors for synchronous failures. Run failures never surface as
// errors from Execute; they are recorded on the run and published.
var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrRunNotFound   = errors.New("run not found")
)

// AppendUserMessage lets the loop-boundary hook add content to the agent's
// next request.
type AppendUserMessage func(content string)

// LoopBoundaryHook is called by the agent once per loop boundary, before it
// composes its next request. Implementations must not panic into the loop.
type LoopBoundaryHook func(appendUserMessage AppendUserMessage)

// StreamFunc receives each agent message as it is produced.
type StreamFunc func(message map[string]any)

// AgentOptions is everything the factory needs to construct one agent
// instance for one run.
type AgentOptions struct {
	Profile           *models.AgentProfile
	Model             string
	PreviousSessionID string
	OnStream          StreamFunc
	OnLoopBoundary    LoopBoundaryHook
}

// AgentFactory constructs an agent for a run. Called once per run, on the
// run's goroutine.
type AgentFactory func(opts AgentOptions) (Agent, error)

// ResultStatus is the agent's own verdict on a run.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultAborted   ResultStatus = "aborted"
	ResultFailed    ResultStatus = "failed"
)

// Result is what an agent returns from a completed loop. FinalMessage is
// either a plain string or a multimodal part array; SerializeFinalMessage
// flattens it to text.
type Result struct {
	Status       ResultStatus
	FinalMessage any
	Failure      string
	SessionID    string
	LoopCount    int
	RetryCount   int
}

// Agent is one live agent instance bound to a run.
type Agent interface {
	ExecuteWithResult(ctx context.Context, input string) (*Result, error)
	Abort()
	Close() error
	SessionID() string
}

// Command describes one run to execute. Depth and policy checks are the
// kernel's responsibility; the runtime takes them as given.
type Command struct {
	AgentID     string
	Input       string
	Model       string
	ParentRunID string
	Depth       int
	SessionID   string
	Metadata    map[string]any
}

// RunHandle is the immediate response to Execute.
type RunHandle struct {
	RunID   string           `json:"run_id"`
	AgentID string           `json:"agent_id"`
	Status  models.RunStatus `json:"status"`
}

// Runtime schedules and supervises agent runs.
type Runtime struct {
	cfg     *config.Config
	state   *store.Store
	bus     *bus.Bus
	factory AgentFactory

	mu     sync.Mutex
	active map[string]Agent // run id → live agent, for abort
}

// New creates a runtime.
func New(cfg *config.Config, state *store.Store, b *bus.Bus, factory AgentFactory) *Runtime {
	return &Runtime{
		cfg:     cfg,
		state:   state,
		bus:     b,
		factory: factory,
		active:  make(map[string]Agent),
	}
}

// Execute persists a queued run, publishes run.queued and schedules the run
// goroutine. Returns ErrAgentNotFound when the profile does not exist.
func (r *Runtime) Execute(cmd Command) (*RunHandle, error) {
	if r.state.GetProfile(cmd.AgentID) == nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, cmd.AgentID)
	}

	runID := uuid.New().String()
	record := &models.RunRecord{
		RunID:       runID,
		AgentID:     cmd.AgentID,
		ParentRunID: cmd.ParentRunID,
		Depth:       cmd.Depth,
		Status:      models.RunStatusQueued,
		Input:       cmd.Input,
		SessionID:   cmd.SessionID,
		CreatedAt:   time.Now(),
		Metadata:    cmd.Metadata,
	}
	r.state.SaveRun(record)

	payload := map[string]any{"depth": cmd.Depth}
	if cmd.ParentRunID != "" {
		payload["parentRunId"] = cmd.ParentRunID
	}
	r.bus.Publish(bus.Event{
		Type:    bus.EventTypeRunQueued,
		RunID:   runID,
		AgentID: cmd.AgentID,
		Payload: payload,
	})

	go r.run(runID, cmd)

	return &RunHandle{RunID: runID, AgentID: cmd.AgentID, Status: models.RunStatusQueued}, nil
}

// run is the body of one run goroutine.
func (r *Runtime) run(runID string, cmd Command) {
	logger := slog.With("run_id", runID, "agent_id", cmd.AgentID)

	profile := r.state.GetProfile(cmd.AgentID)
	if profile == nil {
		r.finish(runID, cmd.AgentID, models.RunStatusFailed, "", "agent profile disappeared before start")
		return
	}

	prevSession := cmd.SessionID
	if prevSession == "" {
		prevSession = profile.SessionID
	}

	agent, err := r.factory(AgentOptions{
		Profile:           profile,
		Model:             cmd.Model,
		PreviousSessionID: prevSession,
		OnStream: func(message map[string]any) {
			r.bus.Publish(bus.Event{
				Type:    bus.EventTypeRunStream,
				RunID:   runID,
				AgentID: cmd.AgentID,
				Payload: map[string]any{"message": message},
			})
		},
		OnLoopBoundary: r.loopBoundaryHook(cmd.AgentID, runID, isAutoDispatch(cmd.Metadata)),
	})
	if err != nil {
		logger.Warn("Agent construction failed", "error", err)
		r.finish(runID, cmd.AgentID, models.RunStatusFailed, "", fmt.Sprintf("agent construction failed: %v", err))
		return
	}

	r.mu.Lock()
	r.active[runID] = agent
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.active, runID)
		r.mu.Unlock()
		if cerr := agent.Close(); cerr != nil {
			logger.Warn("Agent close failed", "error", cerr)
		}
	}()

	sessionID := agent.SessionID()
	started := time.Now()
	r.state.UpdateRun(runID, func(rec *models.RunRecord) {
		rec.Status = models.RunStatusRunning
		rec.StartedAt = &started
		rec.SessionID = sessionID
	})
	r.state.SetSessionAgent(sessionID, cmd.AgentID)
	r.bus.Publish(bus.Event{
		Type:    bus.EventTypeRunStarted,
		RunID:   runID,
		AgentID: cmd.AgentID,
		Payload: map[string]any{"sessionId": sessionID},
	})

	result, err := r.executeAgent(agent, cmd.Input)
	switch {
	case err != nil:
		r.finish(runID, cmd.AgentID, models.RunStatusFailed, "", err.Error())
	case result.Status == ResultCompleted:
		r.finish(runID, cmd.AgentID, models.RunStatusCompleted, SerializeFinalMessage(result.FinalMessage), "")
	case result.Status == ResultAborted:
		r.finish(runID, cmd.AgentID, models.RunStatusAborted, "", "")
	default:
		failure := result.Failure
		if failure == "" {
			failure = "agent reported failure without detail"
		}
		r.finish(runID, cmd.AgentID, models.RunStatusFailed, "", failure)
	}
}

// isAutoDispatch reports whether the command was issued by the auto-dispatch
// loop. Such runs drain their mailbox with the auto-dispatch receive
// settings instead of the injection ones.
func isAutoDispatch(metadata map[string]any) bool {
	v, _ := metadata["autoDispatch"].(bool)
	return v
}

// executeAgent awaits the agent, converting a panic into a run failure so
// one misbehaving agent cannot take down the process.
func (r *Runtime) executeAgent(agent Agent, input string) (result *Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			result, err = nil, fmt.Errorf("agent panicked: %v", p)
		}
	}()
	return agent.ExecuteWithResult(context.Background(), input)
}

// finish moves a run to a terminal state and publishes the matching event.
// A run already terminal is left untouched.
func (r *Runtime) finish(runID, agentID string, status models.RunStatus, output, errMsg string) {
	finished := time.Now()
	moved := false
	r.state.UpdateRun(runID, func(rec *models.RunRecord) {
		if rec.Status.IsTerminal() {
			return
		}
		rec.Status = status
		rec.Output = output
		rec.Error = errMsg
		rec.FinishedAt = &finished
		moved = true
	})
	if !moved {
		return
	}

	eventType := bus.EventTypeRunCompleted
	payload := map[string]any{}
	switch status {
	case models.RunStatusCompleted:
		payload["output"] = output
	case models.RunStatusAborted:
		eventType = bus.EventTypeRunAborted
	default:
		eventType = bus.EventTypeRunFailed
		payload["error"] = errMsg
	}
	r.bus.Publish(bus.Event{Type: eventType, RunID: runID, AgentID: agentID, Payload: payload})
}

// Abort requests a best-effort abort of a running agent. A run that already
// finished is a no-op. Returns ErrRunNotFound for unknown run ids.
func (r *Runtime) Abort(runID string) error {
	if r.state.GetRun(runID) == nil {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	r.mu.Lock()
	agent := r.active[runID]
	r.mu.Unlock()
	if agent != nil {
		agent.Abort()
	}
	return nil
}

// Status returns a copy of the run record.
func (r *Runtime) Status(runID string) (*models.RunRecord, error) {
	rec := r.state.GetRun(runID)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return rec, nil
}

// Stream subscribes the listener to all events of one run and returns the
// unsubscribe function. Past events are not replayed.
func (r *Runtime) Stream(runID string, listener func(bus.Event)) func() {
	return r.bus.Subscribe(bus.Filter{RunID: runID}, listener)
}

// Close aborts every live agent. Best effort; run goroutines observe the
// abort through their agent and finish normally.
func (r *Runtime) Close() {
	r.mu.Lock()
	agents := make([]Agent, 0, len(r.active))
	for _, a := range r.active {
		agents = append(agents, a)
	}
	r.mu.Unlock()
	for _, a := range agents {
		a.Abort()
	}
}

// SerializeFinalMessage flattens an agent's final message to text: plain
// strings pass through, multimodal part arrays concatenate their text parts,
// anything else is JSON-encoded.
func SerializeFinalMessage(v any) string {
	switch m := v.(type) {
	case nil:
		return ""
	case string:
		return m
	case []any:
		var b strings.Builder
		for _, part := range m {
			switch p := part.(type) {
			case string:
				b.WriteString(p)
			case map[string]any:
				if text, ok := p["text"].(string); ok {
					b.WriteString(text)
				}
			}
		}
		return b.String()
	default:
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Sprintf("%v", m)
		}
		return string(data)
	}
}
