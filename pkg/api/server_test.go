package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivekit/hive/pkg/bus"
	"github.com/hivekit/hive/pkg/config"
	"github.com/hivekit/hive/pkg/kernel"
	"github.com/hivekit/hive/pkg/models"
	"github.com/hivekit/hive/pkg/runtime"
)

type instantAgent struct{}

func (instantAgent) ExecuteWithResult(ctx context.Context, input string) (*runtime.Result, error) {
	return &runtime.Result{Status: runtime.ResultCompleted, FinalMessage: "echo: " + input}, nil
}
func (instantAgent) Abort()            {}
func (instantAgent) Close() error      { return nil }
func (instantAgent) SessionID() string { return "sess" }

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *kernel.Kernel) {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	k := kernel.New(cfg, func(runtime.AgentOptions) (runtime.Agent, error) {
		return instantAgent{}, nil
	})
	t.Cleanup(k.Close)
	return NewServer(cfg, k), k
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestAgents_RegisterGetList(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/agents", models.AgentProfile{
		AgentID: "coder", Role: "implementation",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, s, http.MethodGet, "/api/v1/agents/coder", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.AgentProfile
	decode(t, rec, &got)
	assert.Equal(t, "implementation", got.Role)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/agents/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Agents []models.AgentProfile `json:"agents"`
	}
	decode(t, rec, &list)
	assert.Len(t, list.Agents, 1)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/agents", models.AgentProfile{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoute_StatusCodes(t *testing.T) {
	s, k := newTestServer(t, nil)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/route", map[string]any{"thread_id": "t1"})
	assert.Equal(t, http.StatusNotFound, rec.Code, "no bindings, no default agent")

	_, err := k.RegisterAgent(&models.AgentProfile{AgentID: "worker"})
	require.NoError(t, err)
	rec = doJSON(t, s, http.MethodPost, "/api/v1/bindings", models.Binding{AgentID: "worker"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/route", map[string]any{"thread_id": "t1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var decision struct {
		AgentID string `json:"agent_id"`
		Reason  string `json:"reason"`
	}
	decode(t, rec, &decision)
	assert.Equal(t, "worker", decision.AgentID)
	assert.Equal(t, "binding", decision.Reason)
}

func TestExecute_AndRunEndpoints(t *testing.T) {
	s, k := newTestServer(t, nil)
	_, err := k.RegisterAgent(&models.AgentProfile{AgentID: "coder"})
	require.NoError(t, err)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/executions", map[string]any{
		"agent_id": "coder", "input": "build",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp executeResponse
	decode(t, rec, &resp)
	assert.Equal(t, models.RunStatusQueued, resp.Status)

	require.Eventually(t, func() bool {
		r, err := k.RunStatus(resp.RunID)
		return err == nil && r.Status == models.RunStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/runs/"+resp.RunID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var run models.RunRecord
	decode(t, rec, &run)
	assert.Equal(t, "echo: build", run.Output)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/runs/"+resp.RunID+"/graph", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/runs/"+resp.RunID+"/abort", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code, "abort of a finished run is accepted as a no-op")

	rec = doJSON(t, s, http.MethodGet, "/api/v1/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/executions", map[string]any{"agent_id": "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecute_PolicyDeniedIs403(t *testing.T) {
	s, k := newTestServer(t, func(c *config.Config) { c.Budget.MaxConcurrentRuns = 0 })
	_, err := k.RegisterAgent(&models.AgentProfile{AgentID: "coder"})
	require.NoError(t, err)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/executions", map[string]any{"agent_id": "coder"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMessaging_RoundTrip(t *testing.T) {
	s, k := newTestServer(t, nil)
	for _, id := range []string{"a", "b"} {
		_, err := k.RegisterAgent(&models.AgentProfile{AgentID: id})
		require.NoError(t, err)
	}

	rec := doJSON(t, s, http.MethodPost, "/api/v1/messages", map[string]any{
		"from": "a", "to": "b", "topic": "tasks", "payload": map[string]any{"n": 1},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sent models.Message
	decode(t, rec, &sent)
	require.NotEmpty(t, sent.MessageID)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/agents/b/mailbox/receive", map[string]any{"limit": 10})
	require.Equal(t, http.StatusOK, rec.Code)
	var received struct {
		Messages []models.Message `json:"messages"`
	}
	decode(t, rec, &received)
	require.Len(t, received.Messages, 1)
	assert.Equal(t, models.MessageStatusInFlight, received.Messages[0].Status)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/agents/b/mailbox/ack", map[string]any{
		"message_ids": []string{sent.MessageID, "unknown"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var ackResult struct {
		Acked    []string `json:"acked"`
		NotFound []string `json:"not_found"`
	}
	decode(t, rec, &ackResult)
	assert.Equal(t, []string{sent.MessageID}, ackResult.Acked)
	assert.Equal(t, []string{"unknown"}, ackResult.NotFound)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/messages", map[string]any{"from": "a"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing recipient")
}

func TestMessaging_NackToDeadLetterAndRequeue(t *testing.T) {
	s, k := newTestServer(t, nil)
	for _, id := range []string{"a", "b"} {
		_, err := k.RegisterAgent(&models.AgentProfile{AgentID: id})
		require.NoError(t, err)
	}

	rec := doJSON(t, s, http.MethodPost, "/api/v1/messages", map[string]any{
		"from": "a", "to": "b", "max_attempts": 1,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var sent models.Message
	decode(t, rec, &sent)

	doJSON(t, s, http.MethodPost, "/api/v1/agents/b/mailbox/receive", map[string]any{"limit": 1})
	rec = doJSON(t, s, http.MethodPost, "/api/v1/agents/b/mailbox/nack", map[string]any{
		"message_id": sent.MessageID, "error": "broken",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var nack struct {
		DeadLettered bool `json:"dead_lettered"`
	}
	decode(t, rec, &nack)
	assert.True(t, nack.DeadLettered)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/agents/b/dlq", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var dlq struct {
		Messages []models.Message `json:"messages"`
	}
	decode(t, rec, &dlq)
	require.Len(t, dlq.Messages, 1)

	path := fmt.Sprintf("/api/v1/agents/b/dlq/%s/requeue", sent.MessageID)
	rec = doJSON(t, s, http.MethodPost, path, map[string]any{"reset_attempts": true})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/agents/b/dlq/unknown/requeue", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, s, http.MethodDelete, "/api/v1/agents/b/mailbox", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var drain struct {
		Queued int `json:"queued"`
	}
	decode(t, rec, &drain)
	assert.Equal(t, 1, drain.Queued)
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := doJSON(t, s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health struct {
		Status   string          `json:"status"`
		Counters kernel.Counters `json:"counters"`
	}
	decode(t, rec, &health)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 0, health.Counters.ActiveRuns)
}

func TestClientMessageFilter(t *testing.T) {
	msg := clientMessage{RunID: "r1", AgentID: "a1", Types: []string{"run.stream", "run.completed"}}
	f := msg.filter()
	assert.True(t, f.Matches(bus.Event{RunID: "r1", AgentID: "a1", Type: "run.stream"}))
	assert.False(t, f.Matches(bus.Event{RunID: "r2", AgentID: "a1", Type: "run.stream"}))
	assert.False(t, f.Matches(bus.Event{RunID: "r1", AgentID: "a1", Type: "run.queued"}))

	assert.Equal(t, "r1|a1|run.stream,run.completed", filterKey(f))
	assert.Equal(t, "||", filterKey(clientMessage{}.filter()))
}
