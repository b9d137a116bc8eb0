// Package api is the HTTP control surface of the kernel: a JSON API for
// agent registration, routing, execution, messaging and mailbox management,
// plus a WebSocket endpoint streaming the event bus.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hivekit/hive/pkg/config"
	"github.com/hivekit/hive/pkg/kernel"
	"github.com/hivekit/hive/pkg/models"
	"github.com/hivekit/hive/pkg/router"
	"github.com/hivekit/hive/pkg/runtime"
)

// Server serves the kernel over HTTP.
type Server struct {
	cfg     *config.Config
	kernel  *kernel.Kernel
	engine  *gin.Engine
	streams *streamManager
}

// NewServer builds the server and its routes.
func NewServer(cfg *config.Config, k *kernel.Kernel) *Server {
	s := &Server{
		cfg:     cfg,
		kernel:  k,
		streams: newStreamManager(k.Bus(), cfg.Server.WSWriteTimeout.Std()),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", s.health)
	engine.GET("/ws", s.websocket)

	v1 := engine.Group("/api/v1")
	{
		v1.POST("/agents", s.registerAgent)
		v1.GET("/agents", s.listAgents)
		v1.GET("/agents/:id", s.getAgent)
		v1.POST("/agents/:id/spawn", s.spawnAgent)

		v1.POST("/bindings", s.registerBinding)
		v1.GET("/bindings", s.listBindings)

		v1.POST("/route", s.route)
		v1.POST("/executions", s.execute)

		v1.GET("/runs/:id", s.getRun)
		v1.GET("/runs/:id/graph", s.getRunGraph)
		v1.POST("/runs/:id/abort", s.abortRun)

		v1.POST("/messages", s.sendMessage)
		v1.POST("/agents/:id/mailbox/receive", s.receiveMailbox)
		v1.POST("/agents/:id/mailbox/ack", s.ackMailbox)
		v1.POST("/agents/:id/mailbox/nack", s.nackMailbox)
		v1.DELETE("/agents/:id/mailbox", s.drainMailbox)
		v1.GET("/agents/:id/dlq", s.listDeadLetters)
		v1.POST("/agents/:id/dlq/:msg/requeue", s.requeueDeadLetter)
	}

	s.engine = engine
	return s
}

// Handler returns the HTTP handler for mounting.
func (s *Server) Handler() http.Handler { return s.engine }

// respondError maps kernel error kinds to HTTP statuses.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, runtime.ErrAgentNotFound),
		errors.Is(err, runtime.ErrRunNotFound),
		errors.Is(err, router.ErrNoRoute):
		status = http.StatusNotFound
	case errors.Is(err, kernel.ErrPolicyDenied):
		status = http.StatusForbidden
	case errors.Is(err, kernel.ErrInvalidProfile), errors.Is(err, kernel.ErrInvalidMessage):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"counters": s.kernel.Counters(),
	})
}

// --- Agents ---

func (s *Server) registerAgent(c *gin.Context) {
	var profile models.AgentProfile
	if err := c.ShouldBindJSON(&profile); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid profile: " + err.Error()})
		return
	}
	registered, err := s.kernel.RegisterAgent(&profile)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, registered)
}

func (s *Server) listAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": s.kernel.State().ListProfiles()})
}

func (s *Server) getAgent(c *gin.Context) {
	profile := s.kernel.State().GetProfile(c.Param("id"))
	if profile == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found: " + c.Param("id")})
		return
	}
	c.JSON(http.StatusOK, profile)
}

type spawnRequest struct {
	ParentRunID string              `json:"parent_run_id"`
	Profile     models.AgentProfile `json:"profile"`
}

func (s *Server) spawnAgent(c *gin.Context) {
	var req spawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid spawn request: " + err.Error()})
		return
	}
	child, err := s.kernel.Spawn(kernel.SpawnCommand{
		ControllerAgentID: c.Param("id"),
		ParentRunID:       req.ParentRunID,
		Profile:           req.Profile,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, child)
}

// --- Bindings ---

func (s *Server) registerBinding(c *gin.Context) {
	var binding models.Binding
	if err := c.ShouldBindJSON(&binding); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid binding: " + err.Error()})
		return
	}
	registered, err := s.kernel.RegisterBinding(&binding)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, registered)
}

func (s *Server) listBindings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"bindings": s.kernel.State().ListBindings()})
}

// --- Routing and execution ---

func (s *Server) route(c *gin.Context) {
	var req router.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid route request: " + err.Error()})
		return
	}
	decision, err := s.kernel.Route(req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

type executeRequest struct {
	// AgentID executes a specific agent; when empty, Route decides.
	AgentID     string          `json:"agent_id"`
	Input       string          `json:"input"`
	Model       string          `json:"model"`
	ParentRunID string          `json:"parent_run_id"`
	SessionID   string          `json:"session_id"`
	Metadata    map[string]any  `json:"metadata"`
	Route       *router.Request `json:"route"`
}

type executeResponse struct {
	RunID    string           `json:"run_id"`
	AgentID  string           `json:"agent_id"`
	Status   models.RunStatus `json:"status"`
	Decision *router.Decision `json:"decision,omitempty"`
}

func (s *Server) execute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid execute request: " + err.Error()})
		return
	}

	if req.AgentID == "" {
		route := router.Request{}
		if req.Route != nil {
			route = *req.Route
		}
		handle, decision, err := s.kernel.RouteAndExecute(route, req.Input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, executeResponse{
			RunID: handle.RunID, AgentID: handle.AgentID, Status: handle.Status, Decision: &decision,
		})
		return
	}

	handle, err := s.kernel.Execute(runtime.Command{
		AgentID:     req.AgentID,
		Input:       req.Input,
		Model:       req.Model,
		ParentRunID: req.ParentRunID,
		SessionID:   req.SessionID,
		Metadata:    req.Metadata,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, executeResponse{
		RunID: handle.RunID, AgentID: handle.AgentID, Status: handle.Status,
	})
}

// --- Runs ---

func (s *Server) getRun(c *gin.Context) {
	rec, err := s.kernel.RunStatus(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) getRunGraph(c *gin.Context) {
	graph, err := s.kernel.BuildRunGraph(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, graph)
}

func (s *Server) abortRun(c *gin.Context) {
	if err := s.kernel.Abort(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": c.Param("id"), "abort": "requested"})
}

// --- Messaging ---

func (s *Server) sendMessage(c *gin.Context) {
	var msg models.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message: " + err.Error()})
		return
	}
	stored, err := s.kernel.SendMessage(&msg)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

type receiveRequest struct {
	Limit   int `json:"limit"`
	LeaseMs int `json:"lease_ms"`
}

func (s *Server) receiveMailbox(c *gin.Context) {
	var req receiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid receive request: " + err.Error()})
		return
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}
	messages := s.kernel.ReceiveMailbox(c.Param("id"), req.Limit,
		time.Duration(req.LeaseMs)*time.Millisecond)
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

type ackRequest struct {
	MessageIDs []string `json:"message_ids"`
}

func (s *Server) ackMailbox(c *gin.Context) {
	var req ackRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.MessageIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message_ids is required"})
		return
	}
	agentID := c.Param("id")
	acked := make([]string, 0, len(req.MessageIDs))
	notFound := make([]string, 0)
	for _, id := range req.MessageIDs {
		if s.kernel.AckMailbox(agentID, id) {
			acked = append(acked, id)
		} else {
			notFound = append(notFound, id)
		}
	}
	c.JSON(http.StatusOK, gin.H{"acked": acked, "not_found": notFound})
}

type nackRequest struct {
	MessageID      string `json:"message_id"`
	Error          string `json:"error"`
	RequeueDelayMs *int   `json:"requeue_delay_ms"`
}

func (s *Server) nackMailbox(c *gin.Context) {
	var req nackRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.MessageID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message_id is required"})
		return
	}
	delay := time.Duration(-1)
	if req.RequeueDelayMs != nil {
		delay = time.Duration(*req.RequeueDelayMs) * time.Millisecond
	}
	res := s.kernel.NackMailbox(c.Param("id"), req.MessageID, req.Error, delay)
	c.JSON(http.StatusOK, res)
}

func (s *Server) drainMailbox(c *gin.Context) {
	c.JSON(http.StatusOK, s.kernel.DrainMailbox(c.Param("id")))
}

func (s *Server) listDeadLetters(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}
	c.JSON(http.StatusOK, gin.H{"messages": s.kernel.ListDeadLetters(c.Param("id"), limit)})
}

type requeueRequest struct {
	DelayMs       int  `json:"delay_ms"`
	ResetAttempts bool `json:"reset_attempts"`
}

func (s *Server) requeueDeadLetter(c *gin.Context) {
	var req requeueRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid requeue request: " + err.Error()})
			return
		}
	}
	msg := s.kernel.RequeueDeadLetter(c.Param("id"), c.Param("msg"),
		time.Duration(req.DelayMs)*time.Millisecond, req.ResetAttempts)
	if msg == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not in dead letter queue: " + c.Param("msg")})
		return
	}
	c.JSON(http.StatusOK, msg)
}
