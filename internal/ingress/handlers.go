// Package ingress contains the thin HTTP surface that feeds external
// triggers into the supervisor: new contacts, inbound channel messages,
// payment notifications, and workflow publication.
package ingress

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"convoflow/engine/internal/payment"
	"convoflow/engine/internal/repository"
	"convoflow/engine/internal/supervisor"
	"convoflow/engine/internal/workflow"
	"convoflow/engine/pkg/models"
)

// Server holds the dependencies for the ingress endpoints.
type Server struct {
	Supervisor *supervisor.Supervisor
	Payments   *payment.Service
	Repo       repository.Repository
}

// NewServer creates a new Server.
func NewServer(sup *supervisor.Supervisor, payments *payment.Service, repo repository.Repository) *Server {
	return &Server{Supervisor: sup, Payments: payments, Repo: repo}
}

// Register mounts the ingress routes on the echo group.
func (s *Server) Register(g *echo.Group) {
	g.GET("/healthz", s.Health)
	g.PUT("/workflows", s.PutWorkflow)
	g.GET("/workflows", s.ListWorkflows)
	g.POST("/sessions", s.StartSession)
	g.GET("/sessions/:id", s.GetSession)
	g.POST("/sessions/:id/messages", s.DeliverMessage)
	g.POST("/sessions/:id/cancel", s.CancelSession)
	g.POST("/notifications", s.DeliverNotification)
	g.POST("/payments/:id/cancel", s.CancelPayment)
}

// HealthStatus represents the health check response.
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
}

// Health returns basic health status.
func (s *Server) Health(c echo.Context) error {
	if err := s.Repo.Ping(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "store unreachable: "+err.Error())
	}
	return c.JSON(http.StatusOK, HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   "convoflow-engine",
	})
}

// PutWorkflow validates and publishes a workflow version. Graph
// invariants are enforced here so sessions never meet an invalid graph.
func (s *Server) PutWorkflow(c echo.Context) error {
	ctx := c.Request().Context()

	var wf models.Workflow
	if err := c.Bind(&wf); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}
	if wf.Version == 0 {
		wf.Version = 1
	}
	wf.CreatedAt = time.Now()

	if err := workflow.Validate(&wf); err != nil {
		var verr *workflow.ValidationError
		if errors.As(err, &verr) {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, verr.Problems)
		}
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	if err := s.Repo.CreateWorkflow(ctx, &wf); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to save workflow: "+err.Error())
	}
	return c.JSON(http.StatusOK, wf)
}

// ListWorkflows returns all published workflow versions.
func (s *Server) ListWorkflows(c echo.Context) error {
	workflows, err := s.Repo.ListWorkflows(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, workflows)
}

// StartSessionRequest is the payload for starting a new contact.
type StartSessionRequest struct {
	AccountID  string            `json:"account_id"`
	WorkflowID string            `json:"workflow_id"`
	Channel    models.Channel    `json:"channel"`
	Address    string            `json:"address"`
	Vars       map[string]string `json:"vars,omitempty"`
}

// StartSession begins supervising a new contact.
func (s *Server) StartSession(c echo.Context) error {
	var req StartSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.AccountID == "" || req.WorkflowID == "" || req.Address == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "account_id, workflow_id and address are required")
	}
	if req.Channel == "" {
		req.Channel = models.ChannelSMS
	}

	id, err := s.Supervisor.StartContact(c.Request().Context(), req.AccountID, req.WorkflowID, req.Channel, req.Address, req.Vars)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]string{"session_id": id})
}

// GetSession returns a session's current state.
func (s *Server) GetSession(c echo.Context) error {
	sess, err := s.Repo.GetSession(c.Request().Context(), c.Param("id"))
	if errors.Is(err, repository.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, sess)
}

// MessageRequest is an inbound channel message.
type MessageRequest struct {
	Body string `json:"body"`
}

// DeliverMessage routes an inbound utterance to its session.
func (s *Server) DeliverMessage(c echo.Context) error {
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	s.Supervisor.DeliverMessage(c.Param("id"), req.Body)
	return c.NoContent(http.StatusAccepted)
}

// CancelSession terminates a session, for instance when the contact
// disconnected.
func (s *Server) CancelSession(c echo.Context) error {
	s.Supervisor.CancelSession(c.Param("id"))
	return c.NoContent(http.StatusAccepted)
}

// NotificationRequest is an inbound payment notification event.
type NotificationRequest struct {
	AccountID string `json:"account_id"`
	RawText   string `json:"raw_text"`
	Sender    string `json:"sender"`
}

// DeliverNotification matches a notification against open payment
// intents.
func (s *Server) DeliverNotification(c echo.Context) error {
	var req NotificationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.AccountID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "account_id is required")
	}
	if err := s.Supervisor.DeliverNotification(c.Request().Context(), req.AccountID, req.RawText, req.Sender); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

// CancelPayment cancels a pending payment intent.
func (s *Server) CancelPayment(c echo.Context) error {
	ok, err := s.Payments.CancelIntent(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusConflict, "intent is not pending")
	}
	return c.NoContent(http.StatusOK)
}
