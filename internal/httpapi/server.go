// Package httpapi is the control surface: a gin router over the
// orchestrator's control operations, a websocket event stream and the
// prometheus endpoint.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/ytnobody/rolerelay/internal/decision"
	"github.com/ytnobody/rolerelay/internal/event"
	"github.com/ytnobody/rolerelay/internal/journal"
	"github.com/ytnobody/rolerelay/internal/logger"
	"github.com/ytnobody/rolerelay/internal/mailbox"
	"github.com/ytnobody/rolerelay/internal/orchestrator"
	"github.com/ytnobody/rolerelay/internal/pipeline"
	"github.com/ytnobody/rolerelay/internal/rules"
	"github.com/ytnobody/rolerelay/internal/session"
)

const shutdownTimeout = 5 * time.Second

var errInvalidLimit = errors.New("limit must be a positive integer")

// Controller is the subset of the orchestrator the control surface drives.
type Controller interface {
	Status() orchestrator.Status
	Sessions() []session.Session
	Decisions(openOnly bool) []decision.Decision
	Decision(id string) (decision.Decision, error)
	ResolveDecision(id, optionID string) (decision.Decision, error)
	StartRole(ctx context.Context, role string) (string, error)
	StopRole(ctx context.Context, role string, forced bool) error
	RequestRollback(ctx context.Context, target, reason string) (decision.Decision, error)
	RequestTransition(ctx context.Context, ruleID string) error
	Journal(ctx context.Context, limit int, kind string) ([]journal.Entry, error)
	PostMessage(m mailbox.Message) error
	Inbox(role string) ([]mailbox.Message, error)
	Subscribe() (<-chan event.Envelope, func())
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// Server serves the control surface.
type Server struct {
	ctrl     Controller
	router   *gin.Engine
	validate *validator.Validate
	log      zerolog.Logger
}

// New builds the router. metrics may be nil to leave /metrics unserved.
func New(ctrl Controller, metrics http.Handler) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		ctrl:     ctrl,
		router:   gin.New(),
		validate: validator.New(),
		log:      logger.For("httpapi"),
	}
	s.router.Use(gin.Recovery(), s.accessLog())

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metrics != nil {
		s.router.GET("/metrics", gin.WrapH(metrics))
	}

	api := s.router.Group("/api/v1")
	{
		api.GET("/status", s.status)
		api.GET("/sessions", s.sessions)
		api.GET("/decisions", s.decisions)
		api.GET("/decisions/:id", s.decision)
		api.POST("/decisions/:id/resolve", s.resolveDecision)
		api.POST("/roles/:role/start", s.startRole)
		api.POST("/roles/:role/stop", s.stopRole)
		api.GET("/roles/:role/inbox", s.inbox)
		api.POST("/messages", s.postMessage)
		api.POST("/rollback", s.rollback)
		api.POST("/rules/:id/trigger", s.triggerRule)
		api.GET("/journal", s.journal)
		api.GET("/events", s.events)
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info().Str("listen", addr).Msg("control surface listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

// statusFor maps engine errors onto HTTP status codes: unknown ids are 404,
// repeated actions 409, refused invariants 422.
func statusFor(err error) int {
	switch {
	case errors.Is(err, decision.ErrNotFound),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, rules.ErrUnknownRule),
		errors.Is(err, rules.ErrUnknownPhase),
		errors.Is(err, rules.ErrUnknownRole),
		errors.Is(err, pipeline.ErrUnknown):
		return http.StatusNotFound
	case errors.Is(err, decision.ErrConflict),
		errors.Is(err, session.ErrDuplicateSession),
		errors.Is(err, rules.ErrAlreadyFired):
		return http.StatusConflict
	case errors.Is(err, decision.ErrUnknownOption),
		errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, rules.ErrRollbackNotPermitted),
		errors.Is(err, rules.ErrConditionsNotMet),
		errors.Is(err, rules.ErrPhaseGate),
		errors.Is(err, pipeline.ErrNotPermitted),
		errors.Is(err, pipeline.ErrNotForward):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	}
	c.JSON(code, ErrorResponse{Error: http.StatusText(code), Message: err.Error(), Code: code})
}

func (s *Server) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request", Message: err.Error(), Code: http.StatusBadRequest})
}

// bind decodes a JSON body into req and validates it. An empty body leaves
// req at its zero value before validation.
func (s *Server) bind(c *gin.Context, req any) bool {
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(req); err != nil {
			s.badRequest(c, err)
			return false
		}
	}
	if err := s.validate.Struct(req); err != nil {
		s.badRequest(c, err)
		return false
	}
	return true
}
