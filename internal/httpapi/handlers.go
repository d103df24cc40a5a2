package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ytnobody/rolerelay/internal/mailbox"
)

type resolveRequest struct {
	OptionID string `json:"option_id" validate:"required"`
}

type stopRequest struct {
	Forced bool `json:"forced"`
}

type rollbackRequest struct {
	TargetPhase string `json:"target_phase" validate:"required"`
	Reason      string `json:"reason" validate:"max=4000"`
}

type messageRequest struct {
	From      string         `json:"from_role" validate:"required,nefield=To"`
	To        string         `json:"to_role" validate:"required"`
	Type      string         `json:"type" validate:"required"`
	Priority  string         `json:"priority" validate:"omitempty,oneof=critical high medium low"`
	Subject   string         `json:"subject"`
	Content   string         `json:"content"`
	Payload   map[string]any `json:"payload"`
	InReplyTo string         `json:"in_reply_to"`
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.Status())
}

func (s *Server) sessions(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.Sessions())
}

func (s *Server) decisions(c *gin.Context) {
	open, _ := strconv.ParseBool(c.DefaultQuery("open", "false"))
	c.JSON(http.StatusOK, s.ctrl.Decisions(open))
}

func (s *Server) decision(c *gin.Context) {
	d, err := s.ctrl.Decision(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) resolveDecision(c *gin.Context) {
	var req resolveRequest
	if !s.bind(c, &req) {
		return
	}
	d, err := s.ctrl.ResolveDecision(c.Param("id"), req.OptionID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) startRole(c *gin.Context) {
	id, err := s.ctrl.StartRole(c.Request.Context(), c.Param("role"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session_id": id, "role": c.Param("role")})
}

func (s *Server) stopRole(c *gin.Context) {
	var req stopRequest
	if !s.bind(c, &req) {
		return
	}
	if err := s.ctrl.StopRole(c.Request.Context(), c.Param("role"), req.Forced); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"role": c.Param("role"), "forced": req.Forced})
}

func (s *Server) inbox(c *gin.Context) {
	msgs, err := s.ctrl.Inbox(c.Param("role"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if msgs == nil {
		msgs = []mailbox.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}

func (s *Server) postMessage(c *gin.Context) {
	var req messageRequest
	if !s.bind(c, &req) {
		return
	}
	m := mailbox.New(req.From, req.To, mailbox.Type(req.Type), req.Content)
	m.Subject = req.Subject
	m.Payload = req.Payload
	m.InReplyTo = req.InReplyTo
	if req.Priority != "" {
		m.Priority = mailbox.Priority(req.Priority)
	}
	if err := s.ctrl.PostMessage(m); err != nil {
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: "message rejected", Message: err.Error(), Code: http.StatusUnprocessableEntity})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message_id": m.ID})
}

func (s *Server) rollback(c *gin.Context) {
	var req rollbackRequest
	if !s.bind(c, &req) {
		return
	}
	d, err := s.ctrl.RequestRollback(c.Request.Context(), req.TargetPhase, req.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, d)
}

func (s *Server) triggerRule(c *gin.Context) {
	if err := s.ctrl.RequestTransition(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"rule_id": c.Param("id")})
}

func (s *Server) journal(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		s.badRequest(c, errInvalidLimit)
		return
	}
	entries, err := s.ctrl.Journal(c.Request.Context(), limit, c.Query("kind"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

var upgrader = websocket.Upgrader{
	// The control surface binds to localhost by default.
	CheckOrigin: func(*http.Request) bool { return true },
}

// events streams engine events as JSON envelopes. ?kinds=a,b filters by
// event kind.
func (s *Server) events(c *gin.Context) {
	want := map[string]bool{}
	for _, k := range strings.Split(c.Query("kinds"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			want[k] = true
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already replied.
		return
	}
	defer conn.Close()

	ch, cancel := s.ctrl.Subscribe()
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			if len(want) > 0 && !want[env.Kind] {
				continue
			}
			if err := conn.WriteJSON(env); err != nil {
				s.log.Debug().Err(err).Msg("event stream client gone")
				return
			}
		}
	}
}
