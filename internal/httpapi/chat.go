package httpapi

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/undoable/undoable/internal/approval"
	"github.com/undoable/undoable/internal/chat"
	apperrors "github.com/undoable/undoable/internal/common/errors"
	"github.com/undoable/undoable/internal/run"
)

// ChatHandler serves /chat and the control surfaces the Chat/Tool Loop
// depends on (approval mode, run config, undo, approval push channel).
type ChatHandler struct {
	deps Deps
}

type chatRequest struct {
	Message     string   `json:"message" binding:"required"`
	SessionID   string   `json:"sessionId"`
	AgentID     string   `json:"agentId"`
	Attachments []string `json:"attachments"`
}

// Stream handles POST /chat: an SSE stream of the turn's envelopes
// (section 4.7, framing per section 4.10).
func (h *ChatHandler) Stream(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	r := h.deps.Runs.Create(c.Request.Context(), run.CreateInput{
		AgentID:     req.AgentID,
		Instruction: req.Message,
	})
	cfg := h.deps.Config.Chat
	rc := chat.NewRunConfig(&cfg, chat.ModeNormal, h.deps.Config.Approval.Mode, cfg.EconomyMode, false)

	frames := make(chan chat.Event, 32)
	ctx := c.Request.Context()

	go func() {
		defer close(frames)
		err := h.deps.ChatLoop.Run(ctx, r.ID, req.SessionID, rc, req.Message, func(ev chat.Event) {
			select {
			case frames <- ev:
			case <-ctx.Done():
			}
		})
		if err != nil {
			h.deps.Log.Error("chat loop turn failed", zap.String("runId", r.ID), zap.Error(err))
		}
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-frames:
			if !ok {
				fmt.Fprint(w, "data: [DONE]\n\n")
				return false
			}
			payload, err := jsonLine(ev)
			if err != nil {
				return true
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

// approveRequest is the body for POST /chat/approve.
type approveRequest struct {
	ID          string `json:"id" binding:"required"`
	Approved    bool   `json:"approved"`
	AllowAlways bool   `json:"allowAlways"`
}

// Approve handles POST /chat/approve.
func (h *ChatHandler) Approve(c *gin.Context) {
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if err := h.deps.Approvals.Resolve(req.ID, req.Approved, req.AllowAlways); err != nil {
		appErr := apperrors.NotFound("approval", req.ID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetApprovalMode handles GET /chat/approval-mode.
func (h *ChatHandler) GetApprovalMode(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"mode": h.deps.Approvals.Mode()})
}

type approvalModeRequest struct {
	Mode approval.Mode `json:"mode" binding:"required"`
}

// SetApprovalMode handles POST /chat/approval-mode.
func (h *ChatHandler) SetApprovalMode(c *gin.Context) {
	var req approvalModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	h.deps.Approvals.SetMode(req.Mode)
	c.JSON(http.StatusOK, gin.H{"mode": req.Mode})
}

// GetRunConfig handles GET /chat/run-config.
func (h *ChatHandler) GetRunConfig(c *gin.Context) {
	cfg := h.deps.Config.Chat
	c.JSON(http.StatusOK, chat.NewRunConfig(&cfg, chat.ModeNormal, h.deps.Config.Approval.Mode, cfg.EconomyMode, false))
}

type runConfigRequest struct {
	MaxIterations int  `json:"maxIterations"`
	EconomyMode   bool `json:"economyMode"`
	Thinking      bool `json:"thinking"`
}

// SetRunConfig handles POST /chat/run-config. Overrides are applied
// in-memory for the daemon's lifetime; they do not persist across restart
// (run-config is a request-scoped snapshot per section 4.7).
func (h *ChatHandler) SetRunConfig(c *gin.Context) {
	var req runConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if req.MaxIterations > 0 {
		h.deps.Config.Chat.MaxIterations = req.MaxIterations
	}
	h.deps.Config.Chat.EconomyMode = req.EconomyMode
	cfg := h.deps.Config.Chat
	c.JSON(http.StatusOK, chat.NewRunConfig(&cfg, chat.ModeNormal, h.deps.Config.Approval.Mode, cfg.EconomyMode, req.Thinking))
}

type undoRequest struct {
	Action string `json:"action" binding:"required"` // list|one|last|all
	ID     string `json:"id"`
	Count  int    `json:"count"`
}

// Undo handles POST /chat/undo.
func (h *ChatHandler) Undo(c *gin.Context) {
	var req undoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	switch req.Action {
	case "list":
		c.JSON(http.StatusOK, gin.H{
			"undoable": h.deps.Actions.ListUndoable(),
			"redoable": h.deps.Actions.ListRedoable(),
		})
	case "one":
		if req.ID == "" {
			appErr := apperrors.BadRequest("id is required for action=one")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		c.JSON(http.StatusOK, h.deps.Actions.UndoAction(c.Request.Context(), req.ID))
	case "last":
		n := req.Count
		if n <= 0 {
			n = 1
		}
		c.JSON(http.StatusOK, gin.H{"results": h.deps.Actions.UndoLastN(c.Request.Context(), n)})
	case "all":
		c.JSON(http.StatusOK, gin.H{"results": h.deps.Actions.UndoAll(c.Request.Context())})
	default:
		appErr := apperrors.BadRequest("action must be one of: list, one, last, all")
		c.JSON(appErr.HTTPStatus, appErr)
	}
}

// ApprovalsWS handles GET /control/approvals/ws: the push channel for
// interactive clients that want pending approvals streamed instead of
// polled (section B domain stack, gorilla/websocket).
func (h *ChatHandler) ApprovalsWS(c *gin.Context) {
	if h.deps.ApprovalHub == nil {
		appErr := apperrors.ServiceUnavailable("approval-hub")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if err := h.deps.ApprovalHub.ServeWS(c.Writer, c.Request); err != nil {
		h.deps.Log.Warn("approval websocket upgrade failed", zap.Error(err))
	}
}
