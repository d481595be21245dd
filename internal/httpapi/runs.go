package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/undoable/undoable/internal/action"
	apperrors "github.com/undoable/undoable/internal/common/errors"
	"github.com/undoable/undoable/internal/index"
	"github.com/undoable/undoable/internal/run"
)

// RunsHandler serves the /runs resource group.
type RunsHandler struct {
	deps Deps
}

type createRunRequest struct {
	UserID      string `json:"userId"`
	AgentID     string `json:"agentId"`
	Instruction string `json:"instruction" binding:"required"`
	JobID       string `json:"jobId"`
}

// Create handles POST /runs.
func (h *RunsHandler) Create(c *gin.Context) {
	var req createRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	r := h.deps.Runs.Create(c.Request.Context(), run.CreateInput{
		UserID:      req.UserID,
		AgentID:     req.AgentID,
		Instruction: req.Instruction,
		JobID:       req.JobID,
	})
	c.JSON(http.StatusCreated, r)
}

// List handles GET /runs. When a status/jobId/search filter is given and
// the derived read index (section C, "Analytics/read index") is wired, the
// index answers the query instead of a linear scan over run.Manager's
// in-memory map; the index is a cache, so an index error falls back to the
// authoritative list rather than failing the request.
func (h *RunsHandler) List(c *gin.Context) {
	status, jobID, search := c.Query("status"), c.Query("jobId"), c.Query("search")
	if h.deps.Index != nil && (status != "" || jobID != "" || search != "") {
		rows, err := h.deps.Index.ListRuns(index.ListRunsQuery{Status: status, JobID: jobID, Search: search})
		if err == nil {
			c.JSON(http.StatusOK, gin.H{"runs": rows})
			return
		}
		h.deps.Log.Warn("run index query failed, falling back to authoritative list", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"runs": h.deps.Runs.List(c.Query("userId"))})
}

// Get handles GET /runs/:id.
func (h *RunsHandler) Get(c *gin.Context) {
	r, ok := h.deps.Runs.Get(c.Param("id"))
	if !ok {
		appErr := apperrors.NotFound("run", c.Param("id"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, r)
}

// Events handles GET /runs/:id/events: the run's own bounded FIFO event
// log (section 3), independent of the live SSE stream — useful for a
// client reattaching after a disconnect.
func (h *RunsHandler) Events(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.deps.Runs.Get(id); !ok {
		appErr := apperrors.NotFound("run", id)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": h.deps.Runs.GetEvents(id)})
}

// Delete handles DELETE /runs/:id.
func (h *RunsHandler) Delete(c *gin.Context) {
	if err := h.deps.Runs.Delete(c.Param("id")); err != nil {
		appErr := apperrors.NotFound("run", c.Param("id"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RunsHandler) transition(c *gin.Context, newStatus run.Status, actor string) {
	id := c.Param("id")
	if err := h.deps.Runs.UpdateStatus(c.Request.Context(), id, newStatus, actor); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	r, _ := h.deps.Runs.Get(id)
	c.JSON(http.StatusOK, r)
}

// Pause handles POST /runs/:id/pause. The run lifecycle FSM has no
// distinct "paused" status (section 3); a pause request is a no-op
// acknowledgement that active work continues under the daemon's operation
// mode (section 4.9) rather than the run's own FSM.
func (h *RunsHandler) Pause(c *gin.Context) {
	r, ok := h.deps.Runs.Get(c.Param("id"))
	if !ok {
		appErr := apperrors.NotFound("run", c.Param("id"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, r)
}

// Resume handles POST /runs/:id/resume, the counterpart no-op to Pause.
func (h *RunsHandler) Resume(c *gin.Context) {
	r, ok := h.deps.Runs.Get(c.Param("id"))
	if !ok {
		appErr := apperrors.NotFound("run", c.Param("id"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, r)
}

// Cancel handles POST /runs/:id/cancel: transitions to cancelled and
// rejects any approvals still pending for the run.
func (h *RunsHandler) Cancel(c *gin.Context) {
	if h.deps.Approvals != nil {
		h.deps.Approvals.RejectAllForRun(c.Param("id"))
	}
	h.transition(c, run.StatusCancelled, "user")
}

// Apply handles POST /runs/:id/apply: transitions a shadowed/approved run
// into applying.
func (h *RunsHandler) Apply(c *gin.Context) {
	h.transition(c, run.StatusApplying, "user")
}

// Undo handles POST /runs/:id/undo: transitions into undoing and replays
// the run's undoable actions via the Action Log.
func (h *RunsHandler) Undo(c *gin.Context) {
	id := c.Param("id")
	if err := h.deps.Runs.UpdateStatus(c.Request.Context(), id, run.StatusUndoing, "user"); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	results := []action.UndoResult{}
	for _, e := range h.deps.Actions.ListUndoable() {
		if e.RunID != id {
			continue
		}
		res := h.deps.Actions.UndoAction(c.Request.Context(), e.ID)
		results = append(results, res)
		if !res.Success {
			break
		}
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}
