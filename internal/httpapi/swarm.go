package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/undoable/undoable/internal/common/errors"
	"github.com/undoable/undoable/internal/swarm"
)

// SwarmHandler serves the /swarm/workflows resource group.
type SwarmHandler struct {
	deps Deps
}

// List handles GET /swarm/workflows.
func (h *SwarmHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"workflows": h.deps.Workflows.List()})
}

// Create handles POST /swarm/workflows.
func (h *SwarmHandler) Create(c *gin.Context) {
	var w swarm.Workflow
	if err := c.ShouldBindJSON(&w); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	created, err := h.deps.Workflows.Create(w)
	if err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// Get handles GET /swarm/workflows/:id.
func (h *SwarmHandler) Get(c *gin.Context) {
	w, ok := h.deps.Workflows.Get(c.Param("id"))
	if !ok {
		appErr := apperrors.NotFound("workflow", c.Param("id"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, w)
}

// Delete handles DELETE /swarm/workflows/:id.
func (h *SwarmHandler) Delete(c *gin.Context) {
	if err := h.deps.Workflows.Delete(c.Param("id")); err != nil {
		appErr := apperrors.NotFound("workflow", c.Param("id"))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.Status(http.StatusNoContent)
}

// SetNodes handles POST /swarm/workflows/:id/nodes.
func (h *SwarmHandler) SetNodes(c *gin.Context) {
	var body struct {
		Nodes []swarm.Node `json:"nodes"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	w, err := h.deps.Workflows.SetNodes(c.Param("id"), body.Nodes)
	if err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, w)
}

// SetEdges handles POST /swarm/workflows/:id/edges.
func (h *SwarmHandler) SetEdges(c *gin.Context) {
	var body struct {
		Edges []swarm.Edge `json:"edges"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	w, err := h.deps.Workflows.SetEdges(c.Param("id"), body.Edges)
	if err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, w)
}

// Execute handles POST /swarm/workflows/:id/execute.
func (h *SwarmHandler) Execute(c *gin.Context) {
	opts := swarm.DefaultOptions()
	if err := c.ShouldBindJSON(&opts); err != nil && err.Error() != "EOF" {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	orch, err := h.deps.Orchestrator.Execute(c.Request.Context(), c.Param("id"), opts)
	if err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusAccepted, orch)
}
