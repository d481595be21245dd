package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/undoable/undoable/internal/common/errors"
	"github.com/undoable/undoable/internal/settings"
)

// SettingsHandler serves /settings/daemon and /control/operation.
type SettingsHandler struct {
	deps Deps
}

// Get handles GET /settings/daemon.
func (h *SettingsHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Settings.GetSnapshot())
}

// Patch handles PATCH /settings/daemon.
func (h *SettingsHandler) Patch(c *gin.Context) {
	var patch settings.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	snap, err := h.deps.Settings.Apply(patch)
	if err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// GetOperation handles GET /control/operation.
func (h *SettingsHandler) GetOperation(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"operationMode": h.deps.Settings.OperationMode()})
}

type operationPatchRequest struct {
	OperationMode   settings.OperationMode `json:"operationMode" binding:"required"`
	OperationReason string                 `json:"operationReason"`
}

// PatchOperation handles PATCH /control/operation.
func (h *SettingsHandler) PatchOperation(c *gin.Context) {
	var req operationPatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	snap, err := h.deps.Settings.Apply(settings.Patch{
		OperationMode:   &req.OperationMode,
		OperationReason: &req.OperationReason,
	})
	if err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, snap)
}
