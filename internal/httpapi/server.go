// Package httpapi implements the HTTP/SSE Surface (section 4.10): a gin
// router exposing runs, chat, jobs, swarm workflows, settings, control,
// and health, wired to the execution core's service managers.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/undoable/undoable/internal/action"
	"github.com/undoable/undoable/internal/approval"
	"github.com/undoable/undoable/internal/chat"
	"github.com/undoable/undoable/internal/common/config"
	"github.com/undoable/undoable/internal/common/httpmw"
	"github.com/undoable/undoable/internal/common/logger"
	"github.com/undoable/undoable/internal/index"
	"github.com/undoable/undoable/internal/run"
	"github.com/undoable/undoable/internal/runevents"
	"github.com/undoable/undoable/internal/scheduler"
	"github.com/undoable/undoable/internal/settings"
	"github.com/undoable/undoable/internal/swarm"
	"github.com/undoable/undoable/internal/toolregistry"
)

// Deps bundles every collaborator the HTTP surface dispatches into.
type Deps struct {
	Config       *config.Config
	Runs         *run.Manager
	Actions      *action.Log
	Approvals    *approval.Gate
	ApprovalHub  *approval.Hub
	Tools        *toolregistry.Registry
	Scheduler    *scheduler.Scheduler
	Workflows    *swarm.WorkflowStore
	Orchestrator *swarm.Orchestrator
	Settings     *settings.Manager
	Events       *runevents.Bus
	ChatLoop     *chat.Loop
	Index        *index.Index
	Log          *logger.Logger
}

// NewRouter builds the gin engine with every route group mounted.
func NewRouter(deps Deps) *gin.Engine {
	if deps.Log == nil {
		deps.Log = logger.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmw.RequestLogger(deps.Log, "undoable"))

	r.GET("/health", healthHandler(deps))

	authed := r.Group("/")
	if deps.Config.Auth.Mode == "token" {
		authed.Use(httpmw.BearerAuth(deps.Config.Auth.Token))
	}
	authed.Use(admissionGate(deps.Settings))

	runsH := &RunsHandler{deps: deps}
	authed.POST("/runs", runsH.Create)
	authed.GET("/runs", runsH.List)
	authed.GET("/runs/:id", runsH.Get)
	authed.GET("/runs/:id/events", runsH.Events)
	authed.DELETE("/runs/:id", runsH.Delete)
	authed.POST("/runs/:id/pause", runsH.Pause)
	authed.POST("/runs/:id/resume", runsH.Resume)
	authed.POST("/runs/:id/cancel", runsH.Cancel)
	authed.POST("/runs/:id/apply", runsH.Apply)
	authed.POST("/runs/:id/undo", runsH.Undo)

	chatH := &ChatHandler{deps: deps}
	authed.POST("/chat", chatH.Stream)
	authed.POST("/chat/approve", chatH.Approve)
	authed.GET("/chat/approval-mode", chatH.GetApprovalMode)
	authed.POST("/chat/approval-mode", chatH.SetApprovalMode)
	authed.GET("/chat/run-config", chatH.GetRunConfig)
	authed.POST("/chat/run-config", chatH.SetRunConfig)
	authed.POST("/chat/undo", chatH.Undo)
	authed.GET("/control/approvals/ws", chatH.ApprovalsWS)

	jobsH := &JobsHandler{deps: deps}
	authed.GET("/jobs", jobsH.List)
	authed.POST("/jobs", jobsH.Create)
	authed.PATCH("/jobs/:id", jobsH.Update)
	authed.DELETE("/jobs/:id", jobsH.Delete)
	authed.POST("/jobs/:id/run", jobsH.Run)
	authed.POST("/jobs/history/undo", jobsH.UndoHistory)
	authed.POST("/jobs/history/redo", jobsH.RedoHistory)

	swarmH := &SwarmHandler{deps: deps}
	authed.GET("/swarm/workflows", swarmH.List)
	authed.POST("/swarm/workflows", swarmH.Create)
	authed.GET("/swarm/workflows/:id", swarmH.Get)
	authed.DELETE("/swarm/workflows/:id", swarmH.Delete)
	authed.POST("/swarm/workflows/:id/nodes", swarmH.SetNodes)
	authed.POST("/swarm/workflows/:id/edges", swarmH.SetEdges)
	authed.POST("/swarm/workflows/:id/execute", swarmH.Execute)

	settingsH := &SettingsHandler{deps: deps}
	authed.GET("/settings/daemon", settingsH.Get)
	authed.PATCH("/settings/daemon", settingsH.Patch)
	authed.GET("/control/operation", settingsH.GetOperation)
	authed.PATCH("/control/operation", settingsH.PatchOperation)

	return r
}

func healthHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{
			"events": deps.Events != nil,
			"runs":   deps.Runs != nil,
		}
		c.JSON(http.StatusOK, gin.H{"ready": true, "checks": checks})
	}
}

// admissionGate enforces section 4.9: drain/paused operation modes refuse
// new run- or job-creating requests before they reach a handler.
func admissionGate(mgr *settings.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if mgr == nil || !isAdmissionGated(c.Request.Method, c.FullPath()) {
			c.Next()
			return
		}
		ok, reason := mgr.AdmitNewWork()
		if !ok {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": reason})
			return
		}
		c.Next()
	}
}

func isAdmissionGated(method, path string) bool {
	if method != http.MethodPost {
		return false
	}
	switch path {
	case "/runs", "/chat", "/jobs", "/jobs/:id/run", "/swarm/workflows/:id/execute":
		return true
	default:
		return false
	}
}
