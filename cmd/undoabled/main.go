// Command undoabled is the Undoable daemon: the execution core's single
// long-running process, exposing the HTTP/SSE surface over the Event Bus,
// Action Log, Approval Gate, Tool Registry, Run Manager, Scheduler,
// SWARM Orchestrator, and Settings.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/undoable/undoable/internal/action"
	"github.com/undoable/undoable/internal/approval"
	"github.com/undoable/undoable/internal/chat"
	"github.com/undoable/undoable/internal/chat/drift"
	"github.com/undoable/undoable/internal/chat/llm"
	"github.com/undoable/undoable/internal/common/config"
	"github.com/undoable/undoable/internal/common/logger"
	"github.com/undoable/undoable/internal/events"
	"github.com/undoable/undoable/internal/httpapi"
	"github.com/undoable/undoable/internal/index"
	"github.com/undoable/undoable/internal/run"
	"github.com/undoable/undoable/internal/runevents"
	"github.com/undoable/undoable/internal/scheduler"
	"github.com/undoable/undoable/internal/settings"
	"github.com/undoable/undoable/internal/store"
	"github.com/undoable/undoable/internal/swarm"
	"github.com/undoable/undoable/internal/tools"
	"github.com/undoable/undoable/internal/toolregistry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting undoable daemon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	root, err := store.EnsureRoot()
	if err != nil {
		log.Fatal("failed to prepare state directory", zap.Error(err))
	}
	log.Info("state directory ready", zap.String("root", root))

	providedBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to provision event bus", zap.Error(err))
	}
	defer closeBus()
	if providedBus.NATS != nil {
		log.Info("connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("using in-memory event bus")
	}
	evts := runevents.New(providedBus.Bus)

	settingsMgr := settings.New(cfg, store.NewFile(filepath.Join(root, "settings.json"), log), log)

	approvalMode := approval.ModeMutate
	switch cfg.Approval.Mode {
	case "off":
		approvalMode = approval.ModeOff
	case "always":
		approvalMode = approval.ModeAlways
	}
	approvalGate := approval.New(approvalMode, time.Duration(cfg.Approval.TimeoutSeconds)*time.Second, evts, log)
	approvalHub := approval.NewHub(approvalGate, log)
	go approvalHub.Run(ctx.Done())

	runMgr := run.New(evts, store.NewFile(filepath.Join(root, "runs.json"), log), log)
	defer runMgr.Close()

	// The Action Log needs the Tool Registry's InverseApplier to replay
	// undos, but the Tool Registry needs the Action Log to append entries
	// on every mutating call: forward-declare the registry and close over
	// it, since the applier is only invoked after both exist.
	var toolReg *toolregistry.Registry
	actionLog := action.New(func(ctx context.Context, toolName string, inv action.Inverse) error {
		return toolReg.InverseApplier()(ctx, toolName, inv)
	}, evts, store.NewFile(filepath.Join(root, "actions.json"), log), log)

	toolReg = toolregistry.New(approvalGate, actionLog, evts, log)
	applySecurityPolicy(toolReg, settingsMgr)

	if err := tools.Register(toolReg); err != nil {
		log.Fatal("failed to register built-in tools", zap.Error(err))
	}

	sched := scheduler.New(schedulerPayloadHandler(runMgr, evts, log), evts, store.NewFile(filepath.Join(root, "scheduler.json"), log), log)
	go sched.Start(ctx)
	defer sched.Stop()

	workflows := swarm.NewWorkflowStore(store.NewFile(filepath.Join(root, "workflows.json"), log))
	hasActiveRun := func(nodeID string) (string, bool) { return "", false }
	startNodeRun := func(ctx context.Context, w swarm.Workflow, n swarm.Node) (string, string, string, error) {
		r := runMgr.Create(ctx, run.CreateInput{AgentID: n.AgentID, Instruction: n.Prompt})
		return r.ID, "", n.AgentID, nil
	}
	orchestrator := swarm.NewOrchestrator(workflows, runMgr, evts, startNodeRun, hasActiveRun, cfg.Swarm.OrchestrationHistory, log)

	sessions := chat.NewSessionStore(store.NewFile(filepath.Join(root, "sessions.json"), log))
	model := llm.NewAnthropicModel(os.Getenv("ANTHROPIC_API_KEY"), "")
	driftDetector := drift.New(drift.Config{Threshold: cfg.Chat.DriftThreshold})
	chatLoop := chat.NewLoop(sessions, toolReg, runMgr, evts, model, driftDetector, log)

	// The read index is a derived cache over runs/jobs (section C,
	// "Analytics/read index"): never the source of truth, so a failure to
	// open or rebuild it degrades listing performance only, not daemon
	// startup.
	var runIndex *index.Index
	if idx, err := index.Open(filepath.Join(root, "index.db"), log); err != nil {
		log.Warn("failed to open read index, listing falls back to in-memory state", zap.Error(err))
	} else if err := idx.Rebuild(runMgr, sched); err != nil {
		log.Warn("failed to rebuild read index, listing falls back to in-memory state", zap.Error(err))
		idx.Close()
	} else {
		runIndex = idx
		unsubscribe := idx.Follow(evts, runMgr)
		defer unsubscribe()
		defer idx.Close()
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Config:       cfg,
		Runs:         runMgr,
		Actions:      actionLog,
		Approvals:    approvalGate,
		ApprovalHub:  approvalHub,
		Tools:        toolReg,
		Scheduler:    sched,
		Workflows:    workflows,
		Orchestrator: orchestrator,
		Settings:     settingsMgr,
		Events:       evts,
		ChatLoop:     chatLoop,
		Index:        runIndex,
		Log:          log,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http/sse surface listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down undoable daemon")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	log.Info("undoable daemon stopped")
}

// applySecurityPolicy mirrors the settings snapshot's security policy onto
// the Tool Registry's undo-guarantee enforcement (section 4.9).
func applySecurityPolicy(reg *toolregistry.Registry, mgr *settings.Manager) {
	snap := mgr.GetSnapshot()
	switch snap.Effective.SecurityPolicy {
	case settings.SecurityStrict:
		reg.SetSecurityPolicy(toolregistry.PolicyStrict)
	case settings.SecurityPermissive:
		reg.SetSecurityPolicy(toolregistry.PolicyPermissive)
	default:
		reg.SetSecurityPolicy(toolregistry.PolicyBalanced)
	}
}

// schedulerPayloadHandler adapts scheduler job firing into a Run: every
// job's payload is treated as a run instruction (section 4.6's "the
// scheduler does not know what a payload means" contract, resolved here
// at the daemon's composition root).
func schedulerPayloadHandler(runMgr *run.Manager, events *runevents.Bus, log *logger.Logger) scheduler.PayloadHandler {
	return func(ctx context.Context, job scheduler.Job) error {
		instruction, _ := job.Payload.(string)
		if instruction == "" {
			instruction = job.Name
		}
		r := runMgr.Create(ctx, run.CreateInput{Instruction: instruction, JobID: job.ID})
		log.Info("scheduler fired job", zap.String("jobId", job.ID), zap.String("runId", r.ID))
		return nil
	}
}
