package chat

import "github.com/undoable/undoable/internal/common/config"

// Mode is the run mode a turn executes under.
type Mode string

const (
	ModeNormal   Mode = "normal"
	ModeShadow   Mode = "shadow"
	ModeReadOnly Mode = "read_only"
)

// RunConfig is the per-turn snapshot the Chat/Tool Loop is driven by,
// carried in section 4.7's inputs.
type RunConfig struct {
	Mode          Mode
	MaxIterations int
	ApprovalMode  string
	EconomyMode   bool
	Thinking      bool

	ContextMaxTokens  int
	CompactThreshold  float64
	ToolResultMaxChar int
	DriftThreshold    float64
}

// economyIterationFloor is the minimum iteration cap economy mode will
// ever produce, regardless of the configured base.
const economyIterationFloor = 3

// NewRunConfig builds a RunConfig from daemon config, applying the
// economy-mode multipliers fixed as an Open Question decision: iteration
// cap x0.5 (floor 3), tool-result truncation cap x0.5, context budget
// threshold x0.75.
func NewRunConfig(cfg *config.ChatConfig, mode Mode, approvalMode string, economyMode, thinking bool) RunConfig {
	rc := RunConfig{
		Mode:              mode,
		MaxIterations:     cfg.MaxIterations,
		ApprovalMode:      approvalMode,
		EconomyMode:       economyMode,
		Thinking:          thinking,
		ContextMaxTokens:  cfg.ContextMaxTokens,
		CompactThreshold:  cfg.CompactThreshold,
		ToolResultMaxChar: cfg.ToolResultMaxChar,
		DriftThreshold:    cfg.DriftThreshold,
	}
	if economyMode {
		rc.MaxIterations = rc.MaxIterations / 2
		if rc.MaxIterations < economyIterationFloor {
			rc.MaxIterations = economyIterationFloor
		}
		rc.ToolResultMaxChar = rc.ToolResultMaxChar / 2
		rc.CompactThreshold = rc.CompactThreshold * 0.75
	}
	return rc
}
