// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for various operations across the execution core.
const (
	// ApprovalTimeout is how long a pending approval waits before auto-reject.
	ApprovalTimeout = 300 * time.Second

	// ToolNetworkTimeout is the hard deadline for search/HTTP style tools.
	ToolNetworkTimeout = 10 * time.Second

	// ToolTTSTimeout is the hard deadline for TTS/STT style tools.
	ToolTTSTimeout = 30 * time.Second

	// SchedulerTickInterval is the coarse scheduler wheel cadence.
	SchedulerTickInterval = 1 * time.Second

	// RunPersistDebounce is the debounce window for run event-log flushes.
	RunPersistDebounce = 200 * time.Millisecond

	// MaxEventLogSize is the bounded FIFO capacity of a run's event log.
	MaxEventLogSize = 4000
)
