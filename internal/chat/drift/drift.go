// Package drift implements the drift detector/stabilizer referenced in the
// Chat/Tool Loop's turn algorithm step 2: a deterministic heuristic scorer
// over the last user message and a recent-turn window, compared against a
// configurable threshold to decide whether to inject a reinforcement
// ("stabilizer") system message.
package drift

import (
	"fmt"
	"strings"
)

// Axis names the conversational guardrail the detector watches for
// divergence from. An empty Axes config disables keyword-distance scoring
// and the detector falls back to repetition-only signal.
type Axis struct {
	Name     string
	Keywords []string
}

// Config tunes the detector. Threshold is compared against the combined
// 0..1 score; Window bounds how many trailing user turns feed the
// repetition-ratio signal.
type Config struct {
	Axes      []Axis
	Threshold float64
	Window    int
}

// DefaultConfig returns reasonable constants: a threshold requiring a
// fairly strong signal, and a 6-turn trailing window.
func DefaultConfig() Config {
	return Config{Threshold: 0.62, Window: 6}
}

// Turn is one user message in the trailing window used for repetition
// scoring, oldest first.
type Turn struct {
	Content string
}

// Result is the detector's output for one evaluation.
type Result struct {
	Score          float64
	Triggered      bool
	DivergedAxis   string
	RepetitionRate float64
}

// Detector scores drift deterministically from keyword-axis distance and
// repetition ratio, never from a model call, so it can run unconditionally
// before every streaming completion and stays test-friendly (spec's own
// emphasis on deterministic tests).
type Detector struct {
	cfg Config
}

// New constructs a Detector. A zero-value Config falls back to
// DefaultConfig.
func New(cfg Config) *Detector {
	if cfg.Threshold <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	return &Detector{cfg: cfg}
}

// Evaluate scores the last user message against the configured axes and
// the trailing window for repetition, returning whether the combined
// signal crosses Threshold.
func (d *Detector) Evaluate(lastMessage string, window []Turn) Result {
	axisScore, axis := d.axisDistanceScore(lastMessage)
	repScore := repetitionRatio(window, d.cfg.Window)

	// Either signal alone can trigger: an off-axis message, or a strongly
	// repetitive tail, both indicate drift independently.
	combined := axisScore
	if repScore > combined {
		combined = repScore
	}

	return Result{
		Score:          combined,
		Triggered:      combined >= d.cfg.Threshold,
		DivergedAxis:   axis,
		RepetitionRate: repScore,
	}
}

// axisDistanceScore returns 1.0 when the message shares no keyword overlap
// with any configured axis (maximal "distance"), scaling down toward 0 as
// overlap increases. With no axes configured it returns 0 (no signal).
func (d *Detector) axisDistanceScore(message string) (float64, string) {
	if len(d.cfg.Axes) == 0 {
		return 0, ""
	}
	lower := strings.ToLower(message)
	words := strings.Fields(lower)
	if len(words) == 0 {
		return 0, ""
	}

	bestOverlap := 0.0
	bestAxis := d.cfg.Axes[0].Name
	for _, axis := range d.cfg.Axes {
		if len(axis.Keywords) == 0 {
			continue
		}
		hits := 0
		for _, kw := range axis.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				hits++
			}
		}
		overlap := float64(hits) / float64(len(axis.Keywords))
		if overlap > bestOverlap {
			bestOverlap = overlap
			bestAxis = axis.Name
		}
	}
	return 1 - bestOverlap, bestAxis
}

// repetitionRatio scores how much the trailing window of user turns
// repeats itself: 1.0 when every turn in the window is identical to the
// previous one, 0 when the window has no duplicate adjacent turns.
func repetitionRatio(window []Turn, maxWindow int) float64 {
	if len(window) > maxWindow {
		window = window[len(window)-maxWindow:]
	}
	if len(window) < 2 {
		return 0
	}
	repeats := 0
	for i := 1; i < len(window); i++ {
		a := strings.TrimSpace(strings.ToLower(window[i-1].Content))
		b := strings.TrimSpace(strings.ToLower(window[i].Content))
		if a != "" && a == b {
			repeats++
		}
	}
	return float64(repeats) / float64(len(window)-1)
}

// StabilizerMessage builds the injected reinforcement system message for a
// triggered Result, with the three fixed sections the spec's design notes
// name: persistent goals, axis guardrails, and a recent-context tail.
func StabilizerMessage(res Result, persistentGoals string, axes []Axis, tail []Turn) string {
	var b strings.Builder
	b.WriteString("## Persistent Goals\n")
	if persistentGoals != "" {
		b.WriteString(persistentGoals)
	} else {
		b.WriteString("(none recorded for this session)")
	}
	b.WriteString("\n\n## Assistant Axis Guardrails\n")
	if res.DivergedAxis != "" {
		b.WriteString(fmt.Sprintf("Detected divergence from axis %q (score %.2f). Re-center on it before proceeding.\n", res.DivergedAxis, res.Score))
	}
	for _, axis := range axes {
		b.WriteString(fmt.Sprintf("- %s: %s\n", axis.Name, strings.Join(axis.Keywords, ", ")))
	}
	b.WriteString("\n## Recent Context Tail\n")
	if len(tail) == 0 {
		b.WriteString("(no prior turns)")
	}
	for i, t := range tail {
		b.WriteString(fmt.Sprintf("%d. %s\n", i+1, t.Content))
	}
	return b.String()
}
