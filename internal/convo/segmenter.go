package convo

import (
	"strings"
	"time"
)

// Segmenter defaults. All of these are tunables surfaced through config;
// the values mirror what works for typical group-chat traffic.
const (
	DefaultDialogGap       = 30 * time.Minute
	DefaultMinWindowSize   = 4
	DefaultMaxWindowSize   = 12
	DefaultWindowStep      = 6
	DefaultMinMessageChars = 2
)

// SegmenterConfig controls dialog segmentation and window construction.
type SegmenterConfig struct {
	// DialogGap is the silence duration that starts a new dialog.
	DialogGap time.Duration

	// MinWindowSize is the smallest window emitted. Dialogs shorter than
	// this are dropped (their messages remain reachable through the
	// message-level index).
	MinWindowSize int

	// MaxWindowSize is the largest window emitted.
	MaxWindowSize int

	// Step is the advance between overlapping windows in long dialogs.
	// Must be < MaxWindowSize to produce overlap.
	Step int

	// MinMessageChars filters out messages whose trimmed text is shorter.
	MinMessageChars int
}

// DefaultSegmenterConfig returns the default segmentation parameters.
func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		DialogGap:       DefaultDialogGap,
		MinWindowSize:   DefaultMinWindowSize,
		MaxWindowSize:   DefaultMaxWindowSize,
		Step:            DefaultWindowStep,
		MinMessageChars: DefaultMinMessageChars,
	}
}

// normalized returns the config with invalid values replaced by defaults.
func (c SegmenterConfig) normalized() SegmenterConfig {
	d := DefaultSegmenterConfig()
	if c.DialogGap <= 0 {
		c.DialogGap = d.DialogGap
	}
	if c.MinWindowSize <= 0 {
		c.MinWindowSize = d.MinWindowSize
	}
	if c.MaxWindowSize < c.MinWindowSize {
		c.MaxWindowSize = d.MaxWindowSize
		if c.MaxWindowSize < c.MinWindowSize {
			c.MaxWindowSize = c.MinWindowSize
		}
	}
	if c.Step <= 0 || c.Step >= c.MaxWindowSize {
		c.Step = (c.MaxWindowSize + 1) / 2
	}
	if c.MinMessageChars <= 0 {
		c.MinMessageChars = d.MinMessageChars
	}
	return c
}

// Segmenter splits a chronological message stream into dialogs and builds
// overlapping windows aligned to dialog boundaries.
//
// Windows are a derived cache: recomputing over the same message range
// yields identical (conversation, center) keys, so upsert semantics absorb
// reruns.
type Segmenter struct {
	cfg SegmenterConfig
}

// NewSegmenter creates a segmenter, normalizing invalid config values.
func NewSegmenter(cfg SegmenterConfig) *Segmenter {
	return &Segmenter{cfg: cfg.normalized()}
}

// Config returns the effective (normalized) configuration.
func (s *Segmenter) Config() SegmenterConfig {
	return s.cfg
}

// Windows computes all windows for the given time-ordered messages.
// afterCenter is the resume cursor: windows whose center is not strictly
// greater are suppressed so re-runs only emit new work.
func (s *Segmenter) Windows(messages []Message, afterCenter int64) []Window {
	windows := make([]Window, 0)
	for _, dialog := range s.segment(s.filter(messages)) {
		for _, w := range s.windowDialog(dialog) {
			if w.CenterID > afterCenter {
				windows = append(windows, w)
			}
		}
	}
	return windows
}

// filter drops messages with empty or near-empty text.
func (s *Segmenter) filter(messages []Message) []Message {
	kept := make([]Message, 0, len(messages))
	for _, m := range messages {
		if len(strings.TrimSpace(m.Text)) >= s.cfg.MinMessageChars {
			kept = append(kept, m)
		}
	}
	return kept
}

// segment splits messages into dialogs on time gaps. Single left-to-right
// pass, O(n).
func (s *Segmenter) segment(messages []Message) [][]Message {
	if len(messages) == 0 {
		return nil
	}

	var dialogs [][]Message
	start := 0
	for i := 1; i < len(messages); i++ {
		if messages[i].Timestamp.Sub(messages[i-1].Timestamp) > s.cfg.DialogGap {
			dialogs = append(dialogs, messages[start:i])
			start = i
		}
	}
	return append(dialogs, messages[start:])
}

// windowDialog emits the windows for one dialog.
//
// Dialogs within [min, max] become exactly one window. Longer dialogs get
// overlapping windows of size max advancing by step; an uncovered tail of
// at least min messages gets one final window over the last max messages,
// which may overlap the previous window.
func (s *Segmenter) windowDialog(dialog []Message) []Window {
	n := len(dialog)
	if n < s.cfg.MinWindowSize {
		return nil
	}

	if n <= s.cfg.MaxWindowSize {
		return []Window{newWindow(dialog)}
	}

	var windows []Window
	covered := 0
	for i := 0; i+s.cfg.MaxWindowSize <= n; i += s.cfg.Step {
		windows = append(windows, newWindow(dialog[i:i+s.cfg.MaxWindowSize]))
		covered = i + s.cfg.MaxWindowSize
	}

	if tail := n - covered; tail >= s.cfg.MinWindowSize {
		windows = append(windows, newWindow(dialog[n-s.cfg.MaxWindowSize:]))
	}

	return windows
}
