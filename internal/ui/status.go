// Package ui renders CLI output for the status and retrieve commands:
// styled on a terminal, plain when piped.
package ui

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/chatrecall/chatrecall/internal/index"
	"github.com/chatrecall/chatrecall/internal/retrieval"
	"github.com/chatrecall/chatrecall/internal/telemetry"
)

// Color palette, 256-color codes.
const (
	colorAccent = "39"  // blue
	colorGood   = "42"  // green
	colorWarn   = "220" // yellow
	colorBad    = "196" // red
	colorDim    = "245" // gray
)

// Styles holds the render styles.
type Styles struct {
	Header lipgloss.Style
	Label  lipgloss.Style
	Good   lipgloss.Style
	Warn   lipgloss.Style
	Bad    lipgloss.Style
	Dim    lipgloss.Style
}

// DefaultStyles returns colored styles for terminal output.
func DefaultStyles() Styles {
	return Styles{
		Header: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorAccent)),
		Label:  lipgloss.NewStyle().Foreground(lipgloss.Color(colorDim)),
		Good:   lipgloss.NewStyle().Foreground(lipgloss.Color(colorGood)),
		Warn:   lipgloss.NewStyle().Foreground(lipgloss.Color(colorWarn)),
		Bad:    lipgloss.NewStyle().Foreground(lipgloss.Color(colorBad)),
		Dim:    lipgloss.NewStyle().Foreground(lipgloss.Color(colorDim)),
	}
}

// NoColorStyles returns unstyled components for plain output.
func NoColorStyles() Styles {
	return Styles{
		Header: lipgloss.NewStyle(),
		Label:  lipgloss.NewStyle(),
		Good:   lipgloss.NewStyle(),
		Warn:   lipgloss.NewStyle(),
		Bad:    lipgloss.NewStyle(),
		Dim:    lipgloss.NewStyle(),
	}
}

// AutoStyles picks styles by detecting whether w is a terminal.
func AutoStyles(w io.Writer) Styles {
	if f, ok := w.(*os.File); ok {
		if isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
			return DefaultStyles()
		}
	}
	return NoColorStyles()
}

// RenderStatus formats per-handler indexing status. counters may be
// nil when no recording sink is wired.
func RenderStatus(st Styles, statuses map[string]index.HandlerStatus, counters *telemetry.RecordingSink) string {
	var b strings.Builder
	b.WriteString(st.Header.Render("Indexing status"))
	b.WriteString("\n")

	names := make([]string, 0, len(statuses))
	for name := range statuses {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		hs := statuses[name]
		state := st.Good.Render(string(hs.State))
		if hs.State != index.StateIdle {
			state = st.Warn.Render(string(hs.State))
		}

		b.WriteString(fmt.Sprintf("  %-10s %s  %s %d/%d",
			name, state, st.Label.Render("indexed"), hs.Indexed, hs.Total))
		if hs.Pending > 0 {
			b.WriteString(st.Warn.Render(fmt.Sprintf("  %d pending", hs.Pending)))
		}

		if counters != nil {
			c := counters.Handler(name)
			if c.Failed > 0 {
				b.WriteString(st.Bad.Render(fmt.Sprintf("  %d failed", c.Failed)))
			}
			if c.Backoffs > 0 {
				b.WriteString(st.Warn.Render(fmt.Sprintf("  %d backoffs", c.Backoffs)))
			}
		}
		b.WriteString("\n")
	}

	if len(names) == 0 {
		b.WriteString(st.Dim.Render("  no indexers registered"))
		b.WriteString("\n")
	}
	return b.String()
}

// RenderResult formats one retrieval result for the retrieve command.
func RenderResult(st Styles, res *retrieval.Result) string {
	var b strings.Builder

	conf := string(res.Confidence.Level)
	var styled string
	switch res.Confidence.Level {
	case retrieval.LevelHigh:
		styled = st.Good.Render(conf)
	case retrieval.LevelMedium:
		styled = st.Warn.Render(conf)
	case retrieval.LevelLow:
		styled = st.Warn.Render(conf)
	default:
		styled = st.Bad.Render(conf)
	}
	b.WriteString(st.Header.Render("Confidence: "))
	b.WriteString(styled)
	b.WriteString(st.Dim.Render("  (" + res.Confidence.Reason + ")"))
	b.WriteString("\n")

	if len(res.Hits) == 0 {
		b.WriteString(st.Dim.Render("No passages found."))
		b.WriteString("\n")
		return b.String()
	}

	for i, h := range res.Hits {
		marker := " "
		if h.Corroborated() {
			marker = st.Good.Render("*")
		}
		b.WriteString(fmt.Sprintf("%2d.%s %s %s\n",
			i+1, marker,
			st.Dim.Render(fmt.Sprintf("[%.4f]", h.FusedScore)),
			h.DisplayText))
	}
	b.WriteString(st.Dim.Render(fmt.Sprintf("\n%d passages, * = corroborated, trace %s", len(res.Hits), res.TraceID)))
	b.WriteString("\n")
	return b.String()
}
