// Package report renders test reports and session status lines to the
// terminal, with a JSON mode for scripting.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"devloop/internal/testloop"
)

var (
	// Semantic colors for phase outcomes
	successColor = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	failureColor = lipgloss.AdaptiveColor{Light: "#FF6B6B", Dark: "#FF8787"}
	infraColor   = lipgloss.AdaptiveColor{Light: "#FECA57", Dark: "#FECA57"}
	mutedColor   = lipgloss.AdaptiveColor{Light: "#6C7086", Dark: "#9399B2"}

	passStyle   = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(failureColor).Bold(true)
	infraStyle  = lipgloss.NewStyle().Foreground(infraColor).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(mutedColor)
	headerStyle = lipgloss.NewStyle().Bold(true)
)

// Formatter writes reports to a single destination.
type Formatter struct {
	writer io.Writer
	json   bool
}

// NewFormatter creates a formatter. When jsonOut is set, all output is
// machine-readable JSON instead of styled text.
func NewFormatter(writer io.Writer, jsonOut bool) *Formatter {
	return &Formatter{writer: writer, json: jsonOut}
}

// FormatTestReport renders one test run.
func (f *Formatter) FormatTestReport(r *testloop.Report) error {
	if f.json {
		encoder := json.NewEncoder(f.writer)
		encoder.SetIndent("", "  ")
		return encoder.Encode(r)
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("test run (%s)", r.Mode)))
	b.WriteString("\n")

	for _, p := range r.Phases {
		b.WriteString("  ")
		b.WriteString(phaseBadge(p))
		b.WriteString(fmt.Sprintf(" %-6s", p.Name))
		b.WriteString(mutedStyle.Render(formatDuration(p.Duration)))
		b.WriteString("\n")

		if len(p.Excerpt) > 0 {
			for _, line := range p.Excerpt {
				b.WriteString(mutedStyle.Render("      " + line))
				b.WriteString("\n")
			}
		}
	}

	b.WriteString(summaryLine(r))
	b.WriteString("\n")
	_, err := io.WriteString(f.writer, b.String())
	return err
}

// FormatStatus renders a one-line session status ("engine ready",
// "app restarted" and the like) during run mode.
func (f *Formatter) FormatStatus(component, state string) error {
	if f.json {
		return json.NewEncoder(f.writer).Encode(map[string]string{
			"component": component,
			"state":     state,
		})
	}
	style := mutedStyle
	switch state {
	case "ready", "healthy", "passed":
		style = passStyle
	case "failed", "crashed":
		style = failStyle
	case "degraded", "recovering", "recovered":
		style = infraStyle
	}
	_, err := fmt.Fprintf(f.writer, "%s %s\n", style.Render("●"), component+" "+state)
	return err
}

// FormatError renders a terminal failure with its diagnostic excerpt.
func (f *Formatter) FormatError(err error, excerpt []string) error {
	if f.json {
		return json.NewEncoder(f.writer).Encode(map[string]any{
			"error":   err.Error(),
			"excerpt": excerpt,
		})
	}
	var b strings.Builder
	b.WriteString(failStyle.Render("error: "))
	b.WriteString(err.Error())
	b.WriteString("\n")
	for _, line := range excerpt {
		b.WriteString(mutedStyle.Render("  " + line))
		b.WriteString("\n")
	}
	_, werr := io.WriteString(f.writer, b.String())
	return werr
}

// HistoryEntry is the subset of a recorded session the history listing
// needs. Declared here to keep report free of a storage dependency.
type HistoryEntry struct {
	ID        string    `json:"id"`
	Mode      string    `json:"mode"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	ExitCode  int       `json:"exit_code"`
	Recovery  bool      `json:"recovery"`
	Restarts  int       `json:"restarts"`
}

// FormatHistory renders recent sessions, newest first.
func (f *Formatter) FormatHistory(entries []HistoryEntry) error {
	if f.json {
		encoder := json.NewEncoder(f.writer)
		encoder.SetIndent("", "  ")
		return encoder.Encode(entries)
	}

	if len(entries) == 0 {
		_, err := io.WriteString(f.writer, mutedStyle.Render("no recorded sessions")+"\n")
		return err
	}

	var b strings.Builder
	for _, e := range entries {
		badge := passStyle.Render("ok  ")
		switch {
		case e.ExitCode == 130:
			badge = mutedStyle.Render("int ")
		case e.ExitCode >= 2:
			badge = infraStyle.Render("env ")
		case e.ExitCode != 0:
			badge = failStyle.Render("fail")
		}
		b.WriteString(badge)
		b.WriteString(fmt.Sprintf(" %s  %-4s  %s",
			e.StartedAt.Local().Format("2006-01-02 15:04:05"),
			e.Mode,
			formatDuration(e.EndedAt.Sub(e.StartedAt))))
		if e.Recovery {
			b.WriteString(infraStyle.Render("  recovered"))
		}
		if e.Restarts > 0 {
			b.WriteString(mutedStyle.Render(fmt.Sprintf("  %d restarts", e.Restarts)))
		}
		b.WriteString("\n")
	}
	_, err := io.WriteString(f.writer, b.String())
	return err
}

func phaseBadge(p testloop.Phase) string {
	switch {
	case p.Passed:
		return passStyle.Render("PASS")
	case p.Infra:
		return infraStyle.Render("INFRA")
	default:
		return failStyle.Render("FAIL")
	}
}

func summaryLine(r *testloop.Report) string {
	if !r.Failed() {
		return passStyle.Render("all phases passed")
	}
	for _, p := range r.Phases {
		if !p.Passed && p.Infra {
			return infraStyle.Render("environment failure") +
				mutedStyle.Render(" (exit "+fmt.Sprint(r.ExitCode)+")")
		}
	}
	return failStyle.Render("tests failed") +
		mutedStyle.Render(" (exit "+fmt.Sprint(r.ExitCode)+")")
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(10 * time.Millisecond).String()
}
