package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/thruflo/ember/internal/state"
)

// isTerminal reports whether w is a terminal. Colour is only used when it is.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// painter colours text for a writer, or passes it through unchanged.
type painter struct {
	enabled bool
}

func newPainter(w io.Writer) painter {
	return painter{enabled: isTerminal(w)}
}

func (p painter) paint(c *color.Color, s string) string {
	if !p.enabled {
		return s
	}
	c.EnableColor()
	return c.Sprint(s)
}

// phase renders a phase name: green for complete, red for failed, yellow for
// escalated, cyan while working.
func (p painter) phase(ph state.Phase) string {
	switch ph {
	case state.PhaseComplete:
		return p.paint(color.New(color.FgHiGreen), string(ph))
	case state.PhaseFailed:
		return p.paint(color.New(color.FgRed), string(ph))
	case state.PhaseEscalated:
		return p.paint(color.New(color.FgYellow), string(ph))
	default:
		return p.paint(color.New(color.FgCyan), string(ph))
	}
}

func (p painter) result(r state.Result) string {
	switch r {
	case state.ResultSuccess:
		return p.paint(color.New(color.FgGreen), string(r))
	case state.ResultFailure:
		return p.paint(color.New(color.FgRed), string(r))
	default:
		return p.paint(color.New(color.FgYellow), string(r))
	}
}

func (p painter) dim(s string) string {
	return p.paint(color.New(color.Faint), s)
}

func printField(w io.Writer, label, value string) {
	fmt.Fprintf(w, "  %-14s %s\n", label+":", value)
}

func printHeading(w io.Writer, title string) {
	fmt.Fprintln(w, title)
	fmt.Fprintln(w, strings.Repeat("-", len(title)))
}

func formatTime(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)

	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
