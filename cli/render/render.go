// Package render provides centralized output rendering for the Foundry
// CLI.
//
// Format selection rules:
//   - If output is a TTY, default to table
//   - If output is not a TTY, default to json
//   - --format always overrides defaults
//   - Invalid formats are errors
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/foundry-server/foundry/cli/view"
)

// Format represents an output format.
type Format string

// Supported formats.
const (
	FormatJSON  Format = "json"
	FormatTable Format = "table"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses a format string, returning an error for invalid
// formats.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "table":
		return FormatTable, nil
	case "yaml":
		return FormatYAML, nil
	case "":
		return "", nil // Let caller decide default
	default:
		return "", fmt.Errorf("invalid format: %q (must be json, table, or yaml)", s)
	}
}

// Renderer handles output formatting.
type Renderer struct {
	format  Format
	noColor bool
	out     io.Writer
}

// NewRenderer creates a renderer from CLI context, applying the format
// selection rules.
func NewRenderer(c *cli.Context) (*Renderer, error) {
	format, err := ParseFormat(c.String("format"))
	if err != nil {
		return nil, err
	}
	if format == "" {
		if isatty.IsTerminal(os.Stdout.Fd()) {
			format = FormatTable
		} else {
			format = FormatJSON
		}
	}
	return &Renderer{
		format:  format,
		noColor: c.Bool("no-color"),
		out:     os.Stdout,
	}, nil
}

// NewRendererWithWriter creates a renderer with a custom writer (for
// testing).
func NewRendererWithWriter(format Format, noColor bool, out io.Writer) *Renderer {
	return &Renderer{format: format, noColor: noColor, out: out}
}

// RenderSpawn outputs a spawn view in the configured format.
func (r *Renderer) RenderSpawn(v *view.SpawnView) error {
	switch r.format {
	case FormatJSON:
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(r.out)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case FormatTable:
		return r.renderSpawnTable(v)
	default:
		return fmt.Errorf("unknown format: %s", r.format)
	}
}

var (
	performedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	inProgressStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	erroredStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	mutedStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

// StateMark returns the one-character marker for a step state.
func StateMark(state string) string {
	switch state {
	case "STEP_PERFORMED":
		return "✓"
	case "STEP_ERRORED":
		return "✗"
	case "STEP_IN_PROGRESS":
		return "…"
	default:
		return "·"
	}
}

func (r *Renderer) styleFor(state string) lipgloss.Style {
	switch state {
	case "STEP_PERFORMED":
		return performedStyle
	case "STEP_ERRORED":
		return erroredStyle
	case "STEP_IN_PROGRESS":
		return inProgressStyle
	default:
		return mutedStyle
	}
}

func (r *Renderer) paint(state, text string) string {
	if r.noColor {
		return text
	}
	return r.styleFor(state).Render(text)
}

func (r *Renderer) renderSpawnTable(v *view.SpawnView) error {
	fmt.Fprintf(r.out, "Work dir:  %s\n", v.WorkDir)
	fmt.Fprintf(r.out, "Finished:  %v\n\n", v.Finished)

	w := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  \tSTEP\tSTATE\tDURATION")
	for _, step := range v.Steps {
		duration := "-"
		if step.DurationUsec > 0 {
			duration = fmt.Sprintf("%.2fs", float64(step.DurationUsec)/1e6)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			r.paint(step.State, StateMark(step.State)),
			step.Name,
			r.paint(step.State, step.State),
			duration)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if v.Error != nil {
		fmt.Fprintf(r.out, "\n%s %s\n", r.paint("STEP_ERRORED", "Error:"), v.Error.Category)
		fmt.Fprintf(r.out, "  %s\n", v.Error.Summary)
		if v.Error.AdvancedProblemDetails != "" && v.Error.AdvancedProblemDetails != v.Error.Summary {
			fmt.Fprintf(r.out, "  %s\n", v.Error.AdvancedProblemDetails)
		}
	}
	if len(v.Sockets) > 0 {
		fmt.Fprintln(r.out, "\nSockets:")
		for _, socket := range v.Sockets {
			fmt.Fprintf(r.out, "  %s (%s, concurrency=%d, http=%v)\n",
				socket.Address, socket.Protocol, socket.Concurrency, socket.AcceptHTTPRequests)
		}
	}
	if len(v.Annotations) > 0 {
		fmt.Fprintln(r.out, "\nAnnotations:")
		for name, value := range v.Annotations {
			fmt.Fprintf(r.out, "  %s: %s\n", name, value)
		}
	}
	return nil
}
