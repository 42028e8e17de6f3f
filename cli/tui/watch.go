package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/foundry-server/foundry/cli/view"
)

// pollInterval is how often the watcher re-reads the work directory.
const pollInterval = 200 * time.Millisecond

// RunWatch renders a live view of the spawn work directory at path until
// the user quits. The spawn's progress (spinner for in-progress steps,
// tick for performed, cross for errored) refreshes as the child reports.
func RunWatch(path string) error {
	model := newWatchModel(path)
	_, err := tea.NewProgram(model).Run()
	return err
}

type pollMsg struct {
	view *view.SpawnView
	err  error
}

type watchModel struct {
	path    string
	spinner spinner.Model
	view    *view.SpawnView
	loadErr error
}

func newWatchModel(path string) watchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = WarningStyle
	return watchModel{path: path, spinner: s}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.poll())
}

func (m watchModel) poll() tea.Cmd {
	path := m.path
	return tea.Tick(pollInterval, func(time.Time) tea.Msg {
		v, err := view.FromWorkDir(path)
		return pollMsg{view: v, err: err}
	})
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
	case pollMsg:
		m.view = msg.view
		m.loadErr = msg.err
		return m, m.poll()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render("foundry spawn watch"))
	b.WriteString("\n")

	switch {
	case m.loadErr != nil:
		b.WriteString(ErrorStyle.Render(m.loadErr.Error()))
		b.WriteString("\n")
	case m.view == nil:
		b.WriteString(m.spinner.View())
		b.WriteString(" reading work directory...\n")
	default:
		b.WriteString(MutedStyle.Render(m.view.WorkDir))
		b.WriteString("\n\n")
		for _, step := range m.view.Steps {
			b.WriteString(m.renderStep(step))
			b.WriteByte('\n')
		}
		if m.view.Error != nil {
			b.WriteString("\n")
			b.WriteString(BoxStyle.Render(
				ErrorStyle.Render(m.view.Error.Category) + "\n" + m.view.Error.Summary))
			b.WriteString("\n")
		}
		if m.view.Finished {
			b.WriteString("\n")
			b.WriteString(SuccessStyle.Render("spawn finished"))
			b.WriteString("\n")
		}
	}

	b.WriteString(HelpStyle.Render("q: quit"))
	b.WriteString("\n")
	return b.String()
}

func (m watchModel) renderStep(step view.StepView) string {
	var marker, name string
	switch step.State {
	case "STEP_PERFORMED":
		marker = SuccessStyle.Render("✓")
		name = step.Name
	case "STEP_ERRORED":
		marker = ErrorStyle.Render("✗")
		name = ErrorStyle.Render(step.Name)
	case "STEP_IN_PROGRESS":
		marker = m.spinner.View()
		name = WarningStyle.Render(step.Name)
	default:
		marker = MutedStyle.Render("·")
		name = MutedStyle.Render(step.Name)
	}
	if step.DurationUsec > 0 {
		return fmt.Sprintf("%s %s %s", marker, name,
			MutedStyle.Render(fmt.Sprintf("(%.2fs)", float64(step.DurationUsec)/1e6)))
	}
	return fmt.Sprintf("%s %s", marker, name)
}
