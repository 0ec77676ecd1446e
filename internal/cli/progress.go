package cli

import (
	"context"
	"fmt"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"

	"github.com/raphaelgruber/memcp-migrate/internal/migrate"
)

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// snapshotMsg carries a per-batch progress update from the job.
type snapshotMsg migrate.Snapshot

// doneMsg carries the final job outcome.
type doneMsg struct {
	result *migrate.Result
	err    error
}

// progressModel renders live migration progress.
type progressModel struct {
	progress progress.Model
	theme    Theme
	snapshot migrate.Snapshot
	result   *migrate.Result
	err      error
	done     bool
	canceled bool
	cancel   context.CancelFunc
}

func newProgressModel(cancel context.CancelFunc) progressModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)
	return progressModel{progress: prog, theme: defaultTheme, cancel: cancel}
}

func (m progressModel) Init() tea.Cmd {
	return m.progress.Init()
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			// The checkpoint makes interruption safe; the next run resumes.
			m.canceled = true
			m.cancel()
			return m, nil
		}

	case snapshotMsg:
		m.snapshot = migrate.Snapshot(msg)
		return m, nil

	case doneMsg:
		m.done = true
		m.result = msg.result
		m.err = msg.err
		return m, tea.Quit

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m progressModel) renderContent() string {
	if m.done {
		return m.finalView()
	}

	s := m.snapshot
	if s.OverallTotal == 0 {
		return "Counting source records...\n"
	}

	pct := float64(s.OverallMigrated) / float64(s.OverallTotal)
	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", s.Kind))
	bar := m.progress.ViewAs(pct)
	counts := fmt.Sprintf("%d/%d records", s.OverallMigrated, s.OverallTotal)
	hint := m.theme.hintStyle().Render("Press Ctrl+C to stop; the checkpoint resumes the run")

	return fmt.Sprintf("%s %s %s\n%s\n", status, bar, counts, hint)
}

func (m progressModel) finalView() string {
	if m.err != nil {
		if m.canceled {
			return m.theme.hintStyle().Render("\nMigration interrupted; re-run to resume from the checkpoint.\n")
		}
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Migration failed: %s\n", m.err))
	}
	return m.theme.completedStyle().Render("✓ Migration complete") + "\n"
}

// runWithProgress executes the job under the progress view. The job
// runs in a goroutine and streams batch snapshots into the UI.
func runWithProgress(ctx context.Context, job *migrate.Job, verify bool) (*migrate.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newProgressModel(cancel), tea.WithContext(ctx))

	job.SetProgressFunc(func(s migrate.Snapshot) {
		p.Send(snapshotMsg(s))
	})

	var result *migrate.Result
	var runErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		result, runErr = job.Run(ctx, verify)
		p.Send(doneMsg{result: result, err: runErr})
	}()

	// The job goroutine owns the real outcome; a UI failure (e.g. no
	// TTY) just means we wait for the job without a progress view.
	_, _ = p.Run()
	<-done
	return result, runErr
}
