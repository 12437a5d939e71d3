package sinks

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/key"
	progressbar "github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/JakeFAU/progresswatch/internal/progress"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED")).
			MarginBottom(1)
	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#E5E7EB")).
			Width(24)
	countStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280"))
	doneStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#10B981"))
	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#10B981"))
	brokenStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#EF4444"))
	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280")).
			MarginTop(1)
)

var quitKey = key.NewBinding(
	key.WithKeys("q", "ctrl+c"),
	key.WithHelp("q", "quit"),
)

const (
	defaultBarWidth = 40
	maxBarWidth     = 80
	childIndent     = "  "
)

// UpdatesMsg carries a batch of bar updates into the Bubble Tea program.
type UpdatesMsg []progress.Update

// StatusMsg replaces the connection status line.
type StatusMsg struct {
	Text    string
	Healthy bool
}

// BarsModel is a Bubble Tea model that draws every tracked bar, children
// indented under their request's summary.
type BarsModel struct {
	bars     map[string]progress.BarState
	bar      progressbar.Model
	status   StatusMsg
	quitting bool
}

// NewBarsModel creates an empty model.
func NewBarsModel() BarsModel {
	return BarsModel{
		bars: make(map[string]progress.BarState),
		bar: progressbar.New(
			progressbar.WithDefaultGradient(),
			progressbar.WithWidth(defaultBarWidth),
			progressbar.WithoutPercentage(),
		),
		status: StatusMsg{Text: "connecting"},
	}
}

// Init implements tea.Model.
func (m BarsModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m BarsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		width := msg.Width - labelStyle.GetWidth() - 24
		m.bar.Width = max(10, min(width, maxBarWidth))
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, quitKey) {
			m.quitting = true
			return m, tea.Quit
		}

	case UpdatesMsg:
		bars := make(map[string]progress.BarState, len(m.bars)+len(msg))
		for id, bar := range m.bars {
			bars[id] = bar
		}
		for _, u := range msg {
			if u.Kind == progress.UpdateDisposed {
				delete(bars, u.Bar.BarID)
				continue
			}
			bars[u.Bar.BarID] = u.Bar
		}
		m.bars = bars
		return m, nil

	case StatusMsg:
		m.status = msg
		return m, nil
	}

	return m, nil
}

// View implements tea.Model.
func (m BarsModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("progresswatch"))
	b.WriteString("\n")

	if len(m.bars) == 0 {
		b.WriteString(countStyle.Render("waiting for progress..."))
		b.WriteString("\n")
	}
	for _, bar := range m.sorted() {
		b.WriteString(m.renderBar(bar))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.status.Healthy {
		b.WriteString(healthyStyle.Render("● " + m.status.Text))
	} else {
		b.WriteString(brokenStyle.Render("● " + m.status.Text))
	}
	b.WriteString(helpStyle.Render("\nPress q or Ctrl+C to quit"))
	return b.String()
}

func (m BarsModel) renderBar(bar progress.BarState) string {
	label := bar.Label()
	if !bar.Summary {
		label = childIndent + label
	}
	counts := fmt.Sprintf(" %3.0f%% %s/%s", bar.Percent(), formatCount(bar.N), formatCount(bar.Total))
	if bar.Rate != nil {
		counts += fmt.Sprintf(" %.1f/s", *bar.Rate)
	}
	line := labelStyle.Render(label) + m.bar.ViewAs(bar.Percent()/100) + countStyle.Render(counts)
	if bar.Completed {
		line += doneStyle.Render(" ✓")
	}
	return line
}

func (m BarsModel) sorted() []progress.BarState {
	out := make([]progress.BarState, 0, len(m.bars))
	for _, bar := range m.bars {
		out = append(out, bar)
	}
	slices.SortFunc(out, func(a, b progress.BarState) int {
		if c := cmp.Compare(a.RequestID, b.RequestID); c != 0 {
			return c
		}
		if a.Summary != b.Summary {
			if a.Summary {
				return -1
			}
			return 1
		}
		return cmp.Compare(a.BarID, b.BarID)
	})
	return out
}

func formatCount(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.1f", v)
}

// TUISink renders bars in the terminal with Bubble Tea. The program runs on
// its own goroutine from construction until Close or until the user quits.
type TUISink struct {
	program *tea.Program
	done    chan struct{}
	err     error

	closeOnce sync.Once
}

// NewTUISink starts the terminal program. Options are passed to
// tea.NewProgram, e.g. tea.WithOutput for tests.
func NewTUISink(opts ...tea.ProgramOption) *TUISink {
	s := &TUISink{
		program: tea.NewProgram(NewBarsModel(), opts...),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		if _, err := s.program.Run(); err != nil {
			s.err = fmt.Errorf("run terminal ui: %w", err)
		}
	}()
	return s
}

// Consume hands the batch to the program.
func (s *TUISink) Consume(_ context.Context, batch []progress.Update) error {
	select {
	case <-s.done:
		return nil
	default:
	}
	s.program.Send(UpdatesMsg(append([]progress.Update(nil), batch...)))
	return nil
}

// SetStatus updates the connection status line.
func (s *TUISink) SetStatus(text string, healthy bool) {
	select {
	case <-s.done:
		return
	default:
	}
	s.program.Send(StatusMsg{Text: text, Healthy: healthy})
}

// Done is closed once the program exits, including when the user quits.
func (s *TUISink) Done() <-chan struct{} {
	return s.done
}

// Close stops the program and waits for it to restore the terminal.
func (s *TUISink) Close(ctx context.Context) error {
	s.closeOnce.Do(s.program.Quit)
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return fmt.Errorf("terminal ui close wait: %w", ctx.Err())
	}
}
