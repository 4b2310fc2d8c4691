package tui

import (
	"context"
	"errors"
	"io"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Veraticus/taxflow/internal/cli"
)

// Run shows every open question full-screen until the last one is answered
// or the user quits. Answers already recorded stay recorded.
func Run(ctx context.Context, sets []cli.PendingSet, sink cli.AnswerSink, in io.Reader, out io.Writer) (cli.SessionStats, error) {
	m := New(ctx, sets, sink)
	if len(m.items) == 0 {
		return cli.SessionStats{}, nil
	}

	opts := []tea.ProgramOption{tea.WithContext(ctx), tea.WithAltScreen()}
	if in != nil {
		opts = append(opts, tea.WithInput(in))
	}
	if out != nil {
		opts = append(opts, tea.WithOutput(out))
	}
	final, err := tea.NewProgram(m, opts...).Run()

	stats := m.Stats()
	if fm, ok := final.(Model); ok {
		stats = fm.Stats()
	}
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return stats, ctx.Err()
	}
	return stats, err
}
