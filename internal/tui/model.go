// Package tui is a full-screen answer session built on Bubble Tea. It asks
// the same open questions as the line prompter and feeds answers to the
// same sink.
package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Veraticus/taxflow/internal/cli"
	"github.com/Veraticus/taxflow/internal/document"
	"github.com/Veraticus/taxflow/internal/model"
)

type item struct {
	set      model.QuestionSet
	question model.GeneratedAnswer
}

// answerResultMsg reports the sink's verdict on a submitted answer.
type answerResultMsg struct {
	err error
}

var selectedStyle = lipgloss.NewStyle().Foreground(cli.PrimaryColor).Bold(true)

// Model is the Bubble Tea model for one answer session.
type Model struct {
	start      time.Time
	ctx        context.Context
	sink       cli.AnswerSink
	now        func() time.Time
	keys       KeyMap
	status     string
	items      []item
	input      textinput.Model
	spinner    spinner.Model
	help       help.Model
	stats      cli.SessionStats
	current    int
	cursor     int
	width      int
	statusErr  bool
	submitting bool
	quitting   bool
}

// New builds a model over every open question in sets.
func New(ctx context.Context, sets []cli.PendingSet, sink cli.AnswerSink) Model {
	var items []item
	for _, s := range sets {
		for _, q := range s.Open() {
			items = append(items, item{set: s.Set, question: q})
		}
	}

	input := textinput.New()
	input.Placeholder = "Type an answer..."
	input.CharLimit = 500

	m := Model{
		ctx:     ctx,
		sink:    sink,
		items:   items,
		keys:    DefaultKeyMap(),
		input:   input,
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
		help:    help.New(),
		now:     time.Now,
		width:   80,
	}
	m.start = m.now()
	m.prepare()
	return m
}

// Stats returns the session counters so far.
func (m Model) Stats() cli.SessionStats {
	s := m.stats
	s.Duration = m.now().Sub(m.start)
	return s
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	if len(m.items) == 0 {
		return tea.Quit
	}
	if m.isText() {
		return textinput.Blink
	}
	return nil
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		m.input.Width = max(msg.Width-8, 20)
		return m, nil

	case answerResultMsg:
		m.submitting = false
		if msg.err != nil {
			m.stats.Rejected++
			m.setStatus(fmt.Sprintf("Answer to %s not recorded: %v", m.item().question.ID, msg.err), true)
		} else {
			m.stats.Answered++
			m.setStatus(fmt.Sprintf("Recorded %s", m.item().question.ID), false)
		}
		return m.advance()

	case spinner.TickMsg:
		if !m.submitting {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	if m.isText() {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Quit) {
		m.quitting = true
		return m, tea.Quit
	}
	if m.submitting || m.quitting {
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Skip):
		m.stats.Asked++
		m.stats.Skipped++
		m.setStatus(fmt.Sprintf("Skipped %s", m.item().question.ID), false)
		return m.advance()

	case key.Matches(msg, m.keys.Submit):
		value := m.value()
		if value == "" {
			m.stats.Asked++
			m.stats.Skipped++
			return m.advance()
		}
		return m.submit(value)
	}

	if m.isText() {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	switch {
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
	case key.Matches(msg, m.keys.Up):
		m.cursor = max(m.cursor-1, 0)
	case key.Matches(msg, m.keys.Down):
		m.cursor = min(m.cursor+1, len(m.item().question.Options)-1)
	default:
		if n, err := strconv.Atoi(msg.String()); err == nil && n >= 1 && n <= len(m.item().question.Options) {
			m.cursor = n - 1
			return m.submit(m.value())
		}
	}
	return m, nil
}

func (m Model) submit(value string) (tea.Model, tea.Cmd) {
	m.stats.Asked++
	m.submitting = true
	answer := model.Answer{
		ReceivedAt:    m.now(),
		TransactionID: m.item().set.Transaction.ID,
		QuestionID:    m.item().question.ID,
		Value:         value,
	}
	ctx, sink := m.ctx, m.sink
	return m, tea.Batch(m.spinner.Tick, func() tea.Msg {
		return answerResultMsg{err: sink.HandleAnswer(ctx, answer)}
	})
}

func (m Model) advance() (tea.Model, tea.Cmd) {
	m.current++
	if m.current >= len(m.items) {
		m.quitting = true
		return m, tea.Quit
	}
	m.prepare()
	if m.isText() {
		return m, textinput.Blink
	}
	return m, nil
}

// prepare resets the widgets for the current question.
func (m *Model) prepare() {
	m.cursor = 0
	m.input.SetValue("")
	if m.isText() {
		m.input.Focus()
	} else {
		m.input.Blur()
	}
}

func (m *Model) setStatus(s string, isErr bool) {
	m.status = s
	m.statusErr = isErr
}

func (m Model) item() item {
	return m.items[min(m.current, len(m.items)-1)]
}

func (m Model) isText() bool {
	if m.current >= len(m.items) {
		return false
	}
	q := m.item().question
	return q.QuestionType != model.QuestionSingleChoice || len(q.Options) == 0
}

func (m Model) value() string {
	if m.isText() {
		return strings.TrimSpace(m.input.Value())
	}
	opts := m.item().question.Options
	if m.cursor < 0 || m.cursor >= len(opts) {
		return ""
	}
	return opts[m.cursor]
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting || len(m.items) == 0 {
		return ""
	}
	it := m.item()
	var b strings.Builder

	b.WriteString(cli.TitleStyle.Render(fmt.Sprintf("%s Question %d of %d", cli.QuestionIcon, m.current+1, len(m.items))))
	b.WriteString("\n")
	b.WriteString(renderTransaction(it.set))
	b.WriteString("\n\n")
	b.WriteString(cli.BoldStyle.Render(it.question.Content))
	b.WriteString("\n")

	if m.isText() {
		b.WriteString("  " + m.input.View())
	} else {
		for i, o := range it.question.Options {
			line := fmt.Sprintf("  [%d] %s", i+1, o)
			if i == m.cursor {
				line = selectedStyle.Render("▸ " + line[2:])
			}
			b.WriteString(line + "\n")
		}
	}
	if src := it.question.Source; src != "" && src != model.OutsideContext {
		b.WriteString("\n  " + cli.SubtleStyle.Render("source: "+src))
	}

	b.WriteString("\n\n")
	switch {
	case m.submitting:
		b.WriteString(m.spinner.View() + " Recording answer...")
	case m.status != "" && m.statusErr:
		b.WriteString(cli.FormatError(m.status))
	case m.status != "":
		b.WriteString(cli.SubtleStyle.Render(m.status))
	}
	b.WriteString("\n" + m.help.View(m.keys))
	return b.String()
}

func renderTransaction(set model.QuestionSet) string {
	t := set.Transaction
	body := fmt.Sprintf("  Date: %s\n", t.Timestamp.Format("2006-01-02 15:04")) +
		fmt.Sprintf("  Amount: %s (%s)\n", document.FormatAmount(t.Magnitude()), t.Direction)
	if t.Memo != "" {
		body += fmt.Sprintf("  Memo: %s\n", t.Memo)
	}
	body += fmt.Sprintf("  Category: %s", set.Category.Label())
	if set.NeedsReview {
		body += "  " + cli.WarningStyle.Render("[needs review]")
	}
	return cli.RenderBox(t.Counterparty, body)
}
