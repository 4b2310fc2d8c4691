package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/Veraticus/taxflow/internal/document"
	"github.com/Veraticus/taxflow/internal/model"
)

// quitCommand ends an answering session early. An empty line skips a question.
const quitCommand = ":q"

// AnswerSink receives answers collected at the terminal.
type AnswerSink interface {
	HandleAnswer(ctx context.Context, answer model.Answer) error
}

// PendingSet is a dispatched question set together with the question ids
// that already have an answer.
type PendingSet struct {
	Answered map[string]bool
	Set      model.QuestionSet
}

// Open returns the questions still waiting for an answer, in asked order.
func (s PendingSet) Open() []model.GeneratedAnswer {
	var open []model.GeneratedAnswer
	for _, q := range s.Set.Questions {
		if q.Kind != "" && q.Kind != model.KindQuestion {
			continue
		}
		if !s.Answered[q.ID] {
			open = append(open, q)
		}
	}
	return open
}

// SessionStats summarizes one answering session.
type SessionStats struct {
	Duration time.Duration
	Asked    int
	Answered int
	Skipped  int
	Rejected int
}

// Prompter walks the user through open questions at the terminal and hands
// each answer to an AnswerSink, the same path chat replies take.
type Prompter struct {
	startTime   time.Time
	writer      io.Writer
	reader      *NonBlockingReader
	progressBar *progressbar.ProgressBar
	now         func() time.Time
	stats       SessionStats
}

// NewPrompter creates a prompter. Nil reader and writer mean stdin and stdout.
func NewPrompter(reader io.Reader, writer io.Writer) *Prompter {
	if reader == nil {
		reader = os.Stdin
	}
	if writer == nil {
		writer = os.Stdout
	}
	return &Prompter{
		reader: NewNonBlockingReader(reader),
		writer: writer,
		now:    time.Now,
	}
}

// Run asks every open question in sets. It stops early on ":q", end of
// input, or cancellation; answers already submitted stay recorded.
func (p *Prompter) Run(ctx context.Context, sets []PendingSet, sink AnswerSink) (SessionStats, error) {
	p.startTime = p.now()
	p.stats = SessionStats{}

	total := 0
	for _, s := range sets {
		total += len(s.Open())
	}
	if total == 0 {
		p.println(FormatSuccess("No open questions."))
		return p.stats, nil
	}
	p.initProgressBar(total)

	err := p.run(ctx, sets, sink)
	p.stats.Duration = p.now().Sub(p.startTime)
	if errors.Is(err, errQuit) || errors.Is(err, io.EOF) {
		err = nil
	}
	if err == nil {
		p.showCompletion()
	}
	return p.stats, err
}

var errQuit = errors.New("session ended")

func (p *Prompter) run(ctx context.Context, sets []PendingSet, sink AnswerSink) error {
	for _, s := range sets {
		open := s.Open()
		if len(open) == 0 {
			continue
		}
		p.println("\n" + p.formatTransaction(s.Set))
		for _, q := range open {
			if err := ctx.Err(); err != nil {
				return err
			}
			value, err := p.ask(ctx, q)
			if err != nil {
				return err
			}
			p.stats.Asked++
			p.updateProgress()
			if value == "" {
				p.stats.Skipped++
				continue
			}
			answer := model.Answer{
				ReceivedAt:    p.now(),
				TransactionID: s.Set.Transaction.ID,
				QuestionID:    q.ID,
				Value:         value,
			}
			if err := sink.HandleAnswer(ctx, answer); err != nil {
				p.stats.Rejected++
				p.println(FormatError(fmt.Sprintf("Answer to %s not recorded: %v", q.ID, err)))
				continue
			}
			p.stats.Answered++
		}
	}
	return nil
}

// ask returns the chosen value, or "" when the question is skipped.
func (p *Prompter) ask(ctx context.Context, q model.GeneratedAnswer) (string, error) {
	p.println(p.formatQuestion(q))
	for {
		p.print(FormatPrompt(q.ID))
		input, err := p.reader.ReadLine(ctx)
		if err != nil {
			if errors.Is(err, ErrInputCancelled) {
				return "", ctx.Err()
			}
			return "", err
		}
		switch input {
		case quitCommand:
			return "", errQuit
		case "":
			return "", nil
		}

		if q.QuestionType != model.QuestionSingleChoice || len(q.Options) == 0 {
			return input, nil
		}
		if value, ok := matchOption(q.Options, input); ok {
			return value, nil
		}
		p.println(FormatError(fmt.Sprintf("Choose 1-%d, type an option, or press enter to skip.", len(q.Options))))
	}
}

// matchOption accepts a 1-based option number or the option text in any case.
func matchOption(options []string, input string) (string, bool) {
	if n, err := strconv.Atoi(input); err == nil {
		if n >= 1 && n <= len(options) {
			return options[n-1], true
		}
		return "", false
	}
	for _, o := range options {
		if strings.EqualFold(o, input) {
			return o, true
		}
	}
	return "", false
}

func (p *Prompter) formatTransaction(set model.QuestionSet) string {
	t := set.Transaction
	header := TitleStyle.Render(fmt.Sprintf("%s %s", QuestionIcon, t.Counterparty))

	details := fmt.Sprintf("  Date: %s\n", t.Timestamp.Format("2006-01-02 15:04")) +
		fmt.Sprintf("  Amount: %s (%s)\n", document.FormatAmount(t.Magnitude()), t.Direction) +
		fmt.Sprintf("  Account: %s %s\n", t.BankName, t.AccountMasked)
	if t.Memo != "" {
		details += fmt.Sprintf("  Memo: %s\n", t.Memo)
	}
	details += fmt.Sprintf("  Category: %s", set.Category.Label())
	if set.NeedsReview {
		details += "  " + WarningStyle.Render("[needs review]")
	}
	return header + "\n" + details
}

func (p *Prompter) formatQuestion(q model.GeneratedAnswer) string {
	var b strings.Builder
	b.WriteString("\n" + BoldStyle.Render(q.Content))
	switch q.QuestionType {
	case model.QuestionSingleChoice:
		for i, o := range q.Options {
			fmt.Fprintf(&b, "\n  [%d] %s", i+1, o)
		}
	case model.QuestionFileUpload:
		b.WriteString("\n  " + SubtleStyle.Render("Enter a file path or a note such as \"later\"."))
	}
	if q.Source != "" && q.Source != model.OutsideContext {
		b.WriteString("\n  " + SubtleStyle.Render("source: "+q.Source))
	}
	return b.String()
}

func (p *Prompter) initProgressBar(total int) {
	p.progressBar = progressbar.NewOptions(total,
		progressbar.OptionSetWriter(p.writer),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription("[cyan][bold]Answering questions...[reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			p.println("")
		}),
	)
}

func (p *Prompter) updateProgress() {
	if p.progressBar == nil {
		return
	}
	if err := p.progressBar.Add(1); err != nil {
		slog.Warn("Failed to update progress bar", "error", err)
	}
}

func (p *Prompter) showCompletion() {
	s := p.stats
	summary := fmt.Sprintf("  • Answered: %d\n", s.Answered) +
		fmt.Sprintf("  • Skipped: %d\n", s.Skipped) +
		fmt.Sprintf("  • Rejected: %d\n", s.Rejected) +
		fmt.Sprintf("  • Time taken: %s", s.Duration.Round(time.Second))
	p.println(RenderBox(ChartIcon+" Session complete", summary))
}

func (p *Prompter) print(s string) {
	if _, err := fmt.Fprint(p.writer, s); err != nil {
		slog.Warn("Failed to write prompt", "error", err)
	}
}

func (p *Prompter) println(s string) {
	if _, err := fmt.Fprintln(p.writer, s); err != nil {
		slog.Warn("Failed to write output", "error", err)
	}
}
