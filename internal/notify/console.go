package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// ConsoleSink prints batches instead of sending them. It is the sink used
// when no transport is configured.
type ConsoleSink struct {
	out    io.Writer
	logger *slog.Logger
	sent   []Batch
	mu     sync.Mutex
}

// NewConsoleSink writes to out, or stdout when out is nil.
func NewConsoleSink(out io.Writer) *ConsoleSink {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleSink{
		out:    out,
		logger: slog.Default().With("component", "notify", "sink", "console"),
	}
}

// Dispatch implements Sink.
func (s *ConsoleSink) Dispatch(ctx context.Context, batch Batch) (DeliveryResult, error) {
	if err := ctx.Err(); err != nil {
		return DeliveryResult{}, err
	}
	if batch.IsEmpty() {
		return DeliveryResult{BatchID: batch.ID, Status: StatusSkipped}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rule := strings.Repeat("=", 60)
	if _, err := fmt.Fprintf(s.out, "%s\nMOCK MESSAGE (%s)\n%s\n%s%s\n", rule, batch.Kind, rule, Render(batch), rule); err != nil {
		return DeliveryResult{}, fmt.Errorf("failed to write batch: %w", err)
	}
	s.sent = append(s.sent, batch)

	s.logger.Info("Batch printed",
		"batch_id", batch.ID,
		"kind", batch.Kind,
		"transactions", len(batch.Sets))

	return DeliveryResult{BatchID: batch.ID, Status: StatusMockSent, Delivered: len(batch.Sets)}, nil
}

// Sent returns the batches printed so far.
func (s *ConsoleSink) Sent() []Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Batch, len(s.sent))
	copy(out, s.sent)
	return out
}

var _ Sink = (*ConsoleSink)(nil)
