package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// InterruptHandler cancels a command's context on SIGINT or SIGTERM and tells
// the user what happens to the work in flight.
type InterruptHandler struct {
	writer      io.Writer
	cancelFunc  context.CancelFunc
	command     string
	interrupted bool
	mu          sync.Mutex
}

// NewInterruptHandler creates a handler for the named command. A nil writer
// means stdout.
func NewInterruptHandler(writer io.Writer, command string) *InterruptHandler {
	if writer == nil {
		writer = os.Stdout
	}
	return &InterruptHandler{
		writer:  writer,
		command: command,
	}
}

// HandleInterrupts returns a context that is canceled on the first signal.
func (h *InterruptHandler) HandleInterrupts(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	h.cancelFunc = cancel

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
		case <-ctx.Done():
			signal.Stop(sigChan)
			return
		}
		signal.Stop(sigChan)
		h.interrupt()
		cancel()
	}()

	return ctx
}

func (h *InterruptHandler) interrupt() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.interrupted {
		return
	}
	h.interrupted = true

	msg := "\n\n" + FormatWarning("Interrupted, finishing the transaction in flight.")
	msg += "\n" + FormatInfo("Completed work is saved. Run `taxflow "+h.command+"` again to pick up the rest.") + "\n"
	if _, err := fmt.Fprint(h.writer, msg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write interrupt message: %v\n", err)
	}
}

// WasInterrupted returns true if a signal arrived.
func (h *InterruptHandler) WasInterrupted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interrupted
}
