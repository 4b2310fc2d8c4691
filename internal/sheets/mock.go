package sheets

import (
	"context"
	"sync"

	"github.com/Veraticus/taxflow/internal/document"
	"github.com/Veraticus/taxflow/internal/model"
)

// MockWriter is an in-memory Exporter for tests.
type MockWriter struct {
	WriteFunc  func(ctx context.Context, doc *model.MonthlyDocument, rows []document.Row) error
	WriteCalls []WriteCall
	mu         sync.Mutex
}

// WriteCall represents a single call to Write.
type WriteCall struct {
	Error    error
	Document *model.MonthlyDocument
	Rows     []document.Row
}

// NewMockWriter creates a new mock writer.
func NewMockWriter() *MockWriter {
	return &MockWriter{}
}

// Write records the call and delegates to WriteFunc when set.
func (m *MockWriter) Write(ctx context.Context, doc *model.MonthlyDocument, rows []document.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.WriteFunc != nil {
		err = m.WriteFunc(ctx, doc, rows)
	}
	m.WriteCalls = append(m.WriteCalls, WriteCall{Document: doc, Rows: rows, Error: err})
	return err
}

// GetWriteCalls returns a copy of all write calls.
func (m *MockWriter) GetWriteCalls() []WriteCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	calls := make([]WriteCall, len(m.WriteCalls))
	copy(calls, m.WriteCalls)
	return calls
}

// SetWriteError configures the mock to fail every Write with err.
func (m *MockWriter) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.WriteFunc = func(context.Context, *model.MonthlyDocument, []document.Row) error {
		return err
	}
}

var _ Exporter = (*MockWriter)(nil)
