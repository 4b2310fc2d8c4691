package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/storage"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newAttacher(t *testing.T, store *storage.SQLiteStorage, maxSize int64) (*EvidenceAttacher, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "evidence")
	a := NewEvidenceAttacher(store, EvidenceOptions{Dir: dir, MaxSize: maxSize})
	a.now = func() time.Time { return jan15.Add(24 * time.Hour) }
	return a, dir
}

func TestEvidenceAttacher_AttachBeforeAnswers(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{}
	store := dispatched(t, gen)
	a, dir := newAttacher(t, store, 0)

	res, err := a.Attach(ctx, bistro, writeFile(t, "Receipt.PDF", "%PDF-1.4 dinner"))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, filepath.Join(dir, "invoice_"+bistro+"_2025-01-16.pdf"), res.File.Path)
	assert.Equal(t, "Receipt.PDF", res.File.Name)
	assert.Equal(t, int64(len("%PDF-1.4 dinner")), res.File.Size)
	assert.Len(t, res.File.SHA256, 64)

	stored, err := os.ReadFile(res.File.Path)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 dinner", string(stored))

	ec, err := store.GetEnrichedContext(ctx, bistro)
	require.NoError(t, err)
	assert.False(t, ec.Answered)
	assert.True(t, ec.InvoiceReceived)
	assert.Equal(t, model.EvidenceReady, ec.EvidenceStatus)
	require.Len(t, ec.Files, 1)
	contextID := ec.ID

	again, err := a.Attach(ctx, bistro, writeFile(t, "copy.pdf", "%PDF-1.4 dinner"))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, res.File.Path, again.File.Path)

	second, err := a.Attach(ctx, bistro, writeFile(t, "photo.jpg", "jpeg bytes"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "invoice_"+bistro+"_2025-01-16.jpg"), second.File.Path)
	third, err := a.Attach(ctx, bistro, writeFile(t, "photo2.jpg", "other jpeg bytes"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "invoice_"+bistro+"_2025-01-16-2.jpg"), third.File.Path)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "temp files left behind")

	// Answers completing later keep the attached files.
	h := NewAnswerHandler(store, gen, nil, nil)
	require.NoError(t, h.HandleAnswer(ctx, answer("Q1", "Client dinner")))
	require.NoError(t, h.HandleAnswer(ctx, answer("Q2", "Monthly")))
	require.NoError(t, h.HandleAnswer(ctx, answer("Q4", "Not received")))

	ec, err = store.GetEnrichedContext(ctx, bistro)
	require.NoError(t, err)
	assert.True(t, ec.Answered)
	assert.Equal(t, contextID, ec.ID)
	assert.Len(t, ec.Files, 3)
	assert.True(t, ec.InvoiceReceived)
	assert.Equal(t, model.EvidenceReady, ec.EvidenceStatus)
	assert.Equal(t, "Monthly", ec.Frequency)

	files, err := a.Evidence(ctx, bistro)
	require.NoError(t, err)
	assert.Len(t, files, 3)
}

func TestEvidenceAttacher_Rejects(t *testing.T) {
	ctx := context.Background()
	store := dispatched(t, &fakeGenerator{})
	a, dir := newAttacher(t, store, 16)

	tests := []struct {
		name    string
		id      string
		path    string
		wantErr error
	}{
		{"unsupported type", bistro, writeFile(t, "notes.txt", "hello"), ErrUnsupportedEvidence},
		{"too large", bistro, writeFile(t, "scan.png", "0123456789abcdefX"), ErrEvidenceTooLarge},
		{"empty", bistro, writeFile(t, "blank.jpeg", ""), ErrEmptyEvidence},
		{"unknown transaction", "2025-01-15-KOOK-ACCT-NOP-001", writeFile(t, "ok.pdf", "pdf"), common.ErrNotFound},
		{"missing file", bistro, filepath.Join(t.TempDir(), "gone.pdf"), os.ErrNotExist},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Attach(ctx, tt.id, tt.path)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	_, err := store.GetEnrichedContext(ctx, bistro)
	assert.ErrorIs(t, err, common.ErrNotFound, "rejected files leave no context")
	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)

	files, err := a.Evidence(ctx, bistro)
	require.NoError(t, err)
	assert.Empty(t, files)
	_, err = a.Evidence(ctx, "2025-01-15-KOOK-ACCT-NOP-001")
	assert.ErrorIs(t, err, common.ErrNotFound)
}
