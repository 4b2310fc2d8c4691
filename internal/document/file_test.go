package document

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/Veraticus/taxflow/internal/model"
)

func TestFileExporter(t *testing.T) {
	in := sampleInput()
	doc := &model.MonthlyDocument{ID: "MD-2025-01", Month: "2025-01", Version: 3, Markdown: Render(in), Stats: in.Stats()}
	ctx := context.Background()

	t.Run("markdown", func(t *testing.T) {
		exp := FileExporter{Dir: filepath.Join(t.TempDir(), "docs"), Format: FormatMarkdown}
		require.NoError(t, exp.Write(ctx, doc, Rows(in)))

		assert.Equal(t, "MD-2025-01-v3.md", filepath.Base(exp.Path(doc)))
		data, err := os.ReadFile(exp.Path(doc))
		require.NoError(t, err)
		assert.Equal(t, doc.Markdown, string(data))
	})

	t.Run("xlsx", func(t *testing.T) {
		exp := FileExporter{Dir: t.TempDir(), Format: FormatXLSX}
		require.NoError(t, exp.Write(ctx, doc, Rows(in)))

		f, err := excelize.OpenFile(exp.Path(doc))
		require.NoError(t, err)
		defer func() { _ = f.Close() }()
		rows, err := f.GetRows(transactionsSheet)
		require.NoError(t, err)
		assert.Len(t, rows, len(Rows(in))+1)
	})

	t.Run("unknown format leaves nothing behind", func(t *testing.T) {
		dir := t.TempDir()
		exp := FileExporter{Dir: dir, Format: "pdf"}
		require.Error(t, exp.Write(ctx, doc, Rows(in)))

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}
