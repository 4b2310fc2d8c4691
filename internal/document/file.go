package document

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Veraticus/taxflow/internal/model"
)

// File export formats.
const (
	FormatMarkdown = "markdown"
	FormatXLSX     = "xlsx"
)

// FileExporter writes each document version to Dir as markdown or xlsx.
type FileExporter struct {
	Dir    string
	Format string
}

// Path returns where doc is written, e.g. "<dir>/MD-2025-01-v2.xlsx".
func (e FileExporter) Path(doc *model.MonthlyDocument) string {
	ext := ".md"
	if e.Format == FormatXLSX {
		ext = ".xlsx"
	}
	return filepath.Join(e.Dir, fmt.Sprintf("%s-v%d%s", doc.ID, doc.Version, ext))
}

// Write writes doc atomically through a temp file in the same directory.
func (e FileExporter) Write(_ context.Context, doc *model.MonthlyDocument, rows []Row) (err error) {
	if err := os.MkdirAll(e.Dir, 0o750); err != nil {
		return fmt.Errorf("failed to create export dir: %w", err)
	}
	path := e.Path(doc)
	tmp, err := os.CreateTemp(e.Dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	switch e.Format {
	case FormatXLSX:
		err = ExportXLSX(doc, rows, tmp)
	case FormatMarkdown, "":
		_, err = tmp.WriteString(doc.Markdown)
	default:
		err = fmt.Errorf("unknown export format %q", e.Format)
	}
	if err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close export file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move export into place: %w", err)
	}
	return nil
}
