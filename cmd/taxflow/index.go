package main

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/Veraticus/taxflow/internal/cli"
	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/lawindex"
	"github.com/Veraticus/taxflow/internal/model"
)

func indexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build and verify the tax-law index",
	}
	cmd.AddCommand(indexBuildCmd())
	cmd.AddCommand(indexVerifyCmd())
	return cmd
}

func indexBuildCmd() *cobra.Command {
	var (
		sources   []string
		pdfs      []string
		noDefault bool
		out       string
	)
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Embed law sources and write the index artifact",
		Long: `Build the law index from the built-in corpus plus any YAML sources from
index.sources or --source, and statute PDFs given as --pdf path:CODE:YYYY-MM-DD.
The artifact is replaced atomically; a build that leaves any category without
provisions is rejected and the previous artifact is kept.`,
		Example: `  taxflow index build --source ./law --pdf ./vat.pdf:VAT:2025-01-01`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()

			var chunks []model.LawChunk
			if !noDefault {
				chunks, err = lawindex.DefaultCorpus()
				if err != nil {
					return err
				}
			}
			extra, err := lawindex.LoadYAMLSources(append(a.cfg.LawSources, sources...))
			if err != nil {
				return err
			}
			chunks = append(chunks, extra...)
			for _, spec := range pdfs {
				parsed, err := loadPDF(spec)
				if err != nil {
					return err
				}
				chunks = append(chunks, parsed...)
			}

			emb, err := a.newEmbedder()
			if err != nil {
				return err
			}
			bar := progressbar.NewOptions(len(chunks),
				progressbar.OptionSetWriter(cmd.ErrOrStderr()),
				progressbar.OptionEnableColorCodes(true),
				progressbar.OptionShowCount(),
				progressbar.OptionSetWidth(40),
				progressbar.OptionSetDescription("[cyan][bold]Embedding provisions...[reset]"),
				progressbar.OptionClearOnFinish(),
			)
			idx, err := lawindex.Build(ctx, chunks, emb, lawindex.BuildOptions{
				Progress: func(done, _ int) {
					if err := bar.Set(done); err != nil {
						slog.Debug("Progress bar update failed", "error", err)
					}
				},
			})
			_ = bar.Finish()
			if err != nil {
				return err
			}

			if out == "" {
				out = a.cfg.IndexPath
			}
			if err := lawindex.SaveArtifact(idx, out); err != nil {
				return fmt.Errorf("failed to write index: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf(
				"Indexed %d provisions with %s (version %s) to %s", idx.Len(), idx.EmbedderName(), idx.Version(), out)))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&sources, "source", nil, "YAML law source file or directory (repeatable)")
	cmd.Flags().StringSliceVar(&pdfs, "pdf", nil, "statute PDF as path:CODE:YYYY-MM-DD (repeatable)")
	cmd.Flags().BoolVar(&noDefault, "no-default", false, "leave out the built-in corpus")
	cmd.Flags().StringVar(&out, "out", "", "artifact path (default: index.path)")
	return cmd
}

// loadPDF parses "path:CODE:YYYY-MM-DD". The path may itself contain colons.
func loadPDF(spec string) ([]model.LawChunk, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 3 {
		return nil, common.NewUserError(fmt.Sprintf("--pdf %q must be path:CODE:YYYY-MM-DD", spec), common.ErrInvalidConfig)
	}
	n := len(parts)
	path := strings.Join(parts[:n-2], ":")
	code := model.LawCode(strings.ToUpper(parts[n-2]))
	if !code.IsValid() {
		return nil, common.NewUserError(fmt.Sprintf("Unknown law code %q", parts[n-2]), common.ErrInvalidConfig)
	}
	effective, err := time.Parse(time.DateOnly, parts[n-1])
	if err != nil {
		return nil, common.NewUserError("PDF effective date must be YYYY-MM-DD", err)
	}
	chunks, err := lawindex.ExtractPDFArticles(filepath.Clean(path), code, effective)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	slog.Info("Extracted statute PDF", "path", path, "code", code, "articles", len(chunks))
	return chunks, nil
}

func indexVerifyCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the index artifact and show provisions per category",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()
			if path == "" {
				path = a.cfg.IndexPath
			}

			idx, err := lawindex.LoadArtifact(path)
			if err != nil {
				return common.NewUserError("Index artifact is unusable; run `taxflow index build`", err)
			}
			completeness := idx.Completeness()
			verr := lawindex.VerifyCompleteness(completeness)

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, cli.FormatTitle("Law index "+idx.Version()))
			fmt.Fprintf(out, "  Built: %s with %s, %d provisions\n\n",
				idx.LastUpdated().Format(time.RFC3339), idx.EmbedderName(), idx.Len())
			fmt.Fprint(out, cli.RenderTable([]string{"CATEGORY", "PROVISIONS", "STATUS"}, completenessRows(completeness), 2))

			if verr != nil {
				return verr
			}
			fmt.Fprintln(out, cli.FormatSuccess("Every indexed category has provisions"))
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "artifact path (default: index.path)")
	return cmd
}

func completenessRows(completeness map[model.Category][]string) [][]string {
	cats := model.IndexedCategories()
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	rows := make([][]string, 0, len(cats))
	for _, c := range cats {
		status := "ok"
		if len(completeness[c]) == 0 {
			status = "missing"
		}
		rows = append(rows, []string{string(c), fmt.Sprintf("%d", len(completeness[c])), status})
	}
	return rows
}
