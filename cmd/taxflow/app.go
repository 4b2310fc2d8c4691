package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/Veraticus/taxflow/internal/assembler"
	"github.com/Veraticus/taxflow/internal/bank"
	"github.com/Veraticus/taxflow/internal/classification"
	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/config"
	"github.com/Veraticus/taxflow/internal/delivery"
	"github.com/Veraticus/taxflow/internal/document"
	"github.com/Veraticus/taxflow/internal/generation"
	"github.com/Veraticus/taxflow/internal/lawindex"
	"github.com/Veraticus/taxflow/internal/llm"
	"github.com/Veraticus/taxflow/internal/metrics"
	"github.com/Veraticus/taxflow/internal/notify"
	"github.com/Veraticus/taxflow/internal/ofx"
	"github.com/Veraticus/taxflow/internal/pipeline"
	"github.com/Veraticus/taxflow/internal/plaid"
	"github.com/Veraticus/taxflow/internal/retrieval"
	"github.com/Veraticus/taxflow/internal/sheets"
	"github.com/Veraticus/taxflow/internal/storage"
	"github.com/Veraticus/taxflow/internal/validator"
)

// app holds the wired components one command needs. Everything is built
// lazily so `taxflow status` does not dial NATS or load the law index.
type app struct {
	cfg      config.Config
	store    *storage.SQLiteStorage
	metrics  *metrics.Registry
	provider *llm.Guarded
	nats     *notify.NATSSink
	holder   *lawindex.Holder
	embedder lawindex.Embedder
	out      io.Writer
}

func newApp(ctx context.Context, out io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, common.NewUserError("Configuration is invalid", err)
	}
	store, err := openStore(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:     cfg,
		store:   store,
		metrics: metrics.New(),
		out:     out,
	}, nil
}

func openStore(ctx context.Context, path string) (*storage.SQLiteStorage, error) {
	store, err := storage.NewSQLiteStorage(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// Close releases whatever was opened.
func (a *app) Close() {
	if a.nats != nil {
		a.nats.Close()
	}
	if a.provider != nil {
		a.provider.Close()
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("Failed to close database", "error", err)
	}
}

func (a *app) newEmbedder() (lawindex.Embedder, error) {
	if a.embedder != nil {
		return a.embedder, nil
	}
	switch a.cfg.Embedder.Kind {
	case "ollama":
		emb, err := lawindex.NewOllamaEmbedder(a.cfg.Embedder.Host, a.cfg.Embedder.Model)
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama embedder: %w", err)
		}
		a.embedder = emb
	default:
		a.embedder = lawindex.NewLexicalEmbedder()
	}
	return a.embedder, nil
}

// lawIndex loads the index artifact. Without one, the embedded corpus is
// indexed in memory so a fresh install still works.
func (a *app) lawIndex(ctx context.Context) (*lawindex.Holder, error) {
	if a.holder != nil {
		return a.holder, nil
	}
	emb, err := a.newEmbedder()
	if err != nil {
		return nil, err
	}

	idx, err := lawindex.LoadArtifact(a.cfg.IndexPath)
	switch {
	case err == nil:
		if idx.EmbedderName() != emb.Name() {
			return nil, common.NewUserError(
				fmt.Sprintf("Index was built with %s but %s is configured; run `taxflow index build`", idx.EmbedderName(), emb.Name()),
				common.ErrIndexIncomplete)
		}
	case errors.Is(err, fs.ErrNotExist):
		slog.Warn("No law index artifact, indexing the built-in corpus", "path", a.cfg.IndexPath)
		chunks, cerr := lawindex.DefaultCorpus()
		if cerr != nil {
			return nil, cerr
		}
		idx, err = lawindex.Build(ctx, chunks, emb, lawindex.BuildOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to index built-in corpus: %w", err)
		}
	default:
		return nil, fmt.Errorf("failed to load law index: %w", err)
	}

	slog.Debug("Law index ready", "version", idx.Version(), "chunks", idx.Len())
	a.holder = lawindex.NewHolder(idx)
	return a.holder, nil
}

func (a *app) engine(ctx context.Context) (*assembler.Engine, error) {
	holder, err := a.lawIndex(ctx)
	if err != nil {
		return nil, err
	}
	return assembler.NewEngine(
		classification.NewDefaultClassifier(),
		retrieval.New(holder, a.embedder, nil),
		assembler.DefaultTopK,
		nil,
	), nil
}

func (a *app) orchestrator() (*generation.Orchestrator, error) {
	if a.provider == nil {
		provider, err := llm.New(a.cfg.LLM(), nil)
		if err != nil {
			return nil, common.NewUserError("Could not create the generation provider", err)
		}
		a.provider = provider
	}
	return generation.New(a.provider,
		generation.WithValidator(validator.New(validator.WithObserver(a.metrics))),
		generation.WithLogSink(a.store),
		generation.WithRetryOptions(a.cfg.Provider.Retry),
		generation.WithMaxTokens(a.cfg.Provider.MaxTokens),
	)
}

func (a *app) sink() (notify.Sink, error) {
	if a.cfg.Notify.Sink != "nats" {
		return notify.NewConsoleSink(a.out), nil
	}
	if a.nats == nil {
		sink, err := notify.NewNATSSink(a.cfg.NATS())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		a.nats = sink
	}
	return a.nats, nil
}

func (a *app) bankSource() (*bank.Router, error) {
	router := bank.NewRouter()
	for _, kind := range a.cfg.SourceKinds() {
		switch kind {
		case bank.KindPlaid:
			client, err := plaid.NewClient(a.cfg.PlaidClient(),
				plaid.WithLocation(a.cfg.Location()),
				plaid.WithRetryOptions(common.DefaultRetryOptions()))
			if err != nil {
				return nil, fmt.Errorf("failed to create plaid client: %w", err)
			}
			router.Register(kind, client)
		case bank.KindOFX:
			router.Register(kind, ofx.NewDirectorySource(a.cfg.OFXDir))
		default:
			router.Register(bank.KindMock, bank.NewMockSource())
		}
	}
	return router, nil
}

// exporters returns the configured document exporters for format, which
// defaults to the configured export format.
func (a *app) exporters(ctx context.Context, format string) ([]pipeline.Exporter, error) {
	if format == "" {
		format = a.cfg.ExportFormat
	}
	switch format {
	case "sheets":
		cfg, err := config.LoadSheetsConfig(viper.GetViper())
		if err != nil {
			return nil, common.NewUserError("Google Sheets is not configured", err)
		}
		writer, err := sheets.NewWriter(ctx, *cfg, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create sheets writer: %w", err)
		}
		return []pipeline.Exporter{writer}, nil
	case document.FormatMarkdown, document.FormatXLSX:
		return []pipeline.Exporter{document.FileExporter{Dir: a.cfg.DocumentsDir, Format: format}}, nil
	default:
		return nil, common.NewUserError(fmt.Sprintf("Unknown export format %q", format), common.ErrInvalidConfig)
	}
}

func (a *app) runner() *pipeline.Runner {
	return pipeline.NewRunner(a.store, a.metrics, a.cfg.Jobs.Deadline, nil)
}

func (a *app) dispatchJob(ctx context.Context, maxPerRun int) (*pipeline.DispatchJob, error) {
	eng, err := a.engine(ctx)
	if err != nil {
		return nil, err
	}
	orch, err := a.orchestrator()
	if err != nil {
		return nil, err
	}
	sink, err := a.sink()
	if err != nil {
		return nil, err
	}
	return pipeline.NewDispatchJob(a.store, eng, orch, sink, pipeline.DispatchOptions{
		Metrics:   a.metrics,
		Workers:   a.cfg.Jobs.Workers,
		MaxPerRun: maxPerRun,
	}), nil
}

func (a *app) documentJob(exporters []pipeline.Exporter) (*pipeline.DocumentJob, error) {
	orch, err := a.orchestrator()
	if err != nil {
		return nil, err
	}
	sink, err := a.sink()
	if err != nil {
		return nil, err
	}
	return pipeline.NewDocumentJob(a.store, orch, sink, pipeline.DocumentOptions{
		Location:  a.cfg.Location(),
		Exporters: exporters,
	}), nil
}

func (a *app) answerHandler() (*pipeline.AnswerHandler, error) {
	orch, err := a.orchestrator()
	if err != nil {
		return nil, err
	}
	return pipeline.NewAnswerHandler(a.store, orch, a.metrics, nil), nil
}

// mailer builds the configured delivery provider.
func (a *app) mailer(ctx context.Context) (delivery.Mailer, error) {
	switch a.cfg.Delivery.Provider {
	case delivery.ProviderSMTP:
		m, err := delivery.NewSMTPMailer(a.cfg.SMTP(), nil)
		if err != nil {
			return nil, common.NewUserError("SMTP delivery is not configured", err)
		}
		return m, nil
	case delivery.ProviderGmail:
		v := viper.GetViper()
		tokens, err := sheets.TokenSource(ctx, sheets.OAuth2Config{
			ClientID:     v.GetString("sheets.client_id"),
			ClientSecret: v.GetString("sheets.client_secret"),
			TokenFile:    config.ExpandPath(v.GetString("sheets.token_file")),
			Scopes:       sheets.GmailScopes(),
		})
		if err != nil {
			return nil, common.NewUserError("Gmail is not authorized; run `taxflow sheets auth --gmail`", err)
		}
		return delivery.NewGmailMailer(ctx, tokens, a.cfg.Delivery.From, nil)
	default:
		return delivery.NewConsoleMailer(a.out), nil
	}
}

func (a *app) evidenceAttacher() *pipeline.EvidenceAttacher {
	return pipeline.NewEvidenceAttacher(a.store, pipeline.EvidenceOptions{
		Dir: filepath.Join(a.cfg.DocumentsDir, "evidence"),
	})
}
