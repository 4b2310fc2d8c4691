package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"
	_ "time/tzdata" // zone database for hosts without one

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/Veraticus/taxflow/internal/bank"
	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/delivery"
	"github.com/Veraticus/taxflow/internal/llm"
	"github.com/Veraticus/taxflow/internal/notify"
	"github.com/Veraticus/taxflow/internal/plaid"
	"github.com/Veraticus/taxflow/internal/service"
)

// Config is the typed view of everything taxflow reads from viper.
type Config struct {
	Accounts     []bank.AccountRef
	Plaid        PlaidConfig
	Provider     ProviderConfig
	Embedder     EmbedderConfig
	Notify       NotifyConfig
	Delivery     DeliveryConfig
	Schedule     ScheduleConfig
	Jobs         JobsConfig
	DatabasePath string
	IndexPath    string
	LawSources   []string
	DocumentsDir string
	OFXDir       string
	Timezone     string
	ListenAddr   string
	ExportFormat string
}

// PlaidConfig holds Plaid credentials. AccessTokens maps account ids to
// the token of the item they belong to.
type PlaidConfig struct {
	AccessTokens map[string]string
	ClientID     string
	Secret       string
	Environment  string
	AccessToken  string
}

// ProviderConfig configures the generative provider and its guards.
type ProviderConfig struct {
	Name         string
	Model        string
	APIKey       string
	BaseURL      string
	MaxTokens    int
	Timeout      time.Duration
	CacheTTL     time.Duration
	RateLimit    int
	Retry        service.RetryOptions
	BreakerRatio float64
	BreakerMin   uint32
	BreakerOpen  time.Duration
}

// EmbedderConfig selects the retrieval embedder.
type EmbedderConfig struct {
	Kind  string
	Host  string
	Model string
}

// NotifyConfig selects the notification sink.
type NotifyConfig struct {
	Sink           string
	NATSURL        string
	Subject        string
	AnswersSubject string
	QueueGroup     string
}

// DeliveryConfig configures sending documents to the accountant. The
// gmail provider reuses the sheets OAuth client and token file.
type DeliveryConfig struct {
	Provider        string
	AccountantEmail string
	UserName        string
	From            string
	SMTPHost        string
	SMTPUser        string
	SMTPPassword    string
	SMTPPort        int
}

// ScheduleConfig holds five-field cron specs; an empty spec disables the job.
type ScheduleConfig struct {
	Sync     string
	Dispatch string
	Reminder string
	Document string
}

// JobsConfig bounds job execution.
type JobsConfig struct {
	Deadline    time.Duration
	CallTimeout time.Duration
	ReminderAge time.Duration
	Workers     int
	SyncDays    int
}

// Accepted values for the enumerated settings.
var (
	providers     = []string{"static", "anthropic", "openai", "ollama"}
	embedders     = []string{"lexical", "ollama"}
	sinks         = []string{"console", "nats"}
	exportFormats = []string{"markdown", "xlsx", "sheets"}
	mailers       = []string{delivery.ProviderConsole, delivery.ProviderSMTP, delivery.ProviderGmail}
	sourceKinds   = []string{bank.KindMock, bank.KindPlaid, bank.KindOFX}
)

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "~/.local/share/taxflow/taxflow.db")
	v.SetDefault("index.path", "~/.local/share/taxflow/lawindex.json")
	v.SetDefault("documents.dir", "~/.local/share/taxflow/documents")
	v.SetDefault("timezone", "Asia/Seoul")

	v.SetDefault("llm.provider", "static")
	v.SetDefault("llm.max_tokens", 2048)
	v.SetDefault("llm.timeout", "30s")
	v.SetDefault("llm.cache_ttl", "1h")
	v.SetDefault("llm.rate_limit", 60)
	v.SetDefault("llm.retry.attempts", 3)
	v.SetDefault("llm.retry.initial_delay", "1s")
	v.SetDefault("llm.retry.max_delay", "10s")
	v.SetDefault("llm.breaker.failure_ratio", 0.5)
	v.SetDefault("llm.breaker.min_requests", 10)
	v.SetDefault("llm.breaker.open_timeout", "30s")

	v.SetDefault("embedder.kind", "lexical")

	v.SetDefault("plaid.environment", "sandbox")

	v.SetDefault("notify.sink", "console")
	v.SetDefault("notify.nats.subject", "taxflow.questions")
	v.SetDefault("notify.nats.answers_subject", "taxflow.answers")
	v.SetDefault("notify.nats.queue_group", "taxflow")

	v.SetDefault("delivery.provider", delivery.ProviderConsole)
	v.SetDefault("delivery.smtp.port", 587)

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("schedule.sync", "0 6 * * *")
	v.SetDefault("schedule.dispatch", "30 6 * * *")
	v.SetDefault("schedule.reminder", "0 18 * * *")
	v.SetDefault("schedule.document", "0 8 1 * *")

	v.SetDefault("jobs.deadline", "30m")
	v.SetDefault("jobs.call_timeout", "30s")
	v.SetDefault("jobs.reminder_age", "24h")
	v.SetDefault("jobs.workers", 4)
	v.SetDefault("jobs.sync_days", 7)

	v.SetDefault("export.format", "markdown")
	v.SetDefault("sheets.token_file", "~/.config/taxflow/sheets-token.json")
}

// LoadDotEnv loads KEY=value pairs from path into the environment. Values
// already set in the environment win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load builds and validates the configuration from the global viper instance.
func Load() (Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom builds and validates the configuration from v.
func LoadFrom(v *viper.Viper) (Config, error) {
	SetDefaults(v)

	cfg := Config{
		DatabasePath: ExpandPath(v.GetString("database.path")),
		IndexPath:    ExpandPath(v.GetString("index.path")),
		DocumentsDir: ExpandPath(v.GetString("documents.dir")),
		OFXDir:       ExpandPath(v.GetString("ofx.dir")),
		Timezone:     v.GetString("timezone"),
		ListenAddr:   v.GetString("server.addr"),
		ExportFormat: strings.ToLower(v.GetString("export.format")),
		Provider: ProviderConfig{
			Name:      strings.ToLower(v.GetString("llm.provider")),
			Model:     v.GetString("llm.model"),
			APIKey:    v.GetString("llm.api_key"),
			BaseURL:   v.GetString("llm.base_url"),
			MaxTokens: v.GetInt("llm.max_tokens"),
			Timeout:   v.GetDuration("llm.timeout"),
			CacheTTL:  v.GetDuration("llm.cache_ttl"),
			RateLimit: v.GetInt("llm.rate_limit"),
			Retry: service.RetryOptions{
				MaxAttempts:  v.GetInt("llm.retry.attempts"),
				InitialDelay: v.GetDuration("llm.retry.initial_delay"),
				MaxDelay:     v.GetDuration("llm.retry.max_delay"),
				Multiplier:   2.0,
			},
			BreakerRatio: v.GetFloat64("llm.breaker.failure_ratio"),
			BreakerMin:   v.GetUint32("llm.breaker.min_requests"),
			BreakerOpen:  v.GetDuration("llm.breaker.open_timeout"),
		},
		Embedder: EmbedderConfig{
			Kind:  strings.ToLower(v.GetString("embedder.kind")),
			Host:  v.GetString("embedder.host"),
			Model: v.GetString("embedder.model"),
		},
		Plaid: PlaidConfig{
			ClientID:     v.GetString("plaid.client_id"),
			Secret:       v.GetString("plaid.secret"),
			Environment:  v.GetString("plaid.environment"),
			AccessToken:  v.GetString("plaid.access_token"),
			AccessTokens: v.GetStringMapString("plaid.access_tokens"),
		},
		Notify: NotifyConfig{
			Sink:           strings.ToLower(v.GetString("notify.sink")),
			NATSURL:        v.GetString("notify.nats.url"),
			Subject:        v.GetString("notify.nats.subject"),
			AnswersSubject: v.GetString("notify.nats.answers_subject"),
			QueueGroup:     v.GetString("notify.nats.queue_group"),
		},
		Delivery: DeliveryConfig{
			Provider:        strings.ToLower(v.GetString("delivery.provider")),
			AccountantEmail: v.GetString("delivery.accountant_email"),
			UserName:        v.GetString("delivery.user_name"),
			From:            v.GetString("delivery.from"),
			SMTPHost:        v.GetString("delivery.smtp.host"),
			SMTPUser:        v.GetString("delivery.smtp.user"),
			SMTPPassword:    v.GetString("delivery.smtp.password"),
			SMTPPort:        v.GetInt("delivery.smtp.port"),
		},
		Schedule: ScheduleConfig{
			Sync:     v.GetString("schedule.sync"),
			Dispatch: v.GetString("schedule.dispatch"),
			Reminder: v.GetString("schedule.reminder"),
			Document: v.GetString("schedule.document"),
		},
		Jobs: JobsConfig{
			Deadline:    v.GetDuration("jobs.deadline"),
			CallTimeout: v.GetDuration("jobs.call_timeout"),
			ReminderAge: v.GetDuration("jobs.reminder_age"),
			Workers:     v.GetInt("jobs.workers"),
			SyncDays:    v.GetInt("jobs.sync_days"),
		},
	}
	for _, p := range v.GetStringSlice("index.sources") {
		cfg.LawSources = append(cfg.LawSources, ExpandPath(p))
	}
	if err := v.UnmarshalKey("accounts", &cfg.Accounts); err != nil {
		return cfg, fmt.Errorf("%w: accounts: %w", common.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting, wrapped in common.ErrInvalidConfig.
func (c Config) Validate() error {
	invalid := func(key, format string, args ...any) error {
		return fmt.Errorf("%w: %s: %s", common.ErrInvalidConfig, key, fmt.Sprintf(format, args...))
	}

	if c.DatabasePath == "" {
		return invalid("database.path", "required")
	}
	if c.IndexPath == "" {
		return invalid("index.path", "required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return invalid("timezone", "%v", err)
	}

	if !oneOf(c.Provider.Name, providers) {
		return invalid("llm.provider", "must be one of %s", strings.Join(providers, ", "))
	}
	if (c.Provider.Name == "anthropic" || c.Provider.Name == "openai") && c.Provider.APIKey == "" {
		return invalid("llm.api_key", "required for %s", c.Provider.Name)
	}
	if c.Provider.Retry.MaxAttempts < 1 {
		return invalid("llm.retry.attempts", "must be at least 1")
	}
	if c.Provider.BreakerRatio <= 0 || c.Provider.BreakerRatio > 1 {
		return invalid("llm.breaker.failure_ratio", "must be in (0, 1]")
	}

	if !oneOf(c.Embedder.Kind, embedders) {
		return invalid("embedder.kind", "must be one of %s", strings.Join(embedders, ", "))
	}

	if !oneOf(c.Notify.Sink, sinks) {
		return invalid("notify.sink", "must be one of %s", strings.Join(sinks, ", "))
	}
	if c.Notify.Sink == "nats" && c.Notify.NATSURL == "" {
		return invalid("notify.nats.url", "required for the nats sink")
	}

	if !oneOf(c.ExportFormat, exportFormats) {
		return invalid("export.format", "must be one of %s", strings.Join(exportFormats, ", "))
	}

	if !oneOf(c.Delivery.Provider, mailers) {
		return invalid("delivery.provider", "must be one of %s", strings.Join(mailers, ", "))
	}
	if c.Delivery.Provider == delivery.ProviderSMTP {
		if err := c.SMTP().Validate(); err != nil {
			return fmt.Errorf("%w: %w", common.ErrInvalidConfig, err)
		}
	}

	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		key := fmt.Sprintf("accounts[%d]", i)
		if a.ID == "" {
			return invalid(key+".id", "required")
		}
		if seen[a.ID] {
			return invalid(key+".id", "duplicate account %s", a.ID)
		}
		seen[a.ID] = true
		if a.BankName == "" {
			return invalid(key+".bank", "required")
		}
		kind := a.SourceKind()
		if !oneOf(kind, sourceKinds) {
			return invalid(key+".source", "must be one of %s", strings.Join(sourceKinds, ", "))
		}
		if kind == bank.KindPlaid && (c.Plaid.ClientID == "" || c.Plaid.Secret == "") {
			return invalid("plaid", "client_id and secret are required for account %s", a.ID)
		}
		if kind == bank.KindOFX && c.OFXDir == "" {
			return invalid("ofx.dir", "required for account %s", a.ID)
		}
	}

	for key, spec := range map[string]string{
		"schedule.sync":     c.Schedule.Sync,
		"schedule.dispatch": c.Schedule.Dispatch,
		"schedule.reminder": c.Schedule.Reminder,
		"schedule.document": c.Schedule.Document,
	} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return invalid(key, "%v", err)
		}
	}

	if c.Jobs.Deadline <= 0 {
		return invalid("jobs.deadline", "must be positive")
	}
	if c.Jobs.CallTimeout <= 0 {
		return invalid("jobs.call_timeout", "must be positive")
	}
	if c.Jobs.CallTimeout > c.Jobs.Deadline {
		return invalid("jobs.call_timeout", "must not exceed jobs.deadline")
	}
	if c.Jobs.Workers < 1 {
		return invalid("jobs.workers", "must be at least 1")
	}
	if c.Jobs.SyncDays < 1 {
		return invalid("jobs.sync_days", "must be at least 1")
	}
	return nil
}

// Location returns the configured time zone.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LLM returns the provider settings in the form llm.New expects.
func (c Config) LLM() llm.Config {
	return llm.Config{
		Provider:  c.Provider.Name,
		APIKey:    c.Provider.APIKey,
		Model:     c.Provider.Model,
		BaseURL:   c.Provider.BaseURL,
		Timeout:   c.Provider.Timeout,
		CacheTTL:  c.Provider.CacheTTL,
		RateLimit: c.Provider.RateLimit,
		MaxTokens: c.Provider.MaxTokens,
		Breaker: llm.BreakerConfig{
			MinRequests:      c.Provider.BreakerMin,
			FailureRatio:     c.Provider.BreakerRatio,
			OpenTimeout:      c.Provider.BreakerOpen,
			HalfOpenMaxCalls: 1,
		},
	}
}

// PlaidClient returns the Plaid settings in the form plaid.NewClient expects.
func (c Config) PlaidClient() *plaid.Config {
	return &plaid.Config{
		ClientID:     c.Plaid.ClientID,
		Secret:       c.Plaid.Secret,
		Environment:  c.Plaid.Environment,
		AccessToken:  c.Plaid.AccessToken,
		AccessTokens: c.Plaid.AccessTokens,
	}
}

// NATS returns the sink settings in the form notify.NewNATSSink expects.
func (c Config) NATS() notify.NATSOptions {
	return notify.NATSOptions{
		URL:            c.Notify.NATSURL,
		Subject:        c.Notify.Subject,
		AnswersSubject: c.Notify.AnswersSubject,
		QueueGroup:     c.Notify.QueueGroup,
	}
}

// SMTP returns the relay settings in the form delivery.NewSMTPMailer expects.
func (c Config) SMTP() delivery.SMTPConfig {
	return delivery.SMTPConfig{
		Host:     c.Delivery.SMTPHost,
		Port:     c.Delivery.SMTPPort,
		User:     c.Delivery.SMTPUser,
		Password: c.Delivery.SMTPPassword,
		From:     c.Delivery.From,
	}
}

// SourceKinds lists the bank source kinds the configured accounts use.
func (c Config) SourceKinds() []string {
	var kinds []string
	seen := make(map[string]bool)
	for _, a := range c.Accounts {
		if k := a.SourceKind(); !seen[k] {
			seen[k] = true
			kinds = append(kinds, k)
		}
	}
	return kinds
}

func oneOf(s string, allowed []string) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}
