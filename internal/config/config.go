package config

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Source kinds understood by the adapter registry.
const (
	KindZillow        = "zillow"
	KindCraigslist    = "craigslist"
	KindMarketplace   = "marketplace"
	KindPublicRecords = "public_records"
	KindParcels       = "parcels"
	KindStatic        = "static"
)

// SourceKinds lists every supported source kind.
var SourceKinds = []string{KindZillow, KindCraigslist, KindMarketplace, KindPublicRecords, KindParcels, KindStatic}

// Config holds the full application configuration.
type Config struct {
	Log         LogConfig        `yaml:"log" mapstructure:"log"`
	Scheduler   SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Pipeline    PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Normalize   NormalizeConfig  `yaml:"normalize" mapstructure:"normalize"`
	Dedup       DedupConfig      `yaml:"dedup" mapstructure:"dedup"`
	History     HistoryConfig    `yaml:"history" mapstructure:"history"`
	Store       StoreConfig      `yaml:"store" mapstructure:"store"`
	Delivery    DeliveryConfig   `yaml:"delivery" mapstructure:"delivery"`
	Monitoring  MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server      ServerConfig     `yaml:"server" mapstructure:"server"`
	Retry       RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit     CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Fetch       FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Jina        JinaConfig       `yaml:"jina" mapstructure:"jina"`
	Notion      NotionConfig     `yaml:"notion" mapstructure:"notion"`
	Salesforce  SalesforceConfig `yaml:"salesforce" mapstructure:"salesforce"`
	SourcesFile string           `yaml:"sources_file" mapstructure:"sources_file"`
	Sources     []SourceConfig   `yaml:"sources" mapstructure:"sources"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// SchedulerConfig configures the recurring run trigger.
type SchedulerConfig struct {
	IntervalMinutes int  `yaml:"interval_minutes" mapstructure:"interval_minutes"`
	RunOnStart      bool `yaml:"run_on_start" mapstructure:"run_on_start"`
}

// PipelineConfig configures run execution.
type PipelineConfig struct {
	Concurrency       int `yaml:"concurrency" mapstructure:"concurrency"`
	SourceTimeoutSecs int `yaml:"source_timeout_secs" mapstructure:"source_timeout_secs"`
	RunTimeoutSecs    int `yaml:"run_timeout_secs" mapstructure:"run_timeout_secs"`
}

// NormalizeConfig configures distress scoring during normalization.
type NormalizeConfig struct {
	DistressKeywords map[string]int `yaml:"distress_keywords" mapstructure:"distress_keywords"`
	ListingWeights   map[string]int `yaml:"listing_weights" mapstructure:"listing_weights"`
	DaysOnMarketMax  int            `yaml:"days_on_market_max" mapstructure:"days_on_market_max"`
	DaysOnMarketWt   int            `yaml:"days_on_market_weight" mapstructure:"days_on_market_weight"`
	PriceReducedWt   int            `yaml:"price_reduced_weight" mapstructure:"price_reduced_weight"`
}

// DedupConfig holds the duplicate scoring weights and merge threshold.
type DedupConfig struct {
	Threshold          float64 `yaml:"threshold" mapstructure:"threshold"`
	NameMinSimilarity  float64 `yaml:"name_min_similarity" mapstructure:"name_min_similarity"`
	ExternalIDWeight   float64 `yaml:"external_id_weight" mapstructure:"external_id_weight"`
	ExternalIDConflict float64 `yaml:"external_id_conflict" mapstructure:"external_id_conflict"`
	ContactWeight      float64 `yaml:"contact_weight" mapstructure:"contact_weight"`
	NameWeight         float64 `yaml:"name_weight" mapstructure:"name_weight"`
	ListingTypeWeight  float64 `yaml:"listing_type_weight" mapstructure:"listing_type_weight"`
}

// HistoryConfig configures History Index persistence.
type HistoryConfig struct {
	Driver         string `yaml:"driver" mapstructure:"driver"`
	Path           string `yaml:"path" mapstructure:"path"`
	SaveAttempts   int    `yaml:"save_attempts" mapstructure:"save_attempts"`
	SaveBackoffMs  int    `yaml:"save_backoff_ms" mapstructure:"save_backoff_ms"`
	LockTimeoutSec int    `yaml:"lock_timeout_secs" mapstructure:"lock_timeout_secs"`
}

// StoreConfig configures the database backend for run records.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// DeliveryConfig selects and configures delivery sinks.
type DeliveryConfig struct {
	Dir        string   `yaml:"dir" mapstructure:"dir"`
	Formats    []string `yaml:"formats" mapstructure:"formats"`
	WebhookURL string   `yaml:"webhook_url" mapstructure:"webhook_url"`
	Notion     bool     `yaml:"notion" mapstructure:"notion"`
	Salesforce bool     `yaml:"salesforce" mapstructure:"salesforce"`
}

// MonitoringConfig configures run alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackRuns         int     `yaml:"lookback_runs" mapstructure:"lookback_runs"`
}

// ServerConfig configures the operator API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// RetryConfig configures retries for transient failures.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures per-source circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// FetchConfig configures the shared HTTP and FTP fetchers.
type FetchConfig struct {
	UserAgent   string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries  int    `yaml:"max_retries" mapstructure:"max_retries"`
	TempDir     string `yaml:"temp_dir" mapstructure:"temp_dir"`
}

// JinaConfig holds Jina Reader settings used as a fallback for blocked pages.
type JinaConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// NotionConfig holds Notion API credentials and the lead database ID.
type NotionConfig struct {
	Token  string `yaml:"token" mapstructure:"token"`
	LeadDB string `yaml:"lead_db" mapstructure:"lead_db"`
}

// SalesforceConfig holds Salesforce JWT auth settings.
type SalesforceConfig struct {
	ClientID string `yaml:"client_id" mapstructure:"client_id"`
	Username string `yaml:"username" mapstructure:"username"`
	KeyPath  string `yaml:"key_path" mapstructure:"key_path"`
	LoginURL string `yaml:"login_url" mapstructure:"login_url"`
}

// SourceConfig describes one external lead source.
type SourceConfig struct {
	ID             string            `yaml:"id" mapstructure:"id"`
	Kind           string            `yaml:"kind" mapstructure:"kind"`
	Enabled        *bool             `yaml:"enabled" mapstructure:"enabled"`
	URL            string            `yaml:"url" mapstructure:"url"`
	Format         string            `yaml:"format" mapstructure:"format"`
	ZipMember      string            `yaml:"zip_member" mapstructure:"zip_member"`
	Selector       string            `yaml:"selector" mapstructure:"selector"`
	Pages          int               `yaml:"pages" mapstructure:"pages"`
	TimeoutSecs    int               `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MinIntervalMs  int               `yaml:"min_interval_ms" mapstructure:"min_interval_ms"`
	MaxRecords     int               `yaml:"max_records" mapstructure:"max_records"`
	ListingType    string            `yaml:"listing_type" mapstructure:"listing_type"`
	ReaderFallback bool              `yaml:"reader_fallback" mapstructure:"reader_fallback"`
	Headers        map[string]string `yaml:"headers" mapstructure:"headers"`
	Mapping        FieldMapping      `yaml:"mapping" mapstructure:"mapping"`
	Records        []map[string]any  `yaml:"records" mapstructure:"records"`
}

// IsEnabled reports whether the source takes part in runs. Sources are
// enabled unless explicitly disabled.
func (s SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// FieldMapping names the raw record keys that feed each canonical Lead
// attribute. Empty entries fall back to the normalizer's defaults.
type FieldMapping struct {
	Address      string `yaml:"address" mapstructure:"address"`
	Street       string `yaml:"street" mapstructure:"street"`
	Unit         string `yaml:"unit" mapstructure:"unit"`
	City         string `yaml:"city" mapstructure:"city"`
	State        string `yaml:"state" mapstructure:"state"`
	Zip          string `yaml:"zip" mapstructure:"zip"`
	ExternalID   string `yaml:"external_id" mapstructure:"external_id"`
	Name         string `yaml:"name" mapstructure:"name"`
	Phone        string `yaml:"phone" mapstructure:"phone"`
	Email        string `yaml:"email" mapstructure:"email"`
	ListingType  string `yaml:"listing_type" mapstructure:"listing_type"`
	Price        string `yaml:"price" mapstructure:"price"`
	URL          string `yaml:"url" mapstructure:"url"`
	Description  string `yaml:"description" mapstructure:"description"`
	ListedAt     string `yaml:"listed_at" mapstructure:"listed_at"`
	Lat          string `yaml:"lat" mapstructure:"lat"`
	Lng          string `yaml:"lng" mapstructure:"lng"`
	DaysOnMarket string `yaml:"days_on_market" mapstructure:"days_on_market"`
	PriceReduced string `yaml:"price_reduced" mapstructure:"price_reduced"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LEADBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("scheduler.interval_minutes", 720)
	v.SetDefault("scheduler.run_on_start", true)
	v.SetDefault("pipeline.concurrency", 4)
	v.SetDefault("pipeline.source_timeout_secs", 120)
	v.SetDefault("pipeline.run_timeout_secs", 900)
	v.SetDefault("normalize.distress_keywords", map[string]int{
		"foreclosure":    100,
		"bank owned":     80,
		"reo":            80,
		"short sale":     70,
		"probate":        90,
		"estate sale":    60,
		"tax delinquent": 80,
		"code violation": 60,
		"vacant":         40,
		"absentee":       30,
		"as-is":          20,
		"fixer":          20,
		"needs work":     20,
		"handyman":       20,
		"distressed":     30,
		"must sell":      20,
		"motivated":      20,
	})
	v.SetDefault("normalize.listing_weights", map[string]int{
		"pre_foreclosure": 100,
		"probate":         90,
	})
	v.SetDefault("normalize.days_on_market_max", 120)
	v.SetDefault("normalize.days_on_market_weight", 30)
	v.SetDefault("normalize.price_reduced_weight", 20)
	v.SetDefault("dedup.threshold", 0.7)
	v.SetDefault("dedup.name_min_similarity", 0.8)
	v.SetDefault("dedup.external_id_weight", 1.0)
	v.SetDefault("dedup.external_id_conflict", -1.0)
	v.SetDefault("dedup.contact_weight", 0.8)
	v.SetDefault("dedup.name_weight", 0.6)
	v.SetDefault("dedup.listing_type_weight", 0.2)
	v.SetDefault("history.driver", "file")
	v.SetDefault("history.path", "data/history.json")
	v.SetDefault("history.save_attempts", 5)
	v.SetDefault("history.save_backoff_ms", 500)
	v.SetDefault("history.lock_timeout_secs", 10)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "data/leadbot.db")
	v.SetDefault("store.max_conns", 5)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("delivery.dir", "data/output")
	v.SetDefault("delivery.formats", []string{"csv"})
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.check_interval_secs", 900)
	v.SetDefault("monitoring.lookback_runs", 10)
	v.SetDefault("server.port", 8080)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 3)
	v.SetDefault("circuit.reset_timeout_secs", 1800)
	v.SetDefault("fetch.user_agent", "leadbot/1.0 (+https://sellsadvisors.com)")
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.max_retries", 2)
	v.SetDefault("fetch.temp_dir", os.TempDir())
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("salesforce.login_url", "https://login.salesforce.com")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if cfg.SourcesFile != "" {
		sources, err := LoadSources(cfg.SourcesFile)
		if err != nil {
			return nil, err
		}
		cfg.Sources = MergeSources(cfg.Sources, sources)
	}

	return &cfg, nil
}

type sourcesFile struct {
	Sources []SourceConfig `yaml:"sources"`
}

// LoadSources reads a standalone YAML file holding a top-level sources list.
func LoadSources(path string) ([]SourceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read sources file %s", path)
	}

	var f sourcesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "config: parse sources file %s", path)
	}
	return f.Sources, nil
}

// MergeSources overlays extra onto base by source ID. Entries only present in
// extra are appended in their file order.
func MergeSources(base, extra []SourceConfig) []SourceConfig {
	out := slices.Clone(base)
	for _, s := range extra {
		idx := slices.IndexFunc(out, func(b SourceConfig) bool { return b.ID == s.ID })
		if idx >= 0 {
			out[idx] = s
			continue
		}
		out = append(out, s)
	}
	return out
}

// EnabledSources returns the sources that take part in runs, in config order.
func (c *Config) EnabledSources() []SourceConfig {
	var out []SourceConfig
	for _, s := range c.Sources {
		if s.IsEnabled() {
			out = append(out, s)
		}
	}
	return out
}

// Source returns the source config with the given ID.
func (c *Config) Source(id string) (SourceConfig, bool) {
	for _, s := range c.Sources {
		if s.ID == id {
			return s, true
		}
	}
	return SourceConfig{}, false
}

// Validate checks the configuration for the given mode ("run", "serve" or
// "migrate") and reports every problem found in one error.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "run", "serve":
		errs = append(errs, c.validatePipeline()...)
		if mode == "serve" {
			if c.Server.Port <= 0 {
				errs = append(errs, "server.port must be > 0")
			}
			if c.Scheduler.IntervalMinutes <= 0 {
				errs = append(errs, "scheduler.interval_minutes must be > 0")
			}
		}
	case "migrate":
		if c.Store.Driver == "none" {
			errs = append(errs, "store.driver is required for migrate")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "sqlite", "postgres", "none":
	default:
		errs = append(errs, fmt.Sprintf("unknown store.driver %q", c.Store.Driver))
	}
	if c.Store.Driver != "none" && c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validatePipeline() []string {
	var errs []string

	if c.Pipeline.Concurrency < 1 || c.Pipeline.Concurrency > 64 {
		errs = append(errs, "pipeline.concurrency must be between 1 and 64")
	}
	if c.Pipeline.SourceTimeoutSecs <= 0 {
		errs = append(errs, "pipeline.source_timeout_secs must be > 0")
	}
	for name, v := range map[string]float64{
		"dedup.threshold":                   c.Dedup.Threshold,
		"dedup.name_min_similarity":         c.Dedup.NameMinSimilarity,
		"monitoring.failure_rate_threshold": c.Monitoring.FailureRateThreshold,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Sprintf("%s must be between 0 and 1", name))
		}
	}

	switch c.History.Driver {
	case "file":
		if c.History.Path == "" {
			errs = append(errs, "history.path is required")
		}
	case "store":
		if c.Store.Driver == "none" {
			errs = append(errs, "history.driver=store requires a store.driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown history.driver %q", c.History.Driver))
	}

	for _, f := range c.Delivery.Formats {
		if f != "csv" && f != "xlsx" {
			errs = append(errs, fmt.Sprintf("unknown delivery format %q", f))
		}
	}
	if c.Delivery.Notion && (c.Notion.Token == "" || c.Notion.LeadDB == "") {
		errs = append(errs, "notion.token and notion.lead_db are required for notion delivery")
	}
	if c.Delivery.Salesforce && (c.Salesforce.ClientID == "" || c.Salesforce.Username == "" || c.Salesforce.KeyPath == "") {
		errs = append(errs, "salesforce.client_id, username and key_path are required for salesforce delivery")
	}

	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if s.ID == "" {
			errs = append(errs, fmt.Sprintf("sources[%d].id is required", i))
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Sprintf("duplicate source id %q", s.ID))
		}
		seen[s.ID] = true
		if !slices.Contains(SourceKinds, s.Kind) {
			errs = append(errs, fmt.Sprintf("source %q has unknown kind %q", s.ID, s.Kind))
		}
		if s.Kind != KindStatic && s.URL == "" {
			errs = append(errs, fmt.Sprintf("source %q requires a url", s.ID))
		}
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
