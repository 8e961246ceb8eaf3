package config

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config is the root configuration for enrich-cli.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
	Anthropic    AnthropicConfig    `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity   PerplexityConfig   `yaml:"perplexity" mapstructure:"perplexity"`
	Jina         JinaConfig         `yaml:"jina" mapstructure:"jina"`
	Wikidata     WikidataConfig     `yaml:"wikidata" mapstructure:"wikidata"`
	Wayback      WaybackConfig      `yaml:"wayback" mapstructure:"wayback"`
	Captcha      CaptchaConfig      `yaml:"captcha" mapstructure:"captcha"`
	Browser      BrowserConfig      `yaml:"browser" mapstructure:"browser"`
	Fetch        FetchConfig        `yaml:"fetch" mapstructure:"fetch"`
	Sources      SourcesConfig      `yaml:"sources" mapstructure:"sources"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Confidence   ConfidenceConfig   `yaml:"confidence" mapstructure:"confidence"`
	Cache        CacheConfig        `yaml:"cache" mapstructure:"cache"`
	Queue        QueueConfig        `yaml:"queue" mapstructure:"queue"`
	Batch        BatchConfig        `yaml:"batch" mapstructure:"batch"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Events       EventsConfig       `yaml:"events" mapstructure:"events"`
	IMDb         IMDbConfig         `yaml:"imdb" mapstructure:"imdb"`
	Pricing      PricingConfig      `yaml:"pricing" mapstructure:"pricing"`
}

// StoreConfig selects and configures the relational store.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures the global logger and the rotating enrichment log.
type LogConfig struct {
	Level  string        `yaml:"level" mapstructure:"level"`
	Format string        `yaml:"format" mapstructure:"format"`
	File   LogFileConfig `yaml:"file" mapstructure:"file"`
}

// LogFileConfig configures size-based log rotation. An empty Path disables
// the file sink.
type LogFileConfig struct {
	Path       string `yaml:"path" mapstructure:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

type JinaConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	SearchBaseURL string `yaml:"search_base_url" mapstructure:"search_base_url"`
}

type WikidataConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	UserAgent string `yaml:"user_agent" mapstructure:"user_agent"`
}

type WaybackConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

type CaptchaConfig struct {
	Key              string `yaml:"key" mapstructure:"key"`
	BaseURL          string `yaml:"base_url" mapstructure:"base_url"`
	PollIntervalSecs int    `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	TimeoutSecs      int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

type BrowserConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	ExecPath    string `yaml:"exec_path" mapstructure:"exec_path"`
	Headless    bool   `yaml:"headless" mapstructure:"headless"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

type FetchConfig struct {
	UserAgent    string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs  int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxBodyBytes int64  `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
}

// SourcesConfig points at the registry ordering file and declares the
// configured page sites.
type SourcesConfig struct {
	RegistryFile string       `yaml:"registry_file" mapstructure:"registry_file"`
	Sites        []SiteConfig `yaml:"sites" mapstructure:"sites"`
}

// SiteConfig declares a news or obituary site reached through the fetch layer.
type SiteConfig struct {
	Type          string      `yaml:"type" mapstructure:"type"`
	Name          string      `yaml:"name" mapstructure:"name"`
	Tier          string      `yaml:"tier" mapstructure:"tier"`
	URLTemplate   string      `yaml:"url_template" mapstructure:"url_template"`
	CostPerQuery  float64     `yaml:"cost_per_query" mapstructure:"cost_per_query"`
	MinDelayMs    int         `yaml:"min_delay_ms" mapstructure:"min_delay_ms"`
	TimeoutSecs   int         `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequiresLogin bool        `yaml:"requires_login" mapstructure:"requires_login"`
	Login         LoginConfig `yaml:"login" mapstructure:"login"`
}

// LoginConfig drives a form-based login handler.
type LoginConfig struct {
	LoginURL         string `yaml:"login_url" mapstructure:"login_url"`
	Username         string `yaml:"username" mapstructure:"username"`
	Password         string `yaml:"password" mapstructure:"password"`
	UsernameSelector string `yaml:"username_selector" mapstructure:"username_selector"`
	PasswordSelector string `yaml:"password_selector" mapstructure:"password_selector"`
	SubmitSelector   string `yaml:"submit_selector" mapstructure:"submit_selector"`
	LoggedInSelector string `yaml:"logged_in_selector" mapstructure:"logged_in_selector"`
	SessionCookie    string `yaml:"session_cookie" mapstructure:"session_cookie"`
	CaptchaSelector  string `yaml:"captcha_selector" mapstructure:"captcha_selector"`
}

type OrchestratorConfig struct {
	GoodEnough       float64 `yaml:"good_enough" mapstructure:"good_enough"`
	CostBudgetUSD    float64 `yaml:"cost_budget_usd" mapstructure:"cost_budget_usd"`
	BreakerThreshold int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

type ConfidenceConfig struct {
	MaterialityThreshold float64         `yaml:"materiality_threshold" mapstructure:"materiality_threshold"`
	CorroborationBonus   float64         `yaml:"corroboration_bonus" mapstructure:"corroboration_bonus"`
	Rules                map[string]bool `yaml:"rules" mapstructure:"rules"`
}

// CacheConfig sets per-tier TTLs in hours, keyed by tier name.
type CacheConfig struct {
	Enabled  bool           `yaml:"enabled" mapstructure:"enabled"`
	TTLHours map[string]int `yaml:"ttl_hours" mapstructure:"ttl_hours"`
}

type QueueConfig struct {
	MaxAttempts     int            `yaml:"max_attempts" mapstructure:"max_attempts"`
	BackoffBaseSecs int            `yaml:"backoff_base_secs" mapstructure:"backoff_base_secs"`
	BackoffMaxSecs  int            `yaml:"backoff_max_secs" mapstructure:"backoff_max_secs"`
	PollIntervalMs  int            `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	Concurrency     map[string]int `yaml:"concurrency" mapstructure:"concurrency"`
}

type BatchConfig struct {
	Concurrency      int `yaml:"concurrency" mapstructure:"concurrency"`
	CircuitThreshold int `yaml:"circuit_threshold" mapstructure:"circuit_threshold"`
	Limit            int `yaml:"limit" mapstructure:"limit"`
}

type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// EventsConfig enables Pub/Sub lifecycle events when ProjectID is set.
type EventsConfig struct {
	ProjectID string `yaml:"project_id" mapstructure:"project_id"`
	Topic     string `yaml:"topic" mapstructure:"topic"`
}

type IMDbConfig struct {
	URL       string `yaml:"url" mapstructure:"url"`
	BatchSize int    `yaml:"batch_size" mapstructure:"batch_size"`
}

type PricingConfig struct {
	Anthropic  map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity PerplexityPricing       `yaml:"perplexity" mapstructure:"perplexity"`
	Jina       JinaPricing             `yaml:"jina" mapstructure:"jina"`
	Captcha    CaptchaPricing          `yaml:"captcha" mapstructure:"captcha"`
	Browser    BrowserPricing          `yaml:"browser" mapstructure:"browser"`
}

type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

type PerplexityPricing struct {
	PerQuery float64 `yaml:"per_query" mapstructure:"per_query"`
}

type JinaPricing struct {
	PerQuery float64 `yaml:"per_query" mapstructure:"per_query"`
}

type CaptchaPricing struct {
	PerSolve float64 `yaml:"per_solve" mapstructure:"per_solve"`
}

type BrowserPricing struct {
	PerPage float64 `yaml:"per_page" mapstructure:"per_page"`
}

// Load reads config.yaml from the working directory (optional) and
// ENRICH_* environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ENRICH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "enrich.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", 1)
	v.SetDefault("log.file.max_backups", 2)
	v.SetDefault("log.file.max_age_days", 0)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("wikidata.enabled", true)
	v.SetDefault("wikidata.endpoint", "https://query.wikidata.org/sparql")
	v.SetDefault("wikidata.user_agent", "enrich-cli/1.0 (https://github.com/deadonfilm/enrich-cli)")
	v.SetDefault("wayback.base_url", "https://archive.org")
	v.SetDefault("captcha.base_url", "https://2captcha.com")
	v.SetDefault("captcha.poll_interval_secs", 5)
	v.SetDefault("captcha.timeout_secs", 120)
	v.SetDefault("browser.enabled", false)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.timeout_secs", 60)
	v.SetDefault("fetch.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("fetch.timeout_secs", 15)
	v.SetDefault("fetch.max_body_bytes", 1<<20)
	v.SetDefault("sources.registry_file", "")
	v.SetDefault("orchestrator.good_enough", 0.85)
	v.SetDefault("orchestrator.cost_budget_usd", 0.10)
	v.SetDefault("orchestrator.breaker_threshold", 5)
	v.SetDefault("orchestrator.breaker_reset_secs", 300)
	v.SetDefault("confidence.materiality_threshold", 0.5)
	v.SetDefault("confidence.corroboration_bonus", 0.1)
	v.SetDefault("confidence.rules", map[string]bool{"prefer_ai_cause": true})
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl_hours", map[string]int{})
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_base_secs", 60)
	v.SetDefault("queue.backoff_max_secs", 3600)
	v.SetDefault("queue.poll_interval_ms", 500)
	v.SetDefault("queue.concurrency", map[string]int{"enrichment": 3, "maintenance": 1})
	v.SetDefault("batch.concurrency", 1)
	v.SetDefault("batch.circuit_threshold", 3)
	v.SetDefault("batch.limit", 100)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("events.topic", "enrichment-events")
	v.SetDefault("imdb.url", "https://datasets.imdbws.com/name.basics.tsv.gz")
	v.SetDefault("imdb.batch_size", 1000)
	v.SetDefault("pricing.perplexity.per_query", 0.005)
	v.SetDefault("pricing.jina.per_query", 0.001)
	v.SetDefault("pricing.captcha.per_solve", 0.003)
	v.SetDefault("pricing.browser.per_page", 0.002)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return eris.Errorf("config: unsupported store driver %q", c.Store.Driver)
	}
	if c.Orchestrator.GoodEnough <= 0 || c.Orchestrator.GoodEnough > 1 {
		return eris.Errorf("config: orchestrator.good_enough must be in (0,1], got %f", c.Orchestrator.GoodEnough)
	}
	if c.Orchestrator.CostBudgetUSD < 0 {
		return eris.New("config: orchestrator.cost_budget_usd must not be negative")
	}
	if c.Confidence.MaterialityThreshold < 0 || c.Confidence.MaterialityThreshold > 1 {
		return eris.Errorf("config: confidence.materiality_threshold must be in [0,1], got %f", c.Confidence.MaterialityThreshold)
	}
	if c.Queue.MaxAttempts < 1 {
		return eris.New("config: queue.max_attempts must be at least 1")
	}
	if c.Batch.CircuitThreshold < 1 {
		return eris.New("config: batch.circuit_threshold must be at least 1")
	}
	for _, site := range c.Sources.Sites {
		if site.Type == "" || site.URLTemplate == "" {
			return eris.Errorf("config: source site %q needs type and url_template", site.Name)
		}
	}
	return nil
}

// InitLogger builds the global zap logger. When cfg.File.Path is set, JSON
// output is also written to a size-rotated file.
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

	if cfg.File.Path != "" {
		fileCore := zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(RotatingWriter(cfg.File)),
			zapCfg.Level,
		)
		logger = logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(c, fileCore)
		}))
	}

	zap.ReplaceGlobals(logger)
	return nil
}

// RotatingWriter returns a size-rotated file writer for cfg.
func RotatingWriter(cfg LogFileConfig) *lumberjack.Logger {
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 1
	}
	return &lumberjack.Logger{
		Filename:   os.ExpandEnv(cfg.Path),
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
}
