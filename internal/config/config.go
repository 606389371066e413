// Package config provides configuration loading for assistd.
//
// Configuration is read from an optional YAML file and overridden by
// ASSISTD_-prefixed environment variables. Every section has defaults
// applied after unmarshaling, then the whole tree is validated.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Privacy levels understood by the privacy settings store.
const (
	PrivacyLocalOnly   = "local_only"
	PrivacyBalanced    = "balanced"
	PrivacyPerformance = "performance"
)

// Redaction aggressiveness values.
const (
	RedactStandard = "standard"
	RedactStrict   = "strict"
)

// Remote summarization providers.
const (
	LLMProviderOpenAI    = "openai"
	LLMProviderAnthropic = "anthropic"
)

// Web search provider names.
const (
	ProviderBing   = "bing"
	ProviderGoogle = "google"
	ProviderTavily = "tavily"
)

// Config holds the complete assistd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Logging       LoggingConfig       `koanf:"logging"`
	Storage       StorageConfig       `koanf:"storage"`
	Embedding     EmbeddingConfig     `koanf:"embedding"`
	Vector        VectorConfig        `koanf:"vector"`
	Cache         CacheConfig         `koanf:"cache"`
	Privacy       PrivacyConfig       `koanf:"privacy"`
	Budget        BudgetConfig        `koanf:"budget"`
	Search        SearchConfig        `koanf:"search"`
	RemoteLLM     RemoteLLMConfig     `koanf:"remote_llm"`
	Retrieval     RetrievalConfig     `koanf:"retrieval"`
	Retention     RetentionConfig     `koanf:"retention"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	Endpoint        string `koanf:"endpoint"`
	Protocol        string `koanf:"protocol"` // grpc or http/protobuf
	Insecure        bool   `koanf:"insecure"`
}

// LoggingConfig selects the log level and encoding.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// StorageConfig locates durable state on disk.
type StorageConfig struct {
	DataDir    string `koanf:"data_dir"`
	SQLitePath string `koanf:"sqlite_path"`
}

// EmbeddingConfig configures the hashing embedder.
type EmbeddingConfig struct {
	Dim int `koanf:"dim"`
}

// VectorConfig configures the on-disk vector index.
type VectorConfig struct {
	IndexDir string `koanf:"index_dir"`
}

// CacheConfig configures the result cache.
type CacheConfig struct {
	Disabled bool     `koanf:"disabled"`
	InMemory bool     `koanf:"in_memory"`
	Dir      string   `koanf:"dir"`
	Timeout  Duration `koanf:"timeout"`
}

// PrivacyConfig seeds the privacy settings store on first use.
type PrivacyConfig struct {
	DefaultLevel          string `koanf:"default_level"`
	RetentionDays         int    `koanf:"retention_days"`
	RedactAggressiveness  string `koanf:"redact_aggressiveness"`
	AllowlistPath         string `koanf:"allowlist_path"`
	DisableCredentialScan bool   `koanf:"disable_credential_scan"`
}

// BudgetConfig seeds the budget ledger configuration on first use.
type BudgetConfig struct {
	DailyLimitUSD   float64 `koanf:"daily_limit_usd"`
	MonthlyLimitUSD float64 `koanf:"monthly_limit_usd"`
	Enforce         bool    `koanf:"enforce"`
	CostPerTokenUSD float64 `koanf:"cost_per_token_usd"`
}

// SearchConfig configures external web search.
type SearchConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Providers      string   `koanf:"providers"` // priority order, comma separated
	BingAPIKey     Secret   `koanf:"bing_api_key"`
	BingEndpoint   string   `koanf:"bing_endpoint"`
	GoogleAPIKey   Secret   `koanf:"google_api_key"`
	GoogleCX       string   `koanf:"google_cx"`
	GoogleEndpoint string   `koanf:"google_endpoint"`
	TavilyAPIKey   Secret   `koanf:"tavily_api_key"`
	TavilyEndpoint string   `koanf:"tavily_endpoint"`
	MaxResults     int      `koanf:"max_results"`
	Timeout        Duration `koanf:"timeout"`
	RatePerSecond  float64  `koanf:"rate_per_second"`
	Parallel       bool     `koanf:"parallel"`
}

// ProviderOrder returns the configured provider names in priority order.
func (s SearchConfig) ProviderOrder() []string {
	var names []string
	for _, p := range strings.Split(s.Providers, ",") {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			names = append(names, p)
		}
	}
	return names
}

// RemoteLLMConfig configures the remote summarization provider.
type RemoteLLMConfig struct {
	Enabled   bool     `koanf:"enabled"`
	Provider  string   `koanf:"provider"`
	Model     string   `koanf:"model"`
	APIKey    Secret   `koanf:"api_key"`
	BaseURL   string   `koanf:"base_url"`
	Timeout   Duration `koanf:"timeout"`
	MaxTokens int      `koanf:"max_tokens"`
}

// Configured reports whether escalation has everything it needs to run.
func (r RemoteLLMConfig) Configured() bool {
	return r.Enabled && r.APIKey.IsSet() && r.Model != ""
}

// RetrievalConfig controls how chat prompts are grounded.
type RetrievalConfig struct {
	Disabled   bool `koanf:"disabled"`
	IncludeWeb bool `koanf:"include_web"`
	TopK       int  `koanf:"top_k"`
	MaxChars   int  `koanf:"max_chars"`
}

// RetentionConfig schedules the retention sweep.
type RetentionConfig struct {
	Schedule string `koanf:"schedule"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d", c.Server.Port))
	}
	if c.Embedding.Dim <= 0 {
		errs = append(errs, fmt.Errorf("embedding dim must be positive, got %d", c.Embedding.Dim))
	}
	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage data_dir is required"))
	}

	switch c.Privacy.DefaultLevel {
	case PrivacyLocalOnly, PrivacyBalanced, PrivacyPerformance:
	default:
		errs = append(errs, fmt.Errorf("invalid privacy default_level %q", c.Privacy.DefaultLevel))
	}
	switch c.Privacy.RedactAggressiveness {
	case RedactStandard, RedactStrict:
	default:
		errs = append(errs, fmt.Errorf("invalid redact_aggressiveness %q", c.Privacy.RedactAggressiveness))
	}
	if c.Privacy.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("retention_days cannot be negative, got %d", c.Privacy.RetentionDays))
	}

	if c.Budget.DailyLimitUSD < 0 || c.Budget.MonthlyLimitUSD < 0 || c.Budget.CostPerTokenUSD < 0 {
		errs = append(errs, errors.New("budget limits and cost per token cannot be negative"))
	}

	for _, name := range c.Search.ProviderOrder() {
		switch name {
		case ProviderBing, ProviderGoogle, ProviderTavily:
		default:
			errs = append(errs, fmt.Errorf("unknown search provider %q", name))
		}
	}
	if c.Search.MaxResults <= 0 {
		errs = append(errs, fmt.Errorf("search max_results must be positive, got %d", c.Search.MaxResults))
	}

	switch c.RemoteLLM.Provider {
	case LLMProviderOpenAI, LLMProviderAnthropic:
	default:
		errs = append(errs, fmt.Errorf("unknown remote_llm provider %q", c.RemoteLLM.Provider))
	}

	if c.Retrieval.TopK < 0 || c.Retrieval.MaxChars < 0 {
		errs = append(errs, errors.New("retrieval top_k and max_chars cannot be negative"))
	}

	return errors.Join(errs...)
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config, home string) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8765
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "assistd"
	}
	if cfg.Observability.Endpoint == "" {
		cfg.Observability.Endpoint = "localhost:4317"
	}
	if cfg.Observability.Protocol == "" {
		cfg.Observability.Protocol = "grpc"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = filepath.Join(home, ".local", "share", "assistd")
	}
	cfg.Storage.DataDir = expandHome(cfg.Storage.DataDir, home)
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = filepath.Join(cfg.Storage.DataDir, "assistd.db")
	}

	if cfg.Embedding.Dim == 0 {
		cfg.Embedding.Dim = 768
	}
	if cfg.Vector.IndexDir == "" {
		cfg.Vector.IndexDir = filepath.Join(cfg.Storage.DataDir, "vector")
	}

	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = filepath.Join(cfg.Storage.DataDir, "cache")
	}
	if cfg.Cache.Timeout == 0 {
		cfg.Cache.Timeout = Duration(500 * time.Millisecond)
	}

	if cfg.Privacy.DefaultLevel == "" {
		cfg.Privacy.DefaultLevel = PrivacyLocalOnly
	}
	if cfg.Privacy.RetentionDays == 0 {
		cfg.Privacy.RetentionDays = 30
	}
	if cfg.Privacy.RedactAggressiveness == "" {
		cfg.Privacy.RedactAggressiveness = RedactStandard
	}

	if cfg.Search.Providers == "" {
		cfg.Search.Providers = "bing,google,tavily"
	}
	if cfg.Search.BingEndpoint == "" {
		cfg.Search.BingEndpoint = "https://api.bing.microsoft.com/v7.0/search"
	}
	if cfg.Search.GoogleEndpoint == "" {
		cfg.Search.GoogleEndpoint = "https://www.googleapis.com/customsearch/v1"
	}
	if cfg.Search.TavilyEndpoint == "" {
		cfg.Search.TavilyEndpoint = "https://api.tavily.com/search"
	}
	if cfg.Search.MaxResults == 0 {
		cfg.Search.MaxResults = 5
	}
	if cfg.Search.Timeout == 0 {
		cfg.Search.Timeout = Duration(8 * time.Second)
	}
	if cfg.Search.RatePerSecond == 0 {
		cfg.Search.RatePerSecond = 2
	}

	if cfg.RemoteLLM.Provider == "" {
		cfg.RemoteLLM.Provider = LLMProviderOpenAI
	}
	if cfg.RemoteLLM.Timeout == 0 {
		cfg.RemoteLLM.Timeout = Duration(20 * time.Second)
	}
	if cfg.RemoteLLM.MaxTokens == 0 {
		cfg.RemoteLLM.MaxTokens = 512
	}

	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = 3
	}
	if cfg.Retrieval.MaxChars == 0 {
		cfg.Retrieval.MaxChars = 1800
	}

	if cfg.Retention.Schedule == "" {
		cfg.Retention.Schedule = "@hourly"
	}
}

func expandHome(path, home string) string {
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
