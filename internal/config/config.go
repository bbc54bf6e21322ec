// Package config handles configuration loading and validation for codechat.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config represents the complete codechat configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Embeddings EmbeddingsConfig `mapstructure:"embeddings"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Indexing   IndexingConfig   `mapstructure:"indexing"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Retrieval  RetrievalConfig  `mapstructure:"retrieval"`
	Chat       ChatConfig       `mapstructure:"chat"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Ignore     []string         `mapstructure:"ignore"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// EmbeddingsConfig configures the embedding service and the batching pipeline around it.
type EmbeddingsConfig struct {
	Provider  string            `mapstructure:"provider"`
	Ollama    OllamaEmbedConfig `mapstructure:"ollama"`
	OpenAI    OpenAIEmbedConfig `mapstructure:"openai"`
	BatchSize int               `mapstructure:"batch_size"`
	Workers   int               `mapstructure:"workers"`
	Timeout   time.Duration     `mapstructure:"timeout"`
	CacheSize int               `mapstructure:"cache_size"`
	RateLimit float64           `mapstructure:"rate_limit"`
	Retry     RetryConfig       `mapstructure:"retry"`
}

// RetryConfig configures exponential backoff for provider calls.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// OllamaEmbedConfig configures Ollama embeddings.
type OllamaEmbedConfig struct {
	URL   string `mapstructure:"url"`
	Model string `mapstructure:"model"`
}

// OpenAIEmbedConfig configures OpenAI embeddings.
type OpenAIEmbedConfig struct {
	Model      string `mapstructure:"model"`
	BaseURL    string `mapstructure:"base_url"`
	APIKey     string `mapstructure:"api_key"`
	Dimensions int    `mapstructure:"dimensions"`
}

// DatabaseConfig configures the SQLite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// IndexingConfig configures scanning and chunking.
type IndexingConfig struct {
	MaxFileSize     int   `mapstructure:"max_file_size"`
	MaxFileCount    int   `mapstructure:"max_file_count"`
	MaxTotalBytes   int64 `mapstructure:"max_total_bytes"`
	ChunkSize       int   `mapstructure:"chunk_size"`
	ChunkOverlap    int   `mapstructure:"chunk_overlap"`
	MaxChunkChars   int   `mapstructure:"max_chunk_chars"`
	GitHistory      bool  `mapstructure:"git_history"`
	GitHistoryDepth int   `mapstructure:"git_history_depth"`

	// Extensions limits ingestion to these file extensions when set.
	Extensions []string `mapstructure:"extensions"`
}

// IngestConfig configures the ingestion coordinator.
type IngestConfig struct {
	Workers int `mapstructure:"workers"`
}

// RetrievalConfig configures the retriever.
type RetrievalConfig struct {
	TopK               int  `mapstructure:"top_k"`
	CandidateFactor    int  `mapstructure:"candidate_factor"`
	ExpandDependencies bool `mapstructure:"expand_dependencies"`
	MaxDependencies    int  `mapstructure:"max_dependencies"`
}

// ChatConfig configures the chat orchestrator.
type ChatConfig struct {
	HistoryWindow  int           `mapstructure:"history_window"`
	TitleLength    int           `mapstructure:"title_length"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Temperature    float64       `mapstructure:"temperature"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	DefaultProject string        `mapstructure:"default_project"`
}

// LLMConfig configures the LLM service for answers.
type LLMConfig struct {
	Provider  string          `mapstructure:"provider"`
	Ollama    OllamaLLMConfig `mapstructure:"ollama"`
	OpenAI    OpenAILLMConfig `mapstructure:"openai"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
}

// OllamaLLMConfig configures Ollama LLM.
type OllamaLLMConfig struct {
	URL   string `mapstructure:"url"`
	Model string `mapstructure:"model"`
}

// OpenAILLMConfig configures OpenAI LLM.
type OpenAILLMConfig struct {
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// AnthropicConfig configures Anthropic LLM.
type AnthropicConfig struct {
	Model  string `mapstructure:"model"`
	APIKey string `mapstructure:"api_key"`
}

// Global configuration instance
var cfg *Config

// Get returns the current configuration.
func Get() *Config {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return cfg
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        DefaultHost,
			Port:        DefaultPort,
			CORSOrigins: []string{"*"},
		},
		Embeddings: EmbeddingsConfig{
			Provider: DefaultEmbeddingProvider,
			Ollama: OllamaEmbedConfig{
				URL:   DefaultOllamaURL,
				Model: DefaultOllamaEmbedModel,
			},
			OpenAI: OpenAIEmbedConfig{
				Model: DefaultOpenAIEmbedModel,
			},
			BatchSize: DefaultEmbedBatchSize,
			Workers:   DefaultEmbedWorkers,
			Timeout:   DefaultEmbedTimeout,
			CacheSize: DefaultEmbedCacheSize,
			RateLimit: DefaultEmbedRateLimit,
			Retry: RetryConfig{
				MaxAttempts: DefaultRetryMaxAttempts,
				BaseDelay:   DefaultRetryBaseDelay,
				MaxDelay:    DefaultRetryMaxDelay,
			},
		},
		Database: DatabaseConfig{
			Path: DefaultDatabasePath(),
		},
		Indexing: IndexingConfig{
			MaxFileSize:     DefaultMaxFileSize,
			MaxFileCount:    DefaultMaxFileCount,
			MaxTotalBytes:   DefaultMaxTotalBytes,
			ChunkSize:       DefaultChunkSize,
			ChunkOverlap:    DefaultChunkOverlap,
			MaxChunkChars:   DefaultMaxChunkChars,
			GitHistory:      true,
			GitHistoryDepth: DefaultGitHistoryDepth,
		},
		Ingest: IngestConfig{
			Workers: DefaultIngestWorkers,
		},
		Retrieval: RetrievalConfig{
			TopK:               DefaultTopK,
			CandidateFactor:    DefaultCandidateFactor,
			ExpandDependencies: true,
			MaxDependencies:    DefaultMaxDependencies,
		},
		Chat: ChatConfig{
			HistoryWindow: DefaultHistoryWindow,
			TitleLength:   DefaultSessionTitleLen,
			Timeout:       DefaultLLMTimeout,
			Temperature:   DefaultLLMTemperature,
			MaxTokens:     DefaultLLMMaxTokens,
		},
		LLM: LLMConfig{
			Provider: DefaultLLMProvider,
			Ollama: OllamaLLMConfig{
				URL:   DefaultOllamaURL,
				Model: DefaultOllamaLLMModel,
			},
			OpenAI: OpenAILLMConfig{
				Model: DefaultOpenAILLMModel,
			},
			Anthropic: AnthropicConfig{
				Model: DefaultAnthropicModel,
			},
		},
		Ignore: DefaultIgnorePatterns(),
	}
}

// Load reads configuration from file and environment variables.
func Load(configFile string) error {
	// Set defaults
	setDefaults()

	// Set config file if specified
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		// Search for config in standard locations
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(DefaultConfigDir())
		viper.AddConfigPath(".")

		// Also check for .codechatrc.yaml in current directory and parents
		if rcPath := findRCFile(); rcPath != "" {
			viper.SetConfigFile(rcPath)
		}
	}

	// Environment variables
	viper.SetEnvPrefix("CODECHAT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Read config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		log.Debug("No config file found, using defaults")
	} else {
		log.Debug("Loaded config from", "file", viper.ConfigFileUsed())
	}

	// Unmarshal into config struct
	cfg = &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("error parsing config: %w", err)
	}

	// Load API keys from environment if not in config
	loadAPIKeysFromEnv()

	return cfg.Validate()
}

// BindServerFlags binds the serve command flags so they take precedence over file and env values.
func BindServerFlags(flags *pflag.FlagSet) error {
	if f := flags.Lookup("host"); f != nil {
		if err := viper.BindPFlag("server.host", f); err != nil {
			return err
		}
	}
	if f := flags.Lookup("port"); f != nil {
		if err := viper.BindPFlag("server.port", f); err != nil {
			return err
		}
	}
	return nil
}

// Refresh re-reads bound values into the global config after flags are parsed.
func Refresh() error {
	next := &Config{}
	if err := viper.Unmarshal(next); err != nil {
		return fmt.Errorf("error parsing config: %w", err)
	}
	cfg = next
	loadAPIKeysFromEnv()
	return cfg.Validate()
}

// Validate checks values that would otherwise fail deep inside a job.
func (c *Config) Validate() error {
	if c.Indexing.ChunkSize <= 0 {
		return fmt.Errorf("indexing.chunk_size must be positive")
	}
	if c.Indexing.ChunkOverlap < 0 || c.Indexing.ChunkOverlap >= c.Indexing.ChunkSize {
		return fmt.Errorf("indexing.chunk_overlap must be in [0, chunk_size)")
	}
	if c.Indexing.MaxChunkChars < c.Indexing.ChunkSize {
		return fmt.Errorf("indexing.max_chunk_chars must be >= chunk_size")
	}
	if c.Embeddings.BatchSize <= 0 {
		return fmt.Errorf("embeddings.batch_size must be positive")
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive")
	}
	return nil
}

// setDefaults sets default values in viper.
func setDefaults() {
	d := DefaultConfig()

	// Server
	viper.SetDefault("server.host", d.Server.Host)
	viper.SetDefault("server.port", d.Server.Port)
	viper.SetDefault("server.cors_origins", d.Server.CORSOrigins)

	// Embeddings
	viper.SetDefault("embeddings.provider", DefaultEmbeddingProvider)
	viper.SetDefault("embeddings.ollama.url", DefaultOllamaURL)
	viper.SetDefault("embeddings.ollama.model", DefaultOllamaEmbedModel)
	viper.SetDefault("embeddings.openai.model", DefaultOpenAIEmbedModel)
	viper.SetDefault("embeddings.batch_size", DefaultEmbedBatchSize)
	viper.SetDefault("embeddings.workers", DefaultEmbedWorkers)
	viper.SetDefault("embeddings.timeout", DefaultEmbedTimeout)
	viper.SetDefault("embeddings.cache_size", DefaultEmbedCacheSize)
	viper.SetDefault("embeddings.rate_limit", DefaultEmbedRateLimit)
	viper.SetDefault("embeddings.retry.max_attempts", DefaultRetryMaxAttempts)
	viper.SetDefault("embeddings.retry.base_delay", DefaultRetryBaseDelay)
	viper.SetDefault("embeddings.retry.max_delay", DefaultRetryMaxDelay)

	// Database
	viper.SetDefault("database.path", DefaultDatabasePath())

	// Indexing
	viper.SetDefault("indexing.max_file_size", DefaultMaxFileSize)
	viper.SetDefault("indexing.max_file_count", DefaultMaxFileCount)
	viper.SetDefault("indexing.max_total_bytes", DefaultMaxTotalBytes)
	viper.SetDefault("indexing.chunk_size", DefaultChunkSize)
	viper.SetDefault("indexing.chunk_overlap", DefaultChunkOverlap)
	viper.SetDefault("indexing.max_chunk_chars", DefaultMaxChunkChars)
	viper.SetDefault("indexing.git_history", d.Indexing.GitHistory)
	viper.SetDefault("indexing.git_history_depth", DefaultGitHistoryDepth)

	// Ingest
	viper.SetDefault("ingest.workers", DefaultIngestWorkers)

	// Retrieval
	viper.SetDefault("retrieval.top_k", DefaultTopK)
	viper.SetDefault("retrieval.candidate_factor", DefaultCandidateFactor)
	viper.SetDefault("retrieval.expand_dependencies", d.Retrieval.ExpandDependencies)
	viper.SetDefault("retrieval.max_dependencies", DefaultMaxDependencies)

	// Chat
	viper.SetDefault("chat.history_window", DefaultHistoryWindow)
	viper.SetDefault("chat.title_length", DefaultSessionTitleLen)
	viper.SetDefault("chat.timeout", DefaultLLMTimeout)
	viper.SetDefault("chat.temperature", DefaultLLMTemperature)
	viper.SetDefault("chat.max_tokens", DefaultLLMMaxTokens)
	viper.SetDefault("chat.default_project", "")

	// LLM
	viper.SetDefault("llm.provider", DefaultLLMProvider)
	viper.SetDefault("llm.ollama.url", DefaultOllamaURL)
	viper.SetDefault("llm.ollama.model", DefaultOllamaLLMModel)
	viper.SetDefault("llm.openai.model", DefaultOpenAILLMModel)
	viper.SetDefault("llm.anthropic.model", DefaultAnthropicModel)

	// Ignore patterns
	viper.SetDefault("ignore", DefaultIgnorePatterns())
}

// findRCFile searches for .codechatrc.yaml starting from current directory.
func findRCFile() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		rcPath := filepath.Join(dir, ".codechatrc.yaml")
		if _, err := os.Stat(rcPath); err == nil {
			return rcPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// loadAPIKeysFromEnv loads API keys from environment variables if not already set.
func loadAPIKeysFromEnv() {
	// OpenAI API key
	if cfg.Embeddings.OpenAI.APIKey == "" {
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			cfg.Embeddings.OpenAI.APIKey = key
		}
	}
	if cfg.LLM.OpenAI.APIKey == "" {
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			cfg.LLM.OpenAI.APIKey = key
		}
	}

	// Anthropic API key
	if cfg.LLM.Anthropic.APIKey == "" {
		if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
			cfg.LLM.Anthropic.APIKey = key
		}
	}
}

// ConfigFilePath returns the path of the loaded config file, or empty string if none.
func ConfigFilePath() string {
	return viper.ConfigFileUsed()
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}
