package config

import (
	"os"
	"path/filepath"
	"time"
)

// Default configuration values
const (
	// Embedding defaults
	DefaultEmbeddingProvider = "ollama"
	DefaultOllamaURL         = "http://localhost:11434"
	DefaultOllamaEmbedModel  = "nomic-embed-text"
	DefaultOpenAIEmbedModel  = "text-embedding-3-small"

	// LLM defaults
	DefaultLLMProvider    = "ollama"
	DefaultOllamaLLMModel = "llama3"
	DefaultOpenAILLMModel = "gpt-4o-mini"
	DefaultAnthropicModel = "claude-3-haiku-20240307"

	// Indexing defaults
	DefaultMaxFileSize     = 1 << 20 // 1MB
	DefaultMaxFileCount    = 10000
	DefaultMaxTotalBytes   = 200 << 20 // 200MB
	DefaultChunkSize       = 1000
	DefaultChunkOverlap    = 200
	DefaultMaxChunkChars   = 4000
	DefaultGitHistoryDepth = 50

	// Embedding pipeline defaults
	DefaultEmbedBatchSize   = 32
	DefaultEmbedWorkers     = 4
	DefaultEmbedTimeout     = 60 * time.Second
	DefaultEmbedCacheSize   = 20000
	DefaultEmbedRateLimit   = 0 // requests per second, 0 disables throttling
	DefaultRetryMaxAttempts = 4
	DefaultRetryBaseDelay   = 500 * time.Millisecond
	DefaultRetryMaxDelay    = 10 * time.Second

	// Ingestion defaults
	DefaultIngestWorkers = 4

	// Retrieval defaults
	DefaultTopK            = 5
	DefaultCandidateFactor = 10
	DefaultMaxDependencies = 3
	DefaultHistoryWindow   = 6
	DefaultSessionTitleLen = 40
	DefaultLLMTimeout      = 120 * time.Second
	DefaultLLMTemperature  = 0.3
	DefaultLLMMaxTokens    = 2048

	// Server defaults
	DefaultHost = "127.0.0.1"
	DefaultPort = 8000

	// Database
	DefaultDBFileName = "codechat.db"
)

// DefaultIgnorePatterns returns the default list of file patterns to ignore.
func DefaultIgnorePatterns() []string {
	return []string{
		// Lock files
		"*.lock",
		"package-lock.json",
		"yarn.lock",
		"pnpm-lock.yaml",
		"Cargo.lock",
		"go.sum",
		"poetry.lock",
		"Gemfile.lock",

		// Build outputs
		"dist/",
		"build/",
		"out/",
		"target/",
		"__pycache__/",
		"*.pyc",
		".next/",
		".nuxt/",

		// Dependencies
		"node_modules/",
		"vendor/",
		".venv/",
		"venv/",

		// IDE/Editor
		".idea/",
		".vscode/",
		"*.swp",
		"*.swo",
		"*~",

		// Version control
		".git/",
		".svn/",
		".hg/",

		// Binary/compiled
		"*.exe",
		"*.dll",
		"*.so",
		"*.dylib",
		"*.o",
		"*.a",
		"*.class",

		// Media/Binary
		"*.jpg",
		"*.jpeg",
		"*.png",
		"*.gif",
		"*.ico",
		"*.svg",
		"*.webp",
		"*.mp3",
		"*.mp4",
		"*.wav",
		"*.avi",
		"*.mov",
		"*.pdf",
		"*.doc",
		"*.docx",
		"*.xls",
		"*.xlsx",

		// Archives
		"*.zip",
		"*.tar",
		"*.tar.gz",
		"*.tgz",
		"*.rar",
		"*.7z",

		// Minified
		"*.min.js",
		"*.min.css",
		"*.map",

		// Misc
		".DS_Store",
		"Thumbs.db",
		".env",
		".env.*",
		"*.log",
	}
}

// DefaultConfigDir returns the default configuration directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/codechat"
	}
	return filepath.Join(home, ".config", "codechat")
}

// DefaultDataDir returns the default data directory path.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".local/share/codechat"
	}
	return filepath.Join(home, ".local", "share", "codechat")
}

// DefaultDatabasePath returns the default database file path.
func DefaultDatabasePath() string {
	return filepath.Join(DefaultDataDir(), DefaultDBFileName)
}
