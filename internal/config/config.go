package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Error marks a configuration problem: a missing or malformed value the
// operator has to fix. It is never worth retrying.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

type Config struct {
	Server   ServerConfig
	Provider ProviderConfig
	Chunking ChunkingConfig
	Retrieve RetrieveConfig
	Chat     ChatConfig
	Storage  StorageConfig
}

type ServerConfig struct {
	Port     int
	APIToken string // empty disables bearer auth
	LogLevel string // "info" or "debug"
}

type ProviderConfig struct {
	APIKey         string
	BaseURL        string
	EmbedModel     string
	ChatModel      string
	MaxEmbedTokens int
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

type ChunkingConfig struct {
	Size    int
	Overlap int
}

type RetrieveConfig struct {
	TopK     int
	MinScore float64
}

type ChatConfig struct {
	ContextTokens int
	Temperature   float64
	MaxTokens     int
	HistoryTurns  int
}

type StorageConfig struct {
	DataDir     string
	MaxFileSize int64
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:     4000,
			LogLevel: "info",
		},
		Provider: ProviderConfig{
			BaseURL:        "https://api.openai.com/v1",
			EmbedModel:     "text-embedding-3-small",
			ChatModel:      "gpt-4o-mini",
			MaxEmbedTokens: 8000,
			RetryAttempts:  5,
			RetryBaseDelay: time.Second,
		},
		Chunking: ChunkingConfig{
			Size:    1000,
			Overlap: 200,
		},
		Retrieve: RetrieveConfig{
			TopK:     5,
			MinScore: 0.1,
		},
		Chat: ChatConfig{
			ContextTokens: 4000,
			Temperature:   0.7,
			MaxTokens:     1000,
			HistoryTurns:  6,
		},
		Storage: StorageConfig{
			DataDir:     defaultDataDir(),
			MaxFileSize: 50 << 20,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".local", "share", "docchat")
}

// Load reads configuration from the environment, after merging a .env file
// from the current directory if one exists. Environment variables always win
// over .env values.
func Load() (Config, error) {
	_ = godotenv.Load()
	return loadEnv(os.Getenv)
}

func loadEnv(get func(string) string) (Config, error) {
	cfg := defaults()

	cfg.Provider.APIKey = get("DOCCHAT_OPENAI_API_KEY")
	if v := get("DOCCHAT_OPENAI_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := get("DOCCHAT_EMBED_MODEL"); v != "" {
		cfg.Provider.EmbedModel = v
	}
	if v := get("DOCCHAT_CHAT_MODEL"); v != "" {
		cfg.Provider.ChatModel = v
	}
	if v := get("DOCCHAT_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := get("DOCCHAT_API_TOKEN"); v != "" {
		cfg.Server.APIToken = v
	}
	if v := get("DOCCHAT_LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = v
	}

	var err error
	if err = intVar(get, "DOCCHAT_PORT", &cfg.Server.Port); err != nil {
		return Config{}, err
	}
	if err = intVar(get, "DOCCHAT_CHUNK_SIZE", &cfg.Chunking.Size); err != nil {
		return Config{}, err
	}
	if err = intVar(get, "DOCCHAT_CHUNK_OVERLAP", &cfg.Chunking.Overlap); err != nil {
		return Config{}, err
	}
	if err = intVar(get, "DOCCHAT_TOP_K", &cfg.Retrieve.TopK); err != nil {
		return Config{}, err
	}
	if err = floatVar(get, "DOCCHAT_MIN_SCORE", &cfg.Retrieve.MinScore); err != nil {
		return Config{}, err
	}
	if err = intVar(get, "DOCCHAT_CONTEXT_TOKENS", &cfg.Chat.ContextTokens); err != nil {
		return Config{}, err
	}
	if err = floatVar(get, "DOCCHAT_TEMPERATURE", &cfg.Chat.Temperature); err != nil {
		return Config{}, err
	}
	if err = intVar(get, "DOCCHAT_MAX_TOKENS", &cfg.Chat.MaxTokens); err != nil {
		return Config{}, err
	}
	if err = intVar(get, "DOCCHAT_HISTORY_TURNS", &cfg.Chat.HistoryTurns); err != nil {
		return Config{}, err
	}
	if err = intVar(get, "DOCCHAT_MAX_EMBED_TOKENS", &cfg.Provider.MaxEmbedTokens); err != nil {
		return Config{}, err
	}
	if err = intVar(get, "DOCCHAT_RETRY_ATTEMPTS", &cfg.Provider.RetryAttempts); err != nil {
		return Config{}, err
	}
	if v := get("DOCCHAT_RETRY_BASE_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, &Error{Field: "DOCCHAT_RETRY_BASE_DELAY", Reason: fmt.Sprintf("invalid duration %q", v)}
		}
		cfg.Provider.RetryBaseDelay = d
	}
	if v := get("DOCCHAT_MAX_FILE_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, &Error{Field: "DOCCHAT_MAX_FILE_SIZE", Reason: fmt.Sprintf("invalid integer %q", v)}
		}
		cfg.Storage.MaxFileSize = n
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func intVar(get func(string) string, name string, dst *int) error {
	v := get(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return &Error{Field: name, Reason: fmt.Sprintf("invalid integer %q", v)}
	}
	*dst = n
	return nil
}

func floatVar(get func(string) string, name string, dst *float64) error {
	v := get(name)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return &Error{Field: name, Reason: fmt.Sprintf("invalid number %q", v)}
	}
	*dst = f
	return nil
}

func (c Config) validate() error {
	if c.Provider.APIKey == "" {
		return &Error{Field: "DOCCHAT_OPENAI_API_KEY", Reason: "required; set it in the environment or a .env file"}
	}
	if c.Chunking.Size <= 0 {
		return &Error{Field: "DOCCHAT_CHUNK_SIZE", Reason: "must be positive"}
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		return &Error{Field: "DOCCHAT_CHUNK_OVERLAP", Reason: "must satisfy 0 <= overlap < chunk size"}
	}
	if c.Retrieve.TopK <= 0 {
		return &Error{Field: "DOCCHAT_TOP_K", Reason: "must be positive"}
	}
	if c.Retrieve.MinScore < -1 || c.Retrieve.MinScore > 1 {
		return &Error{Field: "DOCCHAT_MIN_SCORE", Reason: "must be within [-1, 1]"}
	}
	if c.Chat.ContextTokens <= 0 {
		return &Error{Field: "DOCCHAT_CONTEXT_TOKENS", Reason: "must be positive"}
	}
	if c.Provider.RetryAttempts < 1 {
		return &Error{Field: "DOCCHAT_RETRY_ATTEMPTS", Reason: "must be at least 1"}
	}
	if c.Storage.MaxFileSize <= 0 {
		return &Error{Field: "DOCCHAT_MAX_FILE_SIZE", Reason: "must be positive"}
	}
	return nil
}
