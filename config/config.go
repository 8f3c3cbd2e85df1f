// Package config loads runtime configuration for the pipeline. Values come
// from config.json when present, overridden by environment variables (a .env
// file is honored). Components receive the resulting Config by injection;
// there is no package-level singleton.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	APIKey     string `json:"api_key" envconfig:"API_KEY"`
	APIKeyFile string `json:"api_key_file" envconfig:"API_KEY_FILE"`
	BaseURL    string `json:"base_url" envconfig:"BASE_URL" validate:"required,url"`

	EmbeddingModel string `json:"embedding_model" envconfig:"EMBEDDING_MODEL" validate:"required"`
	EmbeddingDim   int    `json:"embedding_dim" envconfig:"EMBEDDING_DIM" validate:"gte=8,lte=8192"`
	ChatModel      string `json:"chat_model" envconfig:"CHAT_MODEL" validate:"required"`

	Store       string `json:"store" envconfig:"STORE" validate:"oneof=memory pgvector milvus"`
	PostgresURL string `json:"postgres_url" envconfig:"POSTGRES_URL"`
	MilvusAddr  string `json:"milvus_addr" envconfig:"MILVUS_ADDR"`
	MilvusUser  string `json:"milvus_user" envconfig:"MILVUS_USER"`
	MilvusPass  string `json:"milvus_pass" envconfig:"MILVUS_PASS"`

	ASRProvider   string `json:"asr_provider" envconfig:"ASR_PROVIDER" validate:"oneof=openai assemblyai"`
	AssemblyAIKey string `json:"assemblyai_api_key" envconfig:"ASSEMBLYAI_API_KEY"`

	YtDlpPath string `json:"ytdlp_path" envconfig:"YTDLP_PATH" validate:"required"`
	OutputDir string `json:"output_dir" envconfig:"OUTPUT_DIR" validate:"required"`
	Language  string `json:"language" envconfig:"LANGUAGE" validate:"required"`

	Concurrency     int `json:"concurrency" envconfig:"CONCURRENCY" validate:"gte=1,lte=64"`
	ChunkSize       int `json:"chunk_size" envconfig:"CHUNK_SIZE" validate:"gte=100"`
	TopK            int `json:"top_k" envconfig:"TOP_K" validate:"gte=1,lte=100"`
	MaxContextChars int `json:"max_context_chars" envconfig:"MAX_CONTEXT_CHARS" validate:"gte=500"`
	TimeoutSeconds  int `json:"timeout_seconds" envconfig:"TIMEOUT_SECONDS" validate:"gte=1"`

	ServeAddr string `json:"serve_addr" envconfig:"SERVE_ADDR" validate:"required"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		BaseURL:         "https://api.openai.com/v1",
		EmbeddingModel:  "text-embedding-3-small",
		EmbeddingDim:    1536,
		ChatModel:       "gpt-4o-mini",
		Store:           "memory",
		ASRProvider:     "openai",
		YtDlpPath:       "yt-dlp",
		OutputDir:       "downloads",
		Language:        "en",
		Concurrency:     10,
		ChunkSize:       1000,
		TopK:            5,
		MaxContextChars: 8000,
		TimeoutSeconds:  120,
		ServeAddr:       ":8080",
	}
}

// Load builds the configuration: defaults, then config.json, then
// environment. Absent files are fine; a malformed config.json is not.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	if data, err := os.ReadFile("config.json"); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config.json: %w", err)
		}
	}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" && cfg.APIKeyFile != "" {
		data, err := os.ReadFile(cfg.APIKeyFile)
		if err != nil {
			return nil, fmt.Errorf("api key file: %w", err)
		}
		cfg.APIKey = strings.TrimSpace(string(data))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints. Credential presence is checked
// separately because only some commands need the generative service.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Store == "pgvector" && c.PostgresURL == "" {
		return fmt.Errorf("invalid configuration: store %q needs POSTGRES_URL", c.Store)
	}
	if c.Store == "milvus" && c.MilvusAddr == "" {
		return fmt.Errorf("invalid configuration: store %q needs MILVUS_ADDR", c.Store)
	}
	return nil
}

// RequireAPI gates commands that touch the embedding/generation service.
func (c *Config) RequireAPI() error {
	if c.APIKey == "" {
		return fmt.Errorf("no API key configured: set API_KEY or OPENAI_API_KEY, " +
			"point API_KEY_FILE at a key file, or add api_key to config.json")
	}
	return nil
}

// RequireASR gates the transcription fallback.
func (c *Config) RequireASR() error {
	switch c.ASRProvider {
	case "assemblyai":
		if c.AssemblyAIKey == "" {
			return fmt.Errorf("asr provider %q needs ASSEMBLYAI_API_KEY", c.ASRProvider)
		}
		return nil
	default:
		return c.RequireAPI()
	}
}

// Timeout is the per-call deadline for external services.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
