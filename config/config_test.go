package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultsAreValid(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestValidateRejectsBadStore(t *testing.T) {
	cfg := Defaults()
	cfg.Store = "cassandra"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown store")
	}
}

func TestValidateStoreNeedsBackendAddress(t *testing.T) {
	cfg := Defaults()
	cfg.Store = "pgvector"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "POSTGRES_URL") {
		t.Fatalf("expected POSTGRES_URL error, got %v", err)
	}
	cfg = Defaults()
	cfg.Store = "milvus"
	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "MILVUS_ADDR") {
		t.Fatalf("expected MILVUS_ADDR error, got %v", err)
	}
}

func TestValidateRanges(t *testing.T) {
	cfg := Defaults()
	cfg.Concurrency = 0
	if err := cfg.Validate(); err == nil {
		t.Error("concurrency 0 should fail")
	}
	cfg = Defaults()
	cfg.ChunkSize = 10
	if err := cfg.Validate(); err == nil {
		t.Error("chunk size 10 should fail")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("API_KEY", "sk-env")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("CHUNK_SIZE", "1500")
	t.Setenv("STORE", "memory")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIKey != "sk-env" {
		t.Errorf("APIKey = %q", cfg.APIKey)
	}
	if cfg.ChunkSize != 1500 {
		t.Errorf("ChunkSize = %d", cfg.ChunkSize)
	}
}

func TestLoadOpenAIKeyFallback(t *testing.T) {
	t.Setenv("API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "sk-openai")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIKey != "sk-openai" {
		t.Errorf("APIKey = %q, want fallback to OPENAI_API_KEY", cfg.APIKey)
	}
}

func TestLoadKeyFile(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "apikey.txt")
	if err := os.WriteFile(keyPath, []byte("sk-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("API_KEY_FILE", keyPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIKey != "sk-file" {
		t.Errorf("APIKey = %q, want trimmed file contents", cfg.APIKey)
	}
}

func TestRequireAPI(t *testing.T) {
	cfg := Defaults()
	if err := cfg.RequireAPI(); err == nil {
		t.Fatal("expected error with no key")
	}
	cfg.APIKey = "sk-x"
	if err := cfg.RequireAPI(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequireASR(t *testing.T) {
	cfg := Defaults()
	cfg.ASRProvider = "assemblyai"
	if err := cfg.RequireASR(); err == nil {
		t.Fatal("assemblyai without key should fail")
	}
	cfg.AssemblyAIKey = "aai-x"
	if err := cfg.RequireASR(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg = Defaults()
	cfg.APIKey = "sk-x"
	if err := cfg.RequireASR(); err != nil {
		t.Fatalf("openai provider should use API key: %v", err)
	}
}
