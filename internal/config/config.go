// Package config loads server configuration: defaults, then a TOML file,
// then environment variables (env wins), mirroring the teacher's
// defaults-then-file-then-env layering.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/nevindra/chatbranch/provider/resolve"
)

// Config is the full server configuration: listen/storage settings plus
// the model table that feeds a resolve.Resolver.
type Config struct {
	Server ServerConfig           `toml:"server"`
	Models map[string]ModelConfig `toml:"models"`
}

// ServerConfig holds settings outside the model table: where to listen,
// which store backend to use, and the sandbox directory shell_exec runs in.
type ServerConfig struct {
	ListenAddr    string `toml:"listen_addr"`
	StoreDriver   string `toml:"store_driver"` // "sqlite" or "postgres"
	SQLitePath    string `toml:"sqlite_path"`
	PostgresURL   string `toml:"postgres_url"`
	WorkspacePath string `toml:"workspace_path"`
	MaxToolCalls  int    `toml:"max_tool_calls"`
	ToolTimeout   int    `toml:"tool_timeout_seconds"`
}

// ModelConfig is one entry of the model table: a name, a provider kind,
// and the env var holding its credential (the credential itself is never
// written to the TOML file).
type ModelConfig struct {
	Provider    string   `toml:"provider"` // "gemini", "openai", "groq", "deepseek", "together", "mistral", "ollama", "local"
	BaseURL     string   `toml:"base_url"`
	APIKeyEnv   string   `toml:"api_key_env"`
	Temperature *float64 `toml:"temperature"`
	TopP        *float64 `toml:"top_p"`
	MaxTokens   *int     `toml:"max_tokens"`
	Thinking    *bool    `toml:"thinking"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Server: ServerConfig{
			ListenAddr:    ":8080",
			StoreDriver:   "sqlite",
			SQLitePath:    "chatbranch.db",
			WorkspacePath: filepath.Join(home, "chatbranch-workspace"),
			MaxToolCalls:  8,
			ToolTimeout:   30,
		},
		Models: map[string]ModelConfig{
			"gemini-2.5-flash": {Provider: "gemini", APIKeyEnv: "GEMINI_API_KEY"},
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "chatbranch.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("CHATBRANCH_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("CHATBRANCH_STORE_DRIVER"); v != "" {
		cfg.Server.StoreDriver = v
	}
	if v := os.Getenv("CHATBRANCH_SQLITE_PATH"); v != "" {
		cfg.Server.SQLitePath = v
	}
	if v := os.Getenv("CHATBRANCH_POSTGRES_URL"); v != "" {
		cfg.Server.PostgresURL = v
	}
	if v := os.Getenv("CHATBRANCH_WORKSPACE_PATH"); v != "" {
		cfg.Server.WorkspacePath = v
	}

	return cfg
}

// ResolveTable converts the model table into a resolve.Table, reading each
// model's credential from its configured environment variable.
func (c Config) ResolveTable() resolve.Table {
	table := make(resolve.Table, len(c.Models))
	for name, m := range c.Models {
		apiKey := ""
		if m.APIKeyEnv != "" {
			apiKey = os.Getenv(m.APIKeyEnv)
		}
		table[name] = resolve.Config{
			Provider:    m.Provider,
			APIKey:      apiKey,
			BaseURL:     m.BaseURL,
			Temperature: m.Temperature,
			TopP:        m.TopP,
			MaxTokens:   m.MaxTokens,
			Thinking:    m.Thinking,
		}
	}
	return table
}
