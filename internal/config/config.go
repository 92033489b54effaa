package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type Config struct {
	// LLM maps endpoint names to their settings. The name "openai" is
	// mirrored under "default" after loading.
	LLM         map[string]LLMConfig `toml:"llm"`
	Database    DatabaseConfig       `toml:"database"`
	Meilisearch MeilisearchConfig    `toml:"meilisearch"`
	Time        TimeConfig           `toml:"time"`
	Server      ServerConfig         `toml:"server"`
	Observer    ObserverConfig       `toml:"observer"`
}

type LLMConfig struct {
	Model       string  `toml:"model"`
	BaseURL     string  `toml:"base_url"`
	APIKey      string  `toml:"api_key"`
	MaxTokens   int     `toml:"max_tokens"`
	Temperature float64 `toml:"temperature"`
	APIType     string  `toml:"api_type"`
	HTTPReferer string  `toml:"http_referer"`
	XTitle      string  `toml:"x_title"`
}

type DatabaseConfig struct {
	// Path is the working database file; archives live in a sibling
	// directory and the settings database in a sibling file.
	Path         string `toml:"path"`
	SettingsPath string `toml:"settings_path"`
	ArchiveDir   string `toml:"archive_dir"`
}

type MeilisearchConfig struct {
	ExecutablePath string `toml:"executable_path"`
	DBPath         string `toml:"db_path"`
	HTTPAddr       string `toml:"http_addr"`
	APIKey         string `toml:"api_key"`
	AutoStart      bool   `toml:"auto_start"`
}

type TimeConfig struct {
	// Format is the default layout for rendering virtual timestamps.
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type ObserverConfig struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		LLM: map[string]LLMConfig{},
		Database: DatabaseConfig{
			Path:         "reverie.db",
			SettingsPath: "reverie_settings.db",
			ArchiveDir:   "archives",
		},
		Meilisearch: MeilisearchConfig{
			HTTPAddr: "127.0.0.1:7700",
		},
		Time:     TimeConfig{Format: "2006-01-02 15:04:05"},
		Server:   ServerConfig{Addr: ":8000"},
		Observer: ObserverConfig{ServiceName: "reverie"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "reverie.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("REVERIE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("REVERIE_SETTINGS_DB_PATH"); v != "" {
		cfg.Database.SettingsPath = v
	}
	if v := os.Getenv("REVERIE_ARCHIVE_DIR"); v != "" {
		cfg.Database.ArchiveDir = v
	}
	if v := os.Getenv("REVERIE_MEILI_ADDR"); v != "" {
		cfg.Meilisearch.HTTPAddr = v
	}
	if v := os.Getenv("REVERIE_MEILI_API_KEY"); v != "" {
		cfg.Meilisearch.APIKey = v
	}
	if v := os.Getenv("REVERIE_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("REVERIE_LLM_API_KEY"); v != "" {
		for name, llm := range cfg.LLM {
			if llm.APIKey == "" {
				llm.APIKey = v
				cfg.LLM[name] = llm
			}
		}
	}
	if os.Getenv("REVERIE_OBSERVER_ENABLED") == "true" || os.Getenv("REVERIE_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Database.SettingsPath == "" {
		cfg.Database.SettingsPath = settingsSibling(cfg.Database.Path)
	}
	if cfg.Database.ArchiveDir == "" {
		cfg.Database.ArchiveDir = filepath.Join(filepath.Dir(cfg.Database.Path), "archives")
	}
	if openai, ok := cfg.LLM["openai"]; ok {
		if _, exists := cfg.LLM["default"]; !exists {
			cfg.LLM["default"] = openai
		}
	}

	return cfg
}

// Endpoint resolves a named LLM endpoint, falling back to "default".
func (c Config) Endpoint(name string) (LLMConfig, bool) {
	if name == "" {
		name = "default"
	}
	llm, ok := c.LLM[name]
	if !ok && name != "default" {
		llm, ok = c.LLM["default"]
	}
	return llm, ok
}

func settingsSibling(dbPath string) string {
	dir := filepath.Dir(dbPath)
	base := filepath.Base(dbPath)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	return filepath.Join(dir, name+"_settings"+ext)
}
