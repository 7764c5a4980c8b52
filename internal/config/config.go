package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
)

// Config is the daemon's full configuration, merged global config ->
// project config -> environment in that priority order.
type Config struct {
	BearerToken      string   `json:"bearer_token,omitempty"`
	Host             string   `json:"host,omitempty"`
	Port             int      `json:"port,omitempty"`
	CORSOrigins      []string `json:"cors_origins,omitempty"`
	DisableTelemetry bool     `json:"disable_telemetry,omitempty"`
	AgentInstallDir  string   `json:"agent_install_dir,omitempty"`
	RequestTimeoutMS int      `json:"request_timeout_ms,omitempty"`
	CloseGraceMS     int      `json:"close_grace_ms,omitempty"`

	LogLevel  string `json:"log_level,omitempty"`
	LogPretty bool   `json:"log_pretty,omitempty"`
	LogFile   string `json:"log_file,omitempty"`

	InspectorUI bool `json:"inspector_ui,omitempty"`

	OpenCode OpenCodeCompat `json:"opencode,omitempty"`
}

// OpenCodeCompat holds the knobs specific to the OpenCode-compatible
// surface: fixed time/directory for deterministic clients, an optional
// proxy base URL, and where (if anywhere) its state persists.
type OpenCodeCompat struct {
	FixedTime      string `json:"fixed_time,omitempty"`
	FixedDirectory string `json:"fixed_directory,omitempty"`
	ProxyBaseURL   string `json:"proxy_base_url,omitempty"`
	StateDir       string `json:"state_dir,omitempty"`
	DBPath         string `json:"db_path,omitempty"`
	RestoreK       int    `json:"restore_k,omitempty"`
	RestoreL       int    `json:"restore_l,omitempty"`
}

// RequestTimeout returns RequestTimeoutMS as a Duration, defaulting to 30s.
func (c *Config) RequestTimeout() time.Duration {
	if c.RequestTimeoutMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// CloseGrace returns CloseGraceMS as a Duration, defaulting to 5s.
func (c *Config) CloseGrace() time.Duration {
	if c.CloseGraceMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.CloseGraceMS) * time.Millisecond
}

// Load loads configuration from (in ascending priority):
//  1. Global config (~/.config/sandboxagent/config.jsonc)
//  2. Project config (<directory>/.sandboxagent/config.jsonc)
//  3. Environment variables
func Load(directory string) (*Config, error) {
	cfg := &Config{
		Host:             "127.0.0.1",
		Port:             4096,
		RequestTimeoutMS: 30000,
		CloseGraceMS:     5000,
		LogLevel:         "info",
	}

	paths := GetPaths()
	mergeConfigFile(filepath.Join(paths.Config, "config.jsonc"), cfg)
	mergeConfigFile(filepath.Join(paths.Config, "config.json"), cfg)

	if directory != "" {
		mergeConfigFile(filepath.Join(directory, ".sandboxagent", "config.jsonc"), cfg)
		mergeConfigFile(filepath.Join(directory, ".sandboxagent", "config.json"), cfg)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// mergeConfigFile reads path (tolerating JSON-with-comments via
// tidwall/jsonc) and shallow-merges non-zero fields into cfg. A missing file
// is not an error: config is entirely optional.
func mergeConfigFile(path string, cfg *Config) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	data = jsonc.ToJSON(data)

	var file Config
	if err := json.Unmarshal(data, &file); err != nil {
		return
	}
	mergeConfig(cfg, &file)
}

func mergeConfig(dst, src *Config) {
	if src.BearerToken != "" {
		dst.BearerToken = src.BearerToken
	}
	if src.Host != "" {
		dst.Host = src.Host
	}
	if src.Port != 0 {
		dst.Port = src.Port
	}
	if len(src.CORSOrigins) > 0 {
		dst.CORSOrigins = src.CORSOrigins
	}
	if src.DisableTelemetry {
		dst.DisableTelemetry = true
	}
	if src.AgentInstallDir != "" {
		dst.AgentInstallDir = src.AgentInstallDir
	}
	if src.RequestTimeoutMS != 0 {
		dst.RequestTimeoutMS = src.RequestTimeoutMS
	}
	if src.CloseGraceMS != 0 {
		dst.CloseGraceMS = src.CloseGraceMS
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.LogPretty {
		dst.LogPretty = true
	}
	if src.LogFile != "" {
		dst.LogFile = src.LogFile
	}
	if src.InspectorUI {
		dst.InspectorUI = true
	}
	if src.OpenCode.FixedTime != "" {
		dst.OpenCode.FixedTime = src.OpenCode.FixedTime
	}
	if src.OpenCode.FixedDirectory != "" {
		dst.OpenCode.FixedDirectory = src.OpenCode.FixedDirectory
	}
	if src.OpenCode.ProxyBaseURL != "" {
		dst.OpenCode.ProxyBaseURL = src.OpenCode.ProxyBaseURL
	}
	if src.OpenCode.StateDir != "" {
		dst.OpenCode.StateDir = src.OpenCode.StateDir
	}
	if src.OpenCode.DBPath != "" {
		dst.OpenCode.DBPath = src.OpenCode.DBPath
	}
	if src.OpenCode.RestoreK != 0 {
		dst.OpenCode.RestoreK = src.OpenCode.RestoreK
	}
	if src.OpenCode.RestoreL != 0 {
		dst.OpenCode.RestoreL = src.OpenCode.RestoreL
	}
}

// applyEnvOverrides applies the SANDBOXAGENT_* environment variables, the
// daemon's highest-priority configuration source.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SANDBOXAGENT_TOKEN"); v != "" {
		cfg.BearerToken = v
	}
	if v := os.Getenv("SANDBOXAGENT_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("SANDBOXAGENT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("SANDBOXAGENT_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
	if v := os.Getenv("SANDBOXAGENT_DISABLE_TELEMETRY"); v != "" {
		cfg.DisableTelemetry = isTruthy(v)
	}
	if v := os.Getenv("SANDBOXAGENT_AGENT_INSTALL_DIR"); v != "" {
		cfg.AgentInstallDir = v
	}
	if v := os.Getenv("SANDBOXAGENT_REQUEST_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RequestTimeoutMS = n
		}
	}
	if v := os.Getenv("SANDBOXAGENT_CLOSE_GRACE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CloseGraceMS = n
		}
	}
	if v := os.Getenv("SANDBOXAGENT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SANDBOXAGENT_LOG_PRETTY"); v != "" {
		cfg.LogPretty = isTruthy(v)
	}
	if v := os.Getenv("SANDBOXAGENT_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("SANDBOXAGENT_INSPECTOR_UI"); v != "" {
		cfg.InspectorUI = isTruthy(v)
	}
	if v := os.Getenv("SANDBOXAGENT_OPENCODE_FIXED_TIME"); v != "" {
		cfg.OpenCode.FixedTime = v
	}
	if v := os.Getenv("SANDBOXAGENT_OPENCODE_FIXED_DIRECTORY"); v != "" {
		cfg.OpenCode.FixedDirectory = v
	}
	if v := os.Getenv("SANDBOXAGENT_OPENCODE_PROXY_BASE_URL"); v != "" {
		cfg.OpenCode.ProxyBaseURL = v
	}
	if v := os.Getenv("SANDBOXAGENT_OPENCODE_STATE_DIR"); v != "" {
		cfg.OpenCode.StateDir = v
	}
	if v := os.Getenv("SANDBOXAGENT_OPENCODE_DB_PATH"); v != "" {
		cfg.OpenCode.DBPath = v
	}
	if v := os.Getenv("SANDBOXAGENT_OPENCODE_RESTORE_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.OpenCode.RestoreK = n
		}
	}
	if v := os.Getenv("SANDBOXAGENT_OPENCODE_RESTORE_L"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.OpenCode.RestoreL = n
		}
	}
}

func isTruthy(v string) bool {
	switch v {
	case "1", "true", "TRUE", "yes", "on":
		return true
	default:
		return false
	}
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Save writes cfg as indented JSON to path, creating parent directories.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
