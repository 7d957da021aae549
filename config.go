package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/martinhoefling/goxkcdpwgen/xkcdpwgen"
	"github.com/pelletier/go-toml"
)

const (
	defaultDataDir        = "data"
	defaultCompilerBin    = "pdflatex"
	defaultRasterizerBin  = "gs"
	defaultCompileSeconds = 15
	defaultCooldownSecs   = 30
	defaultRenderSlots    = 2
	defaultStatsDays      = 7
)

type Config struct {
	DataDir  string
	BuildDir string // session-scoped compile artifacts
	StateDB  string

	CompilerBin    string
	RasterizerBin  string
	CompileTimeout time.Duration

	Cooldown    time.Duration
	RenderSlots int
	StatsWindow time.Duration

	ServiceLogPath string
	ErrorLogPath   string
	DebugLogPath   string

	// ObfuscationSecret keys the flag-store HMAC derivation. Loaded from
	// secrets.toml, never from the main config.
	ObfuscationSecret []byte
}

// fileConfig is the on-disk shape of config.toml. Everything is optional;
// zero values fall back to defaults.
type fileConfig struct {
	DataDir               string `toml:"data_dir"`
	BuildDir              string `toml:"build_dir"`
	StateDB               string `toml:"state_db"`
	CompilerBin           string `toml:"compiler_bin"`
	RasterizerBin         string `toml:"rasterizer_bin"`
	CompileTimeoutSeconds int    `toml:"compile_timeout_seconds"`
	CooldownSeconds       int    `toml:"cooldown_seconds"`
	RenderSlots           int    `toml:"render_slots"`
	StatsWindowDays       int    `toml:"stats_window_days"`
	ServiceLogPath        string `toml:"service_log"`
	ErrorLogPath          string `toml:"error_log"`
	DebugLogPath          string `toml:"debug_log"`
}

type secretsConfig struct {
	ObfuscationSecret string `toml:"obfuscation_secret"`
}

func defaultConfig() Config {
	return Config{
		DataDir:        defaultDataDir,
		CompilerBin:    defaultCompilerBin,
		RasterizerBin:  defaultRasterizerBin,
		CompileTimeout: defaultCompileSeconds * time.Second,
		Cooldown:       defaultCooldownSecs * time.Second,
		RenderSlots:    defaultRenderSlots,
		StatsWindow:    defaultStatsDays * 24 * time.Hour,
	}
}

// loadConfig reads path (if it exists) over the defaults and resolves the
// derived paths. A missing config file is fine; a malformed one is not.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			var fc fileConfig
			if err := toml.Unmarshal(data, &fc); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
			applyFileConfig(&cfg, fc)
		}
	}

	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.BuildDir == "" {
		cfg.BuildDir = filepath.Join(cfg.DataDir, "build")
	}
	if cfg.StateDB == "" {
		cfg.StateDB = filepath.Join(cfg.DataDir, "state", "texpool.db")
	}
	if cfg.ServiceLogPath == "" {
		cfg.ServiceLogPath = filepath.Join(cfg.DataDir, "logs", "service.log")
	}
	if cfg.ErrorLogPath == "" {
		cfg.ErrorLogPath = filepath.Join(cfg.DataDir, "logs", "error.log")
	}
	if cfg.DebugLogPath == "" {
		cfg.DebugLogPath = filepath.Join(cfg.DataDir, "logs", "debug.log")
	}
	return cfg, validateConfig(cfg)
}

func applyFileConfig(cfg *Config, fc fileConfig) {
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
	if fc.BuildDir != "" {
		cfg.BuildDir = fc.BuildDir
	}
	if fc.StateDB != "" {
		cfg.StateDB = fc.StateDB
	}
	if fc.CompilerBin != "" {
		cfg.CompilerBin = fc.CompilerBin
	}
	if fc.RasterizerBin != "" {
		cfg.RasterizerBin = fc.RasterizerBin
	}
	if fc.CompileTimeoutSeconds > 0 {
		cfg.CompileTimeout = time.Duration(fc.CompileTimeoutSeconds) * time.Second
	}
	if fc.CooldownSeconds > 0 {
		cfg.Cooldown = time.Duration(fc.CooldownSeconds) * time.Second
	}
	if fc.RenderSlots > 0 {
		cfg.RenderSlots = fc.RenderSlots
	}
	if fc.StatsWindowDays > 0 {
		cfg.StatsWindow = time.Duration(fc.StatsWindowDays) * 24 * time.Hour
	}
	if fc.ServiceLogPath != "" {
		cfg.ServiceLogPath = fc.ServiceLogPath
	}
	if fc.ErrorLogPath != "" {
		cfg.ErrorLogPath = fc.ErrorLogPath
	}
	if fc.DebugLogPath != "" {
		cfg.DebugLogPath = fc.DebugLogPath
	}
}

func validateConfig(cfg Config) error {
	if cfg.CompileTimeout < time.Second {
		return fmt.Errorf("compile_timeout_seconds must be at least 1")
	}
	if cfg.RenderSlots < 1 {
		return fmt.Errorf("render_slots must be at least 1")
	}
	return nil
}

// loadOrCreateSecret reads the obfuscation secret from secrets.toml,
// generating and persisting a fresh passphrase on first boot so operators
// do not have to invent one.
func loadOrCreateSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read secrets: %w", err)
	}
	if err == nil {
		var sc secretsConfig
		if err := toml.Unmarshal(data, &sc); err != nil {
			return nil, fmt.Errorf("parse secrets %s: %w", path, err)
		}
		if secret := strings.TrimSpace(sc.ObfuscationSecret); secret != "" {
			return []byte(secret), nil
		}
	}

	g := xkcdpwgen.NewGenerator()
	g.SetNumWords(6)
	g.SetDelimiter("-")
	secret := g.GeneratePasswordString()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create secrets dir: %w", err)
	}
	out, err := toml.Marshal(secretsConfig{ObfuscationSecret: secret})
	if err != nil {
		return nil, fmt.Errorf("encode secrets: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return nil, fmt.Errorf("write secrets: %w", err)
	}
	logger.Info("generated new obfuscation secret", "path", path)
	return []byte(secret), nil
}
