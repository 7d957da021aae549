package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml"
)

// ensureExampleFiles drops commented example configs next to the real
// ones so operators have a template to copy from.
func ensureExampleFiles(dataDir string) {
	if dataDir == "" {
		dataDir = defaultDataDir
	}
	examplesDir := filepath.Join(dataDir, "config", "examples")
	if err := os.MkdirAll(examplesDir, 0o755); err != nil {
		logger.Warn("create examples directory failed", "dir", examplesDir, "error", err)
		return
	}
	ensureExampleFile(filepath.Join(examplesDir, "config.toml.example"), exampleConfigBytes())
	ensureExampleFile(filepath.Join(examplesDir, "secrets.toml.example"), exampleSecretsBytes())
}

func ensureExampleFile(path string, contents []byte) {
	if len(contents) == 0 {
		return
	}
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		logger.Warn("write example config failed", "path", path, "error", err)
	}
}

func exampleHeader(text string) []byte {
	return []byte(fmt.Sprintf("# Generated %s example (copy to a real config and edit as needed)\n\n", text))
}

func exampleConfigBytes() []byte {
	cfg := defaultConfig()
	fc := fileConfig{
		DataDir:               cfg.DataDir,
		CompilerBin:           cfg.CompilerBin,
		RasterizerBin:         cfg.RasterizerBin,
		CompileTimeoutSeconds: defaultCompileSeconds,
		CooldownSeconds:       defaultCooldownSecs,
		RenderSlots:           cfg.RenderSlots,
		StatsWindowDays:       defaultStatsDays,
	}
	data, err := toml.Marshal(fc)
	if err != nil {
		logger.Warn("encode config example failed", "error", err)
		return nil
	}
	return append(exampleHeader("base config"), data...)
}

func exampleSecretsBytes() []byte {
	data, err := toml.Marshal(secretsConfig{ObfuscationSecret: "CHANGE_ME_OR_DELETE_TO_AUTOGENERATE"})
	if err != nil {
		logger.Warn("encode secrets example failed", "error", err)
		return nil
	}
	return append(exampleHeader("secrets"), data...)
}
