// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/nixprov/nixprov/internal/issue"
)

const (
	// AppName is the application name.
	AppName = "nixprov"
	// ConfigFileName is the name of the config file (without extension).
	ConfigFileName = "config"
	// ConfigFileExt is the config file extension.
	ConfigFileExt = "cue"
	// HistoryFileName is the default run history database name.
	HistoryFileName = "history.db"
	// EnvPrefix prefixes environment overrides, e.g. NIXPROV_TRANSPORT_PASSWORD.
	EnvPrefix = "NIXPROV"
)

//go:embed config_schema.cue
var configSchema string

// ConfigDir returns the nixprov configuration directory using
// platform-specific conventions: Windows uses %APPDATA%, macOS uses
// ~/Library/Application Support, and Linux/others use $XDG_CONFIG_HOME
// (defaulting to ~/.config).
//
//nolint:revive // ConfigDir is more descriptive than Dir for external callers
func ConfigDir() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, "Library", "Application Support")
	default: // Linux and others
		configDir = os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config")
		}
	}

	return filepath.Join(configDir, AppName), nil
}

// FilePath returns the config file that Load reads, whether or not it exists.
func FilePath(opts LoadOptions) (string, error) {
	if opts.ConfigFilePath != "" {
		return opts.ConfigFilePath, nil
	}
	cfgDir, err := configDirWithOverride(opts.ConfigDirPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(cfgDir, ConfigFileName+"."+ConfigFileExt), nil
}

// HistoryPath returns the run history database path for cfg.
func HistoryPath(cfg *Config, opts LoadOptions) (string, error) {
	if cfg.History.Path != "" {
		return cfg.History.Path, nil
	}
	cfgDir, err := configDirWithOverride(opts.ConfigDirPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(cfgDir, HistoryFileName), nil
}

// loadWithOptions performs option-driven config loading. The returned path
// is the file that was read, or empty when only defaults apply.
func loadWithOptions(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", fmt.Errorf("load config canceled: %w", ctx.Err())
	default:
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	resolvedPath := ""

	// A config file given with --config is used exclusively and must exist.
	if opts.ConfigFilePath != "" {
		if !fileExists(opts.ConfigFilePath) {
			return nil, "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(opts.ConfigFilePath).
				WithIssue(issue.ConfigLoadFailedId).
				WithSuggestion("Verify the file path is correct").
				WithSuggestion("Use 'nixprov config init' to create a default configuration").
				Wrap(fmt.Errorf("config file not found: %s", opts.ConfigFilePath)).
				BuildError()
		}
		resolvedPath = opts.ConfigFilePath
	} else {
		cfgDir, err := configDirWithOverride(opts.ConfigDirPath)
		if err != nil {
			return nil, "", err
		}
		cuePath := filepath.Join(cfgDir, ConfigFileName+"."+ConfigFileExt)
		localCuePath := AppName + "." + ConfigFileExt
		switch {
		case fileExists(cuePath):
			resolvedPath = cuePath
		case fileExists(localCuePath):
			resolvedPath = localCuePath
		}
		// No config file means defaults only.
	}

	if resolvedPath != "" {
		if err := loadCUEIntoViper(v, resolvedPath); err != nil {
			return nil, "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(resolvedPath).
				WithIssue(issue.ConfigLoadFailedId).
				WithSuggestion("Check that the file contains valid CUE syntax").
				WithSuggestion("Compare it with the output of 'nixprov config dump'").
				Wrap(err).
				BuildError()
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}

	return &cfg, resolvedPath, nil
}

// setDefaults registers every key so environment overrides reach Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("provisioner.inline", d.Provisioner.Inline)
	v.SetDefault("provisioner.path", d.Provisioner.Path)
	v.SetDefault("provisioner.expression", d.Provisioner.Expression)
	v.SetDefault("provisioner.include", d.Provisioner.Include)
	v.SetDefault("provisioner.nix_path", d.Provisioner.NixPath)
	v.SetDefault("provisioner.verbose", d.Provisioner.Verbose)
	v.SetDefault("transport.kind", string(d.Transport.Kind))
	v.SetDefault("transport.host", d.Transport.Host)
	v.SetDefault("transport.port", d.Transport.Port)
	v.SetDefault("transport.user", d.Transport.User)
	v.SetDefault("transport.password", d.Transport.Password)
	v.SetDefault("transport.private_key", d.Transport.PrivateKey)
	v.SetDefault("transport.known_hosts", d.Transport.KnownHosts)
	v.SetDefault("transport.connect_attempts", d.Transport.ConnectAttempts)
	v.SetDefault("machine_file", d.MachineFile)
	v.SetDefault("ui.color_scheme", string(d.UI.ColorScheme))
	v.SetDefault("ui.log_level", d.UI.LogLevel)
	v.SetDefault("history.enabled", d.History.Enabled)
	v.SetDefault("history.path", d.History.Path)
}

// configDirWithOverride resolves the configuration directory, honoring
// explicit provider options before platform defaults.
func configDirWithOverride(configDirPath string) (string, error) {
	if configDirPath != "" {
		return configDirPath, nil
	}

	return ConfigDir()
}

// loadCUEIntoViper parses a CUE file, validates it against the #Config
// schema, and merges its contents into Viper. Fields are optional, so
// validation does not require concrete values everywhere.
func loadCUEIntoViper(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if len(data) > maxFileSize {
		return fmt.Errorf("%s: file size %d exceeds the %d byte limit", path, len(data), maxFileSize)
	}

	ctx := cuecontext.New()

	schemaValue := ctx.CompileString(configSchema)
	if schemaValue.Err() != nil {
		return fmt.Errorf("internal error: failed to compile config schema: %w", schemaValue.Err())
	}

	userValue := ctx.CompileBytes(data, cue.Filename(path))
	if userValue.Err() != nil {
		return formatCUEError(userValue.Err(), path)
	}

	schema := schemaValue.LookupPath(cue.ParsePath("#Config"))
	unified := schema.Unify(userValue)
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return formatCUEError(err, path)
	}

	var configMap map[string]any
	if err := unified.Decode(&configMap); err != nil {
		return formatCUEError(err, path)
	}

	if err := v.MergeConfigMap(configMap); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}

	return nil
}

// fileExists checks if a file exists and is not a directory
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// CreateDefaultConfig writes the default configuration to path unless a
// file is already there. It reports whether a file was created.
func CreateDefaultConfig(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(GenerateCUE(DefaultConfig())), 0o644); err != nil {
		return false, fmt.Errorf("failed to write config file: %w", err)
	}
	return true, nil
}

// GenerateCUE generates a CUE representation of the configuration.
// Empty optional strings are omitted.
func GenerateCUE(cfg *Config) string {
	var sb strings.Builder

	sb.WriteString("// nixprov configuration file\n\n")

	sb.WriteString("provisioner: {\n")
	writeCUEString(&sb, "inline", cfg.Provisioner.Inline)
	writeCUEString(&sb, "path", cfg.Provisioner.Path)
	writeCUEString(&sb, "expression", cfg.Provisioner.Expression)
	fmt.Fprintf(&sb, "\tinclude: %v\n", cfg.Provisioner.Include)
	writeCUEString(&sb, "nix_path", cfg.Provisioner.NixPath)
	fmt.Fprintf(&sb, "\tverbose: %v\n", cfg.Provisioner.Verbose)
	sb.WriteString("}\n")

	sb.WriteString("\ntransport: {\n")
	writeCUEString(&sb, "kind", string(cfg.Transport.Kind))
	writeCUEString(&sb, "host", cfg.Transport.Host)
	fmt.Fprintf(&sb, "\tport: %d\n", cfg.Transport.Port)
	writeCUEString(&sb, "user", cfg.Transport.User)
	writeCUEString(&sb, "password", cfg.Transport.Password)
	writeCUEString(&sb, "private_key", cfg.Transport.PrivateKey)
	writeCUEString(&sb, "known_hosts", cfg.Transport.KnownHosts)
	fmt.Fprintf(&sb, "\tconnect_attempts: %d\n", cfg.Transport.ConnectAttempts)
	sb.WriteString("}\n")

	if cfg.MachineFile != "" {
		fmt.Fprintf(&sb, "\nmachine_file: %q\n", cfg.MachineFile)
	}

	sb.WriteString("\nui: {\n")
	writeCUEString(&sb, "color_scheme", string(cfg.UI.ColorScheme))
	writeCUEString(&sb, "log_level", cfg.UI.LogLevel)
	sb.WriteString("}\n")

	sb.WriteString("\nhistory: {\n")
	fmt.Fprintf(&sb, "\tenabled: %v\n", cfg.History.Enabled)
	writeCUEString(&sb, "path", cfg.History.Path)
	sb.WriteString("}\n")

	return sb.String()
}

func writeCUEString(sb *strings.Builder, key, value string) {
	if value != "" {
		fmt.Fprintf(sb, "\t%s: %q\n", key, value)
	}
}

// GenerateTOML renders cfg as TOML.
func GenerateTOML(cfg *Config) ([]byte, error) {
	out, err := toml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config as TOML: %w", err)
	}
	return out, nil
}
