// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/nixprov/nixprov/internal/config"
)

const (
	formatCUE  = "cue"
	formatTOML = "toml"
)

// newConfigCommand creates the `nixprov config` command tree.
func newConfigCommand(app *App) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage nixprov configuration",
		Long: `Manage nixprov configuration.

Configuration is stored in:
  - Linux: ~/.config/nixprov/config.cue
  - macOS: ~/Library/Application Support/nixprov/config.cue
  - Windows: %APPDATA%\nixprov\config.cue

NIXPROV_* environment variables override file values, for example
NIXPROV_TRANSPORT_PASSWORD.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showConfig(cmd.Context(), app)
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(app)
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showConfigPath(cmd.Context(), app)
		},
	})

	var format string
	dumpCmd := &cobra.Command{
		Use:   "dump",
		Short: "Output the effective configuration as CUE or TOML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return dumpConfig(cmd.Context(), app, format)
		},
	}
	dumpCmd.Flags().StringVar(&format, "format", formatCUE, "output format: cue or toml")
	cfgCmd.AddCommand(dumpCmd)

	return cfgCmd
}

func showConfig(ctx context.Context, app *App) error {
	cfg, err := app.loadConfig(ctx)
	if err != nil {
		return err
	}
	cfg = cfg.Redacted()
	w := app.stdout

	fmt.Fprintln(w, TitleStyle.Render("Current Configuration"))
	fmt.Fprintln(w)

	cfgPath, err := config.FilePath(app.loadOptions())
	if err == nil && fileExists(cfgPath) {
		fmt.Fprintf(w, "%s: %s\n", KeyStyle.Render("Config file"), cfgPath)
	} else {
		fmt.Fprintf(w, "%s: %s\n", KeyStyle.Render("Config file"), SubtitleStyle.Render("(using defaults)"))
	}

	section(w, "provisioner")
	entry(w, "inline", cfg.Provisioner.Inline)
	entry(w, "path", cfg.Provisioner.Path)
	entry(w, "expression", cfg.Provisioner.Expression)
	entry(w, "include", cfg.Provisioner.Include)
	entry(w, "nix_path", cfg.Provisioner.NixPath)
	entry(w, "verbose", cfg.Provisioner.Verbose)

	section(w, "transport")
	entry(w, "kind", cfg.Transport.Kind)
	entry(w, "host", cfg.Transport.Host)
	entry(w, "port", cfg.Transport.Port)
	entry(w, "user", cfg.Transport.User)
	entry(w, "password", cfg.Transport.Password)
	entry(w, "private_key", cfg.Transport.PrivateKey)
	entry(w, "known_hosts", cfg.Transport.KnownHosts)
	entry(w, "connect_attempts", cfg.Transport.ConnectAttempts)

	fmt.Fprintln(w)
	entry(w, "machine_file", cfg.MachineFile)

	section(w, "ui")
	entry(w, "color_scheme", cfg.UI.ColorScheme)
	entry(w, "log_level", cfg.UI.LogLevel)

	section(w, "history")
	entry(w, "enabled", cfg.History.Enabled)
	entry(w, "path", cfg.History.Path)

	return nil
}

func section(w io.Writer, name string) {
	fmt.Fprintf(w, "\n%s:\n", KeyStyle.Render(name))
}

func entry(w io.Writer, key string, value any) {
	s := fmt.Sprint(value)
	if s == "" {
		fmt.Fprintf(w, "  %s: %s\n", key, SubtitleStyle.Render("(not set)"))
		return
	}
	fmt.Fprintf(w, "  %s: %s\n", key, ValueStyle.Render(s))
}

func initConfig(app *App) error {
	cfgPath, err := config.FilePath(app.loadOptions())
	if err != nil {
		return err
	}

	created, err := config.CreateDefaultConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to create config: %w", err)
	}
	if !created {
		fmt.Fprintf(app.stdout, "Configuration already exists at %s\n", cfgPath)
		return nil
	}
	fmt.Fprintf(app.stdout, "%s Created default configuration at %s\n", ValueStyle.Render("✓"), cfgPath)
	return nil
}

func showConfigPath(ctx context.Context, app *App) error {
	cfgDir, err := config.ConfigDir()
	if err != nil {
		return err
	}
	cfgPath, err := config.FilePath(app.loadOptions())
	if err != nil {
		return err
	}
	cfg, err := app.loadConfig(ctx)
	if err != nil {
		return err
	}
	historyPath, err := config.HistoryPath(cfg, app.loadOptions())
	if err != nil {
		return err
	}

	fmt.Fprintf(app.stdout, "Config directory: %s\n", cfgDir)
	fmt.Fprintf(app.stdout, "Config file: %s\n", cfgPath)
	fmt.Fprintf(app.stdout, "History database: %s\n", historyPath)
	return nil
}

func dumpConfig(ctx context.Context, app *App, format string) error {
	cfg, err := app.loadConfig(ctx)
	if err != nil {
		return err
	}
	cfg = cfg.Redacted()

	switch format {
	case formatCUE:
		fmt.Fprint(app.stdout, config.GenerateCUE(cfg))
	case formatTOML:
		out, err := config.GenerateTOML(cfg)
		if err != nil {
			return err
		}
		_, _ = app.stdout.Write(out)
	default:
		return fmt.Errorf("unknown format %q (expected %s or %s)", format, formatCUE, formatTOML)
	}
	return nil
}

// fileExists checks if a file exists and is not a directory
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
