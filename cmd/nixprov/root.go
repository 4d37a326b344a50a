// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

// NewRootCommand builds the command tree around app.
func NewRootCommand(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nixprov",
		Short: "Provision NixOS virtual machines",
		Long: TitleStyle.Render("nixprov") + SubtitleStyle.Render(" - Provision NixOS virtual machines") + `

nixprov writes a provision module and an aggregator module into
/etc/nixos on a NixOS guest, removes stale generated fragments, and
runs nixos-rebuild switch. Files are only replaced when their content
changes; the rebuild runs on every provision.

` + SubtitleStyle.Render("Examples:") + `
  nixprov provision --host 192.168.56.10 --expression '{ services.nginx.enable = true; }'
  nixprov provision --local --path ./machine.nix --include
  nixprov render --inline '{ boot.isContainer = true; }'
  nixprov history --limit 5
  nixprov config show`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&app.configPath, "config", "", "config file (default is $HOME/.config/nixprov/config.cue)")
	rootCmd.PersistentFlags().StringVar(&app.logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&app.colorScheme, "color", "", "color scheme: auto, dark, light")

	rootCmd.AddCommand(newProvisionCommand(app))
	rootCmd.AddCommand(newRenderCommand(app))
	rootCmd.AddCommand(newConfigCommand(app))
	rootCmd.AddCommand(newHistoryCommand(app))

	return rootCmd
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Execute runs the CLI. This is called by main.main().
func Execute() {
	app, err := NewApp(Dependencies{})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// fang overrides rootCmd.Version, so the version goes through WithVersion.
	if err := fang.Execute(
		context.Background(),
		NewRootCommand(app),
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt),
		fang.WithErrorHandler(func(w io.Writer, _ fang.Styles, err error) {
			renderError(w, err, app.logLevel == "debug")
		}),
	); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}
