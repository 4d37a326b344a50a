// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/nixprov/nixprov/internal/config"
	"github.com/nixprov/nixprov/internal/guest"
	"github.com/nixprov/nixprov/internal/store"
	"github.com/nixprov/nixprov/internal/ui"
)

type (
	// App wires CLI services and shared dependencies. It is the composition
	// root for the CLI layer: every command handler receives an App and
	// reaches configuration, the guest and the run history through it.
	App struct {
		Config      ConfigProvider
		Dialer      Dialer
		OpenHistory HistoryOpener
		stdout      io.Writer
		stderr      io.Writer

		// Persistent flag values.
		configPath  string
		logLevel    string
		colorScheme string
	}

	// Dependencies defines the injection points for building an App. Nil
	// fields are replaced with production defaults by NewApp.
	Dependencies struct {
		Config      ConfigProvider
		Dialer      Dialer
		OpenHistory HistoryOpener
		Stdout      io.Writer
		Stderr      io.Writer
	}

	// ConfigProvider loads configuration using explicit options.
	ConfigProvider interface {
		Load(ctx context.Context, opts config.LoadOptions) (*config.Config, error)
	}

	// Connection is an open channel to the guest.
	Connection interface {
		guest.Communicator
		io.Closer
	}

	// Dialer opens a Connection for the configured transport.
	Dialer interface {
		Dial(ctx context.Context, cfg config.TransportConfig, logger *log.Logger) (Connection, error)
	}

	// HistoryOpener opens the run history database at path.
	HistoryOpener func(path string) (*store.Store, error)

	transportDialer struct{}

	// localConnection adapts guest.Local, which holds no resources.
	localConnection struct {
		*guest.Local
	}
)

// NewApp creates an App, filling unset dependencies with production defaults.
func NewApp(deps Dependencies) (*App, error) {
	if deps.Stdout == nil {
		deps.Stdout = os.Stdout
	}
	if deps.Stderr == nil {
		deps.Stderr = os.Stderr
	}
	if deps.Config == nil {
		deps.Config = config.NewProvider()
	}
	if deps.Dialer == nil {
		deps.Dialer = transportDialer{}
	}
	if deps.OpenHistory == nil {
		deps.OpenHistory = store.Open
	}

	return &App{
		Config:      deps.Config,
		Dialer:      deps.Dialer,
		OpenHistory: deps.OpenHistory,
		stdout:      deps.Stdout,
		stderr:      deps.Stderr,
	}, nil
}

func (a *App) loadOptions() config.LoadOptions {
	return config.LoadOptions{ConfigFilePath: a.configPath}
}

// loadConfig loads the configuration and applies the persistent UI flags.
func (a *App) loadConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := a.Config.Load(ctx, a.loadOptions())
	if err != nil {
		return nil, err
	}
	if a.logLevel != "" {
		cfg.UI.LogLevel = a.logLevel
	}
	if a.colorScheme != "" {
		cfg.UI.ColorScheme = config.ColorScheme(a.colorScheme)
	}
	return cfg, nil
}

func (a *App) logger(cfg *config.Config) (*log.Logger, error) {
	return ui.NewLogger(a.stderr, cfg.UI.LogLevel)
}

// out returns the styled stdout sink.
func (a *App) out(cfg *config.Config) *ui.Writer {
	return ui.NewWriter(a.stdout, "==> ", ui.ColorScheme(cfg.UI.ColorScheme))
}

// Dial implements Dialer for the ssh and local transports.
func (transportDialer) Dial(ctx context.Context, cfg config.TransportConfig, logger *log.Logger) (Connection, error) {
	if cfg.Kind == config.TransportLocal {
		return localConnection{guest.NewLocal()}, nil
	}
	comm, err := guest.DialSSH(ctx, guest.SSHConfig{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		PrivateKeyPath:  expandHome(cfg.PrivateKey),
		KnownHostsPath:  expandHome(cfg.KnownHosts),
		ConnectAttempts: cfg.ConnectAttempts,
	}, logger)
	if err != nil {
		return nil, err
	}
	return comm, nil
}

// expandHome resolves a leading "~/" against the home directory.
func expandHome(p string) string {
	rest, ok := strings.CutPrefix(p, "~/")
	if !ok {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, rest)
}

func (localConnection) Close() error { return nil }
