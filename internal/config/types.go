// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// TransportSSH reaches the guest over SSH.
	TransportSSH TransportKind = "ssh"
	// TransportLocal runs guest commands on this machine. Used when nixprov
	// itself runs inside the guest.
	TransportLocal TransportKind = "local"

	// ColorSchemeAuto detects the terminal color scheme automatically.
	ColorSchemeAuto ColorScheme = "auto"
	// ColorSchemeDark forces dark color scheme.
	ColorSchemeDark ColorScheme = "dark"
	// ColorSchemeLight forces light color scheme.
	ColorSchemeLight ColorScheme = "light"

	// DefaultSSHPort is the port used when transport.port is unset.
	DefaultSSHPort = 22
	// DefaultUser is the guest account used when transport.user is unset.
	DefaultUser = "vagrant"
	// DefaultConnectAttempts is the number of dial attempts.
	DefaultConnectAttempts = 3

	redacted = "********"
)

// ErrInvalidConfig is the sentinel error wrapped by InvalidConfigError.
var ErrInvalidConfig = errors.New("invalid config")

type (
	// TransportKind selects the guest communicator.
	TransportKind string

	// ColorScheme specifies the terminal color scheme preference.
	ColorScheme string

	// ProvisionerConfig is the operator's provisioner input. At most one of
	// Inline, Path and Expression is used, in that order of precedence.
	ProvisionerConfig struct {
		// Inline is a literal Nix expression written verbatim.
		Inline string `json:"inline,omitempty" mapstructure:"inline" toml:"inline,omitempty"`
		// Path is a host-side file whose content is written verbatim.
		Path string `json:"path,omitempty" mapstructure:"path" toml:"path,omitempty"`
		// Expression is wrapped in a module function with pkgs in scope.
		Expression string `json:"expression,omitempty" mapstructure:"expression" toml:"expression,omitempty"`
		// Include points nixos-config at the generated aggregator file.
		Include bool `json:"include" mapstructure:"include" toml:"include"`
		// NixPath is prepended to NIX_PATH. Empty means unset.
		NixPath string `json:"nix_path,omitempty" mapstructure:"nix_path" toml:"nix_path,omitempty"`
		// Verbose forwards nixos-rebuild output to the terminal.
		Verbose bool `json:"verbose" mapstructure:"verbose" toml:"verbose"`
	}

	// TransportConfig describes how to reach the guest.
	TransportConfig struct {
		Kind            TransportKind `json:"kind" mapstructure:"kind" toml:"kind" validate:"oneof=ssh local"`
		Host            string        `json:"host,omitempty" mapstructure:"host" toml:"host,omitempty" validate:"required_if=Kind ssh"`
		Port            int           `json:"port" mapstructure:"port" toml:"port" validate:"min=1,max=65535"`
		User            string        `json:"user" mapstructure:"user" toml:"user" validate:"required_if=Kind ssh"`
		Password        string        `json:"password,omitempty" mapstructure:"password" toml:"password,omitempty"`
		PrivateKey      string        `json:"private_key,omitempty" mapstructure:"private_key" toml:"private_key,omitempty"`
		KnownHosts      string        `json:"known_hosts,omitempty" mapstructure:"known_hosts" toml:"known_hosts,omitempty"`
		ConnectAttempts int           `json:"connect_attempts" mapstructure:"connect_attempts" toml:"connect_attempts" validate:"min=1"`
	}

	// UIConfig configures terminal output.
	UIConfig struct {
		ColorScheme ColorScheme `json:"color_scheme" mapstructure:"color_scheme" toml:"color_scheme" validate:"oneof=auto dark light"`
		LogLevel    string      `json:"log_level" mapstructure:"log_level" toml:"log_level" validate:"oneof=debug info warn error"`
	}

	// HistoryConfig configures the local run history database.
	HistoryConfig struct {
		Enabled bool `json:"enabled" mapstructure:"enabled" toml:"enabled"`
		// Path of the SQLite database. Empty means history.db in the config dir.
		Path string `json:"path,omitempty" mapstructure:"path" toml:"path,omitempty"`
	}

	// Config is the application configuration.
	Config struct {
		Provisioner ProvisionerConfig `json:"provisioner" mapstructure:"provisioner" toml:"provisioner"`
		Transport   TransportConfig   `json:"transport" mapstructure:"transport" toml:"transport"`
		// MachineFile is the TOML file holding the host-side machine facts.
		MachineFile string        `json:"machine_file,omitempty" mapstructure:"machine_file" toml:"machine_file,omitempty"`
		UI          UIConfig      `json:"ui" mapstructure:"ui" toml:"ui"`
		History     HistoryConfig `json:"history" mapstructure:"history" toml:"history"`
	}

	// InvalidConfigError is returned when a Config has invalid fields.
	// It wraps ErrInvalidConfig for errors.Is() compatibility.
	InvalidConfigError struct {
		FieldErrors []error
	}
)

func (e *InvalidConfigError) Error() string {
	msgs := make([]string, 0, len(e.FieldErrors))
	for _, fe := range e.FieldErrors {
		msgs = append(msgs, fe.Error())
	}
	return fmt.Sprintf("invalid config: %s", strings.Join(msgs, "; "))
}

// Unwrap returns ErrInvalidConfig for errors.Is() compatibility.
func (e *InvalidConfigError) Unwrap() error { return ErrInvalidConfig }

// Redacted returns a copy of cfg safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Transport.Password != "" {
		out.Transport.Password = redacted
	}
	return &out
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Transport: TransportConfig{
			Kind:            TransportSSH,
			Port:            DefaultSSHPort,
			User:            DefaultUser,
			ConnectAttempts: DefaultConnectAttempts,
		},
		UI: UIConfig{
			ColorScheme: ColorSchemeAuto,
			LogLevel:    "info",
		},
		History: HistoryConfig{
			Enabled: true,
		},
	}
}
