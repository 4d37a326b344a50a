// SPDX-License-Identifier: MPL-2.0

package config

import "context"

type (
	// LoadOptions selects where configuration is read from. Zero values
	// mean the platform config directory.
	LoadOptions struct {
		// ConfigFilePath is the --config flag. A missing file is an error.
		ConfigFilePath string
		// ConfigDirPath replaces ConfigDir, mostly for tests.
		ConfigDirPath string
	}

	// Provider is the seam the CLI loads configuration through.
	Provider interface {
		Load(ctx context.Context, opts LoadOptions) (*Config, error)
	}

	fileProvider struct{}
)

// NewProvider returns the Provider backed by viper, the CUE config file and
// NIXPROV_* environment variables.
func NewProvider() Provider {
	return fileProvider{}
}

func (fileProvider) Load(ctx context.Context, opts LoadOptions) (*Config, error) {
	cfg, _, err := loadWithOptions(ctx, opts)
	return cfg, err
}
