// SPDX-License-Identifier: MPL-2.0

// Package config handles application configuration using Viper with CUE as
// the file format.
//
// Configuration is loaded from ~/.config/nixprov/config.cue (XDG equivalent
// on Linux, ~/Library/Application Support/nixprov/config.cue on macOS,
// %APPDATA%\nixprov\config.cue on Windows), falling back to ./nixprov.cue.
// Files are validated against the embedded CUE schema (config_schema.cue)
// before being merged over the defaults. NIXPROV_* environment variables
// override file values, e.g. NIXPROV_TRANSPORT_PASSWORD.
package config
