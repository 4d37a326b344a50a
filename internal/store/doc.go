// SPDX-License-Identifier: MPL-2.0

// Package store keeps the provisioning run history in a local SQLite
// database (modernc.org/sqlite, no cgo). Each run is one row keyed by its
// ULID; `nixprov history` reads it back newest first.
package store
