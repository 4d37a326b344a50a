// SPDX-License-Identifier: MPL-2.0

// Package testutil provides helpers for tests that fail fast on setup
// errors: environment management (MustSetenv, MustUnsetenv, SetHomeDir),
// file system setup (MustMkdirAll, MustWriteFile), cleanup (MustClose), a
// FakeClock and a slot limiter for container-backed tests.
package testutil
