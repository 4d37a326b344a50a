// SPDX-License-Identifier: MPL-2.0

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixprov/nixprov/internal/nixos"
	"github.com/nixprov/nixprov/internal/ui"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_RecordAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 10, 0, 0, 123, time.UTC)
	want := Run{
		ID:               "01HZX3K9Q8T1V2W3X4Y5Z6A7B8",
		StartedAt:        started,
		FinishedAt:       started.Add(42 * time.Second),
		State:            "Done",
		ProvisionChanged: true,
		Fragments:        []string{"/etc/nixos/vagrant-network.nix", "/etc/nixos/vagrant-provision.nix"},
		Command:          "nixos-rebuild switch",
	}
	require.NoError(t, s.Record(ctx, want))

	got, err := s.Get(ctx, want.ID)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestStore_GetUnknown(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func TestStore_ListNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Record(ctx, Run{
			ID:         id,
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			FinishedAt: base.Add(time.Duration(i)*time.Minute + time.Second),
			State:      "Done",
		}))
	}

	runs, err := s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "b", runs[1].ID)
	assert.Empty(t, runs[0].Fragments)

	all, err := s.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStore_RecordReplaces(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run := Run{ID: "x", State: "Rebuilding"}
	require.NoError(t, s.Record(ctx, run))
	run.State = "Failed"
	run.Error = "nixos-rebuild exited with status 1"
	run.ExitStatus = 1
	require.NoError(t, s.Record(ctx, run))

	runs, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "Failed", runs[0].State)
	assert.Equal(t, 1, runs[0].ExitStatus)
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), Run{ID: "persisted", State: "Done"}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Get(context.Background(), "persisted")
	assert.NoError(t, err)
}

func TestRunFromReport(t *testing.T) {
	t.Parallel()

	report := nixos.Report{
		RunID:      "01J0000000000000000000000",
		State:      nixos.StateFailed,
		Command:    "nixos-rebuild switch",
		ExitStatus: 2,
		Err:        &nixos.RebuildFailedError{Command: "nixos-rebuild switch", ExitStatus: 2},
	}

	run := RunFromReport(report)
	assert.Equal(t, "Failed", run.State)
	assert.Equal(t, 2, run.ExitStatus)
	assert.Equal(t, "nixos-rebuild exited with status 2", run.Error)
}

func TestStore_Observer(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	observe := s.Observer(ui.NopLogger())
	observe(ctx, nixos.Report{RunID: "observed", State: nixos.StateDone})

	run, err := s.Get(context.Background(), "observed")
	require.NoError(t, err, "a canceled run context must not prevent recording")
	assert.Equal(t, "Done", run.State)
}
