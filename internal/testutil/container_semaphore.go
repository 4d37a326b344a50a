// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"os"
	"runtime"
	"strconv"
	"sync"
	"testing"
)

// containerSlots bounds how many testcontainers-backed guests run at once.
// NIXPROV_TEST_CONTAINER_PARALLEL overrides the default of min(GOMAXPROCS, 2).
var containerSlots = sync.OnceValue(func() chan struct{} {
	n := min(runtime.GOMAXPROCS(0), 2)
	if v := os.Getenv("NIXPROV_TEST_CONTAINER_PARALLEL"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}
	return make(chan struct{}, n)
})

// AcquireContainerSlot blocks until a container slot is free and releases
// it when t finishes.
func AcquireContainerSlot(t testing.TB) {
	t.Helper()

	slots := containerSlots()
	select {
	case slots <- struct{}{}:
	case <-t.Context().Done():
		t.Fatalf("waiting for a container slot: %v", t.Context().Err())
	}
	t.Cleanup(func() { <-slots })
}
