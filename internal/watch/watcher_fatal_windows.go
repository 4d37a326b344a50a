// SPDX-License-Identifier: MPL-2.0

//go:build windows

package watch

import (
	"errors"
	"syscall"
)

// Win32 codes after which ReadDirectoryChangesW cannot be resumed.
const (
	errnoTooManyOpenFiles = syscall.Errno(4)
	// The watched directory was removed, for example an input folder
	// deleted between provisions.
	errnoInvalidHandle   = syscall.Errno(6)
	errnoNotEnoughMemory = syscall.Errno(8)
)

// isFatalFsnotifyError reports errors that end a watch session.
func isFatalFsnotifyError(err error) bool {
	return errors.Is(err, errnoTooManyOpenFiles) ||
		errors.Is(err, errnoInvalidHandle) ||
		errors.Is(err, errnoNotEnoughMemory)
}
