// SPDX-License-Identifier: MPL-2.0

package guest

import (
	"errors"
	"fmt"
)

var (
	// ErrChannel is the sentinel wrapped by ChannelError.
	ErrChannel = errors.New("guest channel failure")
	// ErrAuthentication is returned when the guest rejects the credentials.
	ErrAuthentication = errors.New("guest authentication failed")
)

// ChannelError reports a failure of the command channel itself, as opposed
// to a remote command exiting non-zero.
type ChannelError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ChannelError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

// Unwrap returns ErrChannel and the cause for errors.Is() compatibility.
func (e *ChannelError) Unwrap() []error { return []error{ErrChannel, e.Err} }
