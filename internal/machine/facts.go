// SPDX-License-Identifier: MPL-2.0

package machine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/BurntSushi/toml"
)

// NetworkPrivate is the kind of a host-only network attachment.
const NetworkPrivate = "private_network"

// ErrInvalidFacts is the sentinel wrapped by InvalidFactsError.
var ErrInvalidFacts = errors.New("invalid machine facts")

type (
	// Facts are the host-side settings of the machine that decide which
	// generated NixOS fragments stay on the guest.
	Facts struct {
		Hostname string    `toml:"hostname"`
		Networks []Network `toml:"networks"`
	}

	// Network is one configured network attachment.
	Network struct {
		Kind string `toml:"kind"`
		IP   string `toml:"ip,omitempty"`
	}

	// InvalidFactsError is returned when the facts file cannot be decoded.
	InvalidFactsError struct {
		Path string
		Err  error
	}
)

// Load reads facts from a TOML file. A missing file yields empty facts.
func Load(path string) (Facts, error) {
	var f Facts
	if path == "" {
		return f, nil
	}

	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Facts{}, nil
		}
		return Facts{}, &InvalidFactsError{Path: path, Err: err}
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Facts{}, &InvalidFactsError{Path: path, Err: fmt.Errorf("unknown keys: %v", undecoded)}
	}
	return f, nil
}

// Save writes facts to path as TOML.
func Save(path string, f Facts) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(file).Encode(f); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

// HasHostname reports whether a hostname is configured.
func (f Facts) HasHostname() bool {
	return f.Hostname != ""
}

// HasPrivateNetwork reports whether any private network is attached.
func (f Facts) HasPrivateNetwork() bool {
	for _, n := range f.Networks {
		if n.Kind == NetworkPrivate {
			return true
		}
	}
	return false
}

func (e *InvalidFactsError) Error() string {
	return fmt.Sprintf("invalid machine facts %s: %v", e.Path, e.Err)
}

// Unwrap returns ErrInvalidFacts and the cause for errors.Is() compatibility.
func (e *InvalidFactsError) Unwrap() []error { return []error{ErrInvalidFacts, e.Err} }
