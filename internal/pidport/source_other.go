//go:build !linux

package pidport

import "errors"

// NewSource has no implementation off Linux; it always returns an error, so
// the engine's Start fails there.
func NewSource() (Source, error) {
	return nil, errors.New("pidport: no socket-table source on this platform")
}
