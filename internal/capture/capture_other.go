//go:build !linux

package capture

// Open reports ErrNotSupported on hosts without a diverting packet hook.
// Interception needs to sit on the transmit path; the netstat-style polling
// available elsewhere can observe traffic but not hold it back.
func Open(cfg Config) (Handle, error) {
	return nil, ErrNotSupported
}
