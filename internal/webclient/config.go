package webclient

import "time"

// Config controls how a NetHTTPClient performs exchanges.
type Config struct {
	// Timeout bounds one exchange, body included. Zero means no limit.
	Timeout time.Duration

	// AllowRedirects makes the client follow 3xx responses.
	AllowRedirects bool

	// InsecureSkipVerify disables TLS certificate verification. Off unless
	// explicitly requested.
	InsecureSkipVerify bool

	// SyncLastByte shrinks the transport write buffer to a single byte so a
	// held-back body tail is the only part not yet on the wire.
	SyncLastByte bool
}

// DefaultConfig mirrors the per-exchange defaults of a batch.
func DefaultConfig() Config {
	return Config{Timeout: 20 * time.Second}
}
