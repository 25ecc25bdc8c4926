package demoserver

import "time"

// Config holds configuration for the demo server.
type Config struct {
	// Port is the port on which the demo server listens.
	Port int

	// DBPath is the SQLite database file. Empty keeps the vouchers in memory.
	DBPath string

	// RaceSleep is the pause between check and update used by the
	// very_insecure and secure redeem endpoints.
	RaceSleep time.Duration

	// MultiVouchers are the multi-use codes and their counts created on reset.
	MultiVouchers map[string]int

	// SingleVouchers are the single-use codes created on reset.
	SingleVouchers []string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Port:           9999,
		RaceSleep:      3 * time.Second,
		SingleVouchers: []string{"COUPON1"},
		MultiVouchers:  map[string]int{"COUPON2": 10, "COUPON3": 100},
	}
}
