package app

import (
	"time"

	"github.com/raysh454/racer/internal/sender"
)

// Config contains the runtime options shared by the racer components.
type Config struct {
	// StorageRoot holds the state database and the rendered response files.
	StorageRoot string

	// ListenAddr is where the REST API listens; AllowedHosts lists the Host
	// headers it accepts.
	ListenAddr   string
	AllowedHosts []string

	// PublicURL is the address rendered response links point at.
	PublicURL string

	// Sender timing and TLS options.
	Sender sender.Config

	// ImmediateMode and Immediate are the start-up immediate-mode state when
	// nothing was persisted.
	ImmediateMode Mode
	Immediate     ImmediateSettings

	// Debounce is how long the racer waits after the last ingested request
	// before sending the immediate batch.
	Debounce time.Duration

	// JobRetentionTime is how long finished jobs stay queryable.
	JobRetentionTime time.Duration
}

// DefaultConfig returns a Config populated with sensible development defaults.
func DefaultConfig() *Config {
	return &Config{
		StorageRoot:      "~/.config/racer",
		ListenAddr:       "127.0.0.1:8099",
		AllowedHosts:     []string{"127.0.0.1:8099", "localhost:8099"},
		PublicURL:        "http://127.0.0.1:8099",
		Sender:           sender.DefaultConfig(),
		ImmediateMode:    ModeOff,
		Immediate:        DefaultImmediateSettings(),
		Debounce:         2 * time.Second,
		JobRetentionTime: 10 * time.Minute,
	}
}
