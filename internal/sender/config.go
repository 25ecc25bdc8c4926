package sender

import "time"

// Config holds the timing knobs shared by every batch run.
type Config struct {
	// FireLead is how far in the future the shared fire instant is placed.
	// It covers worker start-up and connection set-up.
	FireLead time.Duration

	// SpinWindow is the tail before a deadline spent busy-waiting.
	SpinWindow time.Duration

	// FinalByteWindow is added to the fire instant (plus the delay offset)
	// to obtain the moment held-back final body bytes are released.
	FinalByteWindow time.Duration

	// InsecureSkipVerify disables TLS verification for every exchange.
	InsecureSkipVerify bool
}

// MinFireLead is the lower bound applied to Config.FireLead. Workers need
// about a second to be ready before the fire instant.
const MinFireLead = time.Second

func DefaultConfig() Config {
	return Config{
		FireLead:        time.Second,
		SpinWindow:      20 * time.Millisecond,
		FinalByteWindow: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FireLead < MinFireLead {
		if c.FireLead <= 0 {
			c.FireLead = d.FireLead
		} else {
			c.FireLead = MinFireLead
		}
	}
	if c.SpinWindow <= 0 {
		c.SpinWindow = d.SpinWindow
	}
	if c.FinalByteWindow <= 0 {
		c.FinalByteWindow = d.FinalByteWindow
	}
	return c
}
