package supervisor

import (
	"math"
	"math/rand"
	"time"

	"sessiond/cmd/internal/socket"
)

// DefaultMaxRetries is how many reconnects are attempted before a session is given up.
const DefaultMaxRetries = 10

// Backoff shapes the delay before reconnect attempt N.
type Backoff struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config tunes a Supervisor.
type Config struct {
	// MaxRetries <= 0 means DefaultMaxRetries.
	MaxRetries int
	Backoff    Backoff
	// DownloadMedia attaches base64 media to MessageReceived events.
	DownloadMedia bool
	// MaxMediaBytes skips downloads larger than this; 0 means unlimited.
	MaxMediaBytes int64
	// OperationTimeout bounds store writes, media downloads and logout.
	OperationTimeout time.Duration
	// RemovalGrace is how long a credential removal made by the supervisor is told apart
	// from an out-of-band one.
	RemovalGrace time.Duration
	Browser      socket.Browser
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries: DefaultMaxRetries,
		Backoff: Backoff{
			InitialDelay: time.Second,
			Multiplier:   2.0,
			MaxDelay:     30 * time.Second,
			Jitter:       true,
		},
		DownloadMedia:    true,
		MaxMediaBytes:    16 << 20,
		OperationTimeout: 15 * time.Second,
		RemovalGrace:     10 * time.Second,
		Browser:          socket.DefaultBrowser,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 15 * time.Second
	}
	if c.RemovalGrace <= 0 {
		c.RemovalGrace = 10 * time.Second
	}
	if c.Browser == (socket.Browser{}) {
		c.Browser = socket.DefaultBrowser
	}
	return c
}

// NextBackoffDelay returns the delay before reconnect attempt N (1-based). With Jitter the
// delay is scaled by a factor in [0.5, 1.5) and still never exceeds MaxDelay.
func NextBackoffDelay(cfg Backoff, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay *= f
	}
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return time.Duration(delay)
}
