package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Verdict is what a Guard decides about one inbound frame
type Verdict int

const (
	// Process the frame
	Allow Verdict = iota

	// Drop the frame quietly
	Drop

	// Drop the frame and log a warning
	Warn

	// Drop the frame and disconnect the client
	Disconnect
)

// Config bounds one connection's inbound traffic
type Config struct {
	Rate  float64 // frames per second
	Burst int

	// Every WarnEvery-th rejection is reported as Warn
	WarnEvery int

	// More than MaxStrikes rejections disconnects the client
	MaxStrikes int
}

func DefaultConfig() Config {
	return Config{
		Rate:       100,
		Burst:      200,
		WarnEvery:  100,
		MaxStrikes: 1000,
	}
}

// Guard wraps a token bucket with a strike count so a flooding client
// is first throttled, then cut off.
type Guard struct {
	limiter *rate.Limiter
	config  Config
	strikes int
	mu      sync.Mutex
}

func NewGuard(config Config) *Guard {
	if config.WarnEvery <= 0 {
		config.WarnEvery = 1
	}
	return &Guard{
		limiter: rate.NewLimiter(rate.Limit(config.Rate), config.Burst),
		config:  config,
	}
}

func (g *Guard) Check() Verdict {
	if g.limiter.Allow() {
		return Allow
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.strikes++
	switch {
	case g.config.MaxStrikes > 0 && g.strikes > g.config.MaxStrikes:
		return Disconnect
	case g.strikes%g.config.WarnEvery == 1 || g.config.WarnEvery == 1:
		return Warn
	default:
		return Drop
	}
}

// Strikes reports how many frames have been rejected so far
func (g *Guard) Strikes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.strikes
}
