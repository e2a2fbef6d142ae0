package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Profile is the retry timing policy for one priority class. Profiles are
// plain data rows: a new priority tier only needs a new entry in
// DefaultProfiles.
type Profile struct {
	MaxAttempts        int
	RetryDelay         time.Duration
	BackoffMultiplier  float64
	ExponentialBackoff bool
}

// DefaultProfiles maps a delivery priority to its retry profile.
var DefaultProfiles = map[string]Profile{
	"low":      {MaxAttempts: 3, RetryDelay: 5 * time.Second, BackoffMultiplier: 2, ExponentialBackoff: true},
	"normal":   {MaxAttempts: 3, RetryDelay: time.Second, BackoffMultiplier: 2, ExponentialBackoff: true},
	"high":     {MaxAttempts: 5, RetryDelay: time.Second, BackoffMultiplier: 2, ExponentialBackoff: true},
	"critical": {MaxAttempts: 5, RetryDelay: 500 * time.Millisecond, BackoffMultiplier: 2, ExponentialBackoff: true},
}

// ProfileFor returns the profile for a priority, falling back to the
// normal profile for unknown tiers.
func ProfileFor(priority string) Profile {
	if p, ok := DefaultProfiles[priority]; ok {
		return p
	}
	return DefaultProfiles["normal"]
}

// NextDelay computes the delay before the next attempt. attemptsSoFar is
// the attempt count before the failing attempt is counted, so the first
// failure sees attemptsSoFar == 0 and waits exactly RetryDelay.
func NextDelay(p Profile, attemptsSoFar int) time.Duration {
	if attemptsSoFar < 0 {
		attemptsSoFar = 0
	}
	if !p.ExponentialBackoff {
		return p.RetryDelay
	}
	return time.Duration(float64(p.RetryDelay) * math.Pow(p.BackoffMultiplier, float64(attemptsSoFar)))
}

// Jitter spreads a delay by +/- pct to avoid thundering herds of retries
// against a recovering endpoint. The scheduler itself stays deterministic;
// only the dispatcher applies jitter.
func Jitter(d time.Duration, pct float64) time.Duration {
	if pct <= 0 {
		return d
	}
	j := 1 + (rand.Float64()*2-1)*pct
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(float64(d) * j)
}
