package ratelimit

import "time"

// Clock abstracts time so rate limits and TTL checks are deterministic in
// tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
