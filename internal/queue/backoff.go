package queue

import (
	"errors"
	"time"
)

// DefaultBackoff is the delay schedule indexed by attempts made.
var DefaultBackoff = Backoff{Steps: []time.Duration{
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	30 * time.Minute,
	time.Hour,
}}

// Backoff is an ordered, non-decreasing list of retry delays.
type Backoff struct {
	Steps []time.Duration
}

// NewBackoff validates steps. An empty list selects DefaultBackoff.
func NewBackoff(steps []time.Duration) (Backoff, error) {
	if len(steps) == 0 {
		return DefaultBackoff, nil
	}
	for i, d := range steps {
		if d <= 0 {
			return Backoff{}, errors.New("backoff steps must be positive")
		}
		if i > 0 && d < steps[i-1] {
			return Backoff{}, errors.New("backoff steps must be non-decreasing")
		}
	}
	return Backoff{Steps: append([]time.Duration(nil), steps...)}, nil
}

// Delay returns the wait before the next attempt after attempt attempts have
// been made. Rate-limited failures skip one step ahead. The last step repeats.
func (b Backoff) Delay(attempt int, rateLimited bool) time.Duration {
	steps := b.Steps
	if len(steps) == 0 {
		steps = DefaultBackoff.Steps
	}
	i := attempt - 1
	if rateLimited {
		i++
	}
	if i < 0 {
		i = 0
	}
	if i >= len(steps) {
		i = len(steps) - 1
	}
	return steps[i]
}
