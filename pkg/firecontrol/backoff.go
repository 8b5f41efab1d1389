package firecontrol

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newBackoff doubles the reconnect delay from initial up to max. There is no
// jitter and it never gives up.
func newBackoff(initial, max time.Duration) *backoff.ExponentialBackOff {
	if initial <= 0 {
		initial = DefaultBackoffInitial
	}
	if max < initial {
		max = initial
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
