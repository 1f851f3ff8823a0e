package session

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const DefaultReconnectDelay = 3 * time.Second

// ReconnectPolicy returns a backoff factory. A maxDelay above delay yields an
// exponential policy capped at maxDelay; otherwise the delay is constant.
func ReconnectPolicy(delay, maxDelay time.Duration) func() backoff.BackOff {
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	if maxDelay <= delay {
		return func() backoff.BackOff {
			return backoff.NewConstantBackOff(delay)
		}
	}
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = delay
		b.MaxInterval = maxDelay
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	}
}
