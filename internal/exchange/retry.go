package exchange

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const maxBackoff = 2 * time.Minute

// retry wraps a venue call with retry logic for transient errors, using
// exponential backoff. The backoff sleep honors context cancellation so a
// stopping agent is never stuck waiting out a venue outage.
func retry(ctx context.Context, attempts int, delay time.Duration, venue, op string, fn func() error) error {
	backoff := delay
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		log.Warn().Err(err).Str("venue", venue).Str("op", op).
			Int("attempt", i).Int("max", attempts).Dur("backoff", backoff).
			Msg("Venue call failed")
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
	return wrapErr(venue, op, err)
}
