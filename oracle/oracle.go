// Package oracle answers the only question the attack ever asks: does this
// forged ciphertext decrypt to validly padded plaintext? Two realizations
// exist, one speaking HTTP and one spawning a script per question.
package oracle

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// RetryMaxAttempts bounds how many times a single question is asked, the
// first try included, before a transient failure is surfaced to the engine.
const RetryMaxAttempts = 3

// retryBaseDelay seeds the backoff when no per-thread delay is configured.
const retryBaseDelay = 100 * time.Millisecond

// Oracle is the capability the attack engine is generic over. Ask reports
// whether the forged ciphertext (forged predecessor followed by the target
// block) decrypted with correct padding. A returned error is transient I/O
// trouble, never a padding verdict.
type Oracle interface {
	Ask(ctx context.Context, forged []byte) (bool, error)
	// Location identifies the oracle across runs: its normalized URL or the
	// absolute script path.
	Location() string
	// Delay is the per-question throttle slept before each submission.
	Delay() time.Duration
}

// AskWithRetry submits one question, retrying transient failures with a
// doubling backoff seeded from the oracle's configured delay.
func AskWithRetry(ctx context.Context, o Oracle, forged []byte) (bool, error) {
	backoff := o.Delay()
	if backoff <= 0 {
		backoff = retryBaseDelay
	}

	var lastErr error
	for attempt := 1; attempt <= RetryMaxAttempts; attempt++ {
		if attempt > 1 {
			log.Warnf("oracle question failed, retrying (%d/%d): %v", attempt, RetryMaxAttempts, lastErr)
			if err := sleep(ctx, backoff); err != nil {
				return false, err
			}
			backoff *= 2
		}
		if err := sleep(ctx, o.Delay()); err != nil {
			return false, err
		}

		correct, err := o.Ask(ctx, forged)
		if err == nil {
			return correct, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		lastErr = err
	}
	return false, fmt.Errorf("oracle gave no verdict after %d attempts: %w", RetryMaxAttempts, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
