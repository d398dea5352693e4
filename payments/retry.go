package payments

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

const (
	// DefaultVerifyAttempts bounds verification retries against processor or
	// network hiccups.
	DefaultVerifyAttempts = 4

	retryBaseDelay = 250 * time.Millisecond
)

// VerifyWithRetry verifies a payment, retrying transient gateway failures with
// exponential backoff. Definitive answers (not found, not completed) are
// returned immediately; after the attempt budget is exhausted the error wraps
// ErrVerificationFailed so callers can leave their entity untouched.
func VerifyWithRetry(ctx context.Context, g Gateway, reference string, attempts int) (*Verification, error) {
	if g == nil {
		return nil, ErrGatewayNotConfigured
	}
	if attempts <= 0 {
		attempts = DefaultVerifyAttempts
	}
	var lastErr error
	delay := retryBaseDelay
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := g.VerifyPayment(ctx, reference)
		if err == nil {
			return v, nil
		}
		if errors.Is(err, ErrPaymentNotFound) || errors.Is(err, ErrPaymentNotCompleted) {
			return nil, err
		}
		lastErr = err
		log.Printf("[payments][verify_retry] reference=%s attempt=%d err=%v", reference, attempt, err)
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, lastErr)
}
