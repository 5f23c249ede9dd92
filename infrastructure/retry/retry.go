package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/qash-finance/schedule-service/entities"
)

// DefaultAttempts is the bounded number of tries for ledger and backend fetches.
const DefaultAttempts = 3

// Do runs op up to attempts times with exponential backoff starting at initial. Errors
// wrapped with Permanent stop the retries immediately. The last error is returned.
func Do(ctx context.Context, attempts int, initial time.Duration, op func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initial
	exp.MaxElapsedTime = 0 // bounded by the attempt count only

	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
	return backoff.Retry(func() error {
		return op(ctx)
	}, policy)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

type temporary interface {
	Temporary() bool
}

// Classify marks err as permanent when sending the same request again cannot help: missing
// entities and errors that report themselves as not temporary. Other errors pass through.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, entities.ErrNotFound) {
		return Permanent(err)
	}
	var t temporary
	if errors.As(err, &t) && !t.Temporary() {
		return Permanent(err)
	}
	return err
}
