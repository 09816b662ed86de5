package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// Retry calls fn until it reports done, returns an error or ctx is done. The
// delay between attempts starts at interval and backs off exponentially.
func Retry(
	ctx context.Context, interval time.Duration, fn func(ctx context.Context) (bool, error),
) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = interval
	bo.MaxInterval = 20 * interval
	bo.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		done, err := fn(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !done {
			return errNotDone
		}
		return nil
	}, backoff.WithContext(bo, ctx), func(_ error, next time.Duration) {
		log.Debugf("retrying in %s", next)
	})

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("timed out")
	}
	return err
}

var errNotDone = errors.New("not done")
