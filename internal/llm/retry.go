package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/parley/pkg/domain"
	"github.com/cenkalti/backoff/v4"
)

// retry runs fn with exponential backoff, each attempt bounded by the
// attempt timeout and all attempts by the total timeout.
func (c *Core) retry(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.totalTimeout)
	defer cancel()
	return c.retryWith(ctx, c.attemptTimeout, fn)
}

func (c *Core) retryWith(ctx context.Context, attempt time.Duration, fn func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	b.MaxInterval = c.maxBackoff
	b.MaxElapsedTime = c.totalTimeout

	op := func() error {
		actx := ctx
		if attempt > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, attempt)
			defer cancel()
		}
		err := fn(actx)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, domain.ErrUnexpectedResponseFormat), ctx.Err() != nil:
			return backoff.Permanent(err)
		}
		c.logger.Debug("llm attempt failed, backing off", "err", err)
		return err
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return timeoutError(ctx, err)
	}
	return nil
}

// timeoutError maps deadline failures to domain.ErrTimeout.
func timeoutError(ctx context.Context, err error) error {
	if errors.Is(err, domain.ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	return err
}
