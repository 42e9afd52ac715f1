package db

import (
	"context"
	"errors"
)

// RetryOnConflict re-runs fn while it fails with ErrSerialization, at most retries
// extra times. The last error is returned unchanged so callers can map it.
func RetryOnConflict(ctx context.Context, retries int, fn func(context.Context) error) error {
	if retries < 0 {
		retries = 0
	}
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = fn(ctx)
		if err == nil || !errors.Is(err, ErrSerialization) {
			return err
		}
	}
	return err
}
