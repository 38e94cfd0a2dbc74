package adapter

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"biochat/backend/internal/observability"
	apperrors "biochat/backend/pkg/errors"
	"biochat/backend/pkg/logger"
)

// Jitter bounds for the single timeout retry.
var (
	retryJitterMin = 100 * time.Millisecond
	retryJitterMax = 500 * time.Millisecond
)

// Call runs fn under a per-attempt timeout. Failures are mapped onto the
// backend taxonomy; a timeout is retried once after a jittered pause, every
// other failure is returned immediately.
func Call(ctx context.Context, service string, timeout time.Duration, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			pause := retryJitterMin + rand.N(retryJitterMax-retryJitterMin+1)
			logger.Get().Warn("Retrying after timeout",
				zap.String("service", service),
				zap.Duration("backoff", pause),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pause):
			}
		}

		err = attemptCall(ctx, service, timeout, fn)
		if err == nil {
			return nil
		}
		if be, ok := apperrors.AsBackendError(err); ok {
			observability.Get().RecordBackendError(service, string(be.Reason))
		}
		if ctx.Err() != nil || !apperrors.IsRetryable(err) {
			return err
		}
	}
	return err
}

func attemptCall(ctx context.Context, service string, timeout time.Duration, fn func(ctx context.Context) error) error {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := fn(callCtx)
	if err == nil {
		return nil
	}
	// Cancellation by the caller stays a cancellation; an expired attempt
	// budget is a timeout even if the client reported something vaguer.
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if callCtx.Err() == context.DeadlineExceeded {
		if _, typed := apperrors.AsBackendError(err); !typed {
			return apperrors.NewBackendError(apperrors.BackendReasonTimeout, service, err)
		}
	}
	return apperrors.FromContext(service, err)
}
