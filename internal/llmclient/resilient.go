// internal/llmclient/resilient.go
package llmclient

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/coursepilot/api/schemas"
	"github.com/xkilldash9x/coursepilot/internal/config"
)

// Resilient wraps a provider with client-side rate limiting and retries of
// recoverable errors. Fatal and invalid-request errors are returned at once.
type Resilient struct {
	next    schemas.CognitionProvider
	limiter *rate.Limiter
	retry   config.RetryConfig
	logger  *zap.Logger
}

// NewResilient decorates next. A zero RequestsPerMinute disables the limiter.
func NewResilient(next schemas.CognitionProvider, cfg config.CognitionConfig, logger *zap.Logger) *Resilient {
	r := &Resilient{
		next:   next,
		retry:  cfg.Retry,
		logger: logger.Named("llm_client.resilient").With(zap.String("provider", next.Name())),
	}
	if cfg.RequestsPerMinute > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60.0), 1)
	}
	return r
}

func (r *Resilient) Name() string { return r.next.Name() }

// Unwrap returns the decorated provider.
func (r *Resilient) Unwrap() schemas.CognitionProvider { return r.next }

func (r *Resilient) Decide(ctx context.Context, req schemas.DecisionRequest) (*schemas.ProviderResponse, error) {
	var result *schemas.ProviderResponse
	attempt := 0

	operation := func() error {
		attempt++
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}

		resp, err := r.next.Decide(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			var pe *ProviderError
			if errors.As(err, &pe) && pe.Retryable() {
				return err
			}
			return backoff.Permanent(err)
		}
		result = resp
		return nil
	}

	notify := func(err error, d time.Duration) {
		r.logger.Warn("Provider call failed, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", d),
		)
	}

	if err := backoff.RetryNotify(operation, r.newBackOff(ctx), notify); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Resilient) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retry.InitialInterval
	b.MaxInterval = r.retry.MaxInterval
	b.MaxElapsedTime = r.retry.MaxElapsedTime
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.retry.MaxRetries)), ctx)
}
