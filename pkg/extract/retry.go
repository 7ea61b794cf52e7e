// Package extract reads sources through their connectors with bounded batches and retries
package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/cdcore/pkg/failure"
	"github.com/ethpandaops/cdcore/pkg/observability"
	"github.com/sirupsen/logrus"
)

// ErrInvalidRetry is returned by RetryConfig.Validate
var ErrInvalidRetry = errors.New("invalid retry config")

// RetryConfig bounds retries of transient connector failures
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initialInterval" default:"500ms"`
	MaxInterval     time.Duration `yaml:"maxInterval" default:"30s"`
	Multiplier      float64       `yaml:"multiplier" default:"2"`
	MaxAttempts     int           `yaml:"maxAttempts" default:"5"`
	AttemptTimeout  time.Duration `yaml:"attemptTimeout" default:"10m"`
}

// Validate checks the retry configuration
func (c *RetryConfig) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return fmt.Errorf("%w: maxAttempts must be at least 1", ErrInvalidRetry)
	case c.Multiplier < 1:
		return fmt.Errorf("%w: multiplier must be at least 1", ErrInvalidRetry)
	case c.InitialInterval <= 0 || c.MaxInterval < c.InitialInterval:
		return fmt.Errorf("%w: intervals must be positive and maxInterval >= initialInterval", ErrInvalidRetry)
	case c.AttemptTimeout <= 0:
		return fmt.Errorf("%w: attemptTimeout must be positive", ErrInvalidRetry)
	}

	return nil
}

// delay returns the wait before retry number attempt (1-based)
func (c *RetryConfig) delay(attempt int) time.Duration {
	d := float64(c.InitialInterval)
	for i := 1; i < attempt; i++ {
		d *= c.Multiplier
		if d >= float64(c.MaxInterval) {
			return c.MaxInterval
		}
	}

	return time.Duration(d)
}

type retrier struct {
	log      logrus.FieldLogger
	cfg      RetryConfig
	sourceID string
	sleep    func(ctx context.Context, d time.Duration) error
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// run calls attempt until it succeeds, fails permanently or attempts run out.
// Each call gets its own timeout.
func (r *retrier) run(ctx context.Context, attempt func(ctx context.Context) error) (int, error) {
	var err error

	for n := 1; n <= r.cfg.MaxAttempts; n++ {
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		err = attempt(attemptCtx)
		timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded)

		cancel()

		if err == nil {
			return n, nil
		}

		if ctx.Err() != nil {
			return n, ctx.Err()
		}

		if timedOut && errors.Is(err, context.DeadlineExceeded) {
			err = failure.Transient(fmt.Errorf("attempt timed out after %s: %w", r.cfg.AttemptTimeout, err))
		}

		if !failure.IsTransient(err) {
			return n, err
		}

		if n == r.cfg.MaxAttempts {
			break
		}

		wait := r.cfg.delay(n)

		r.log.WithError(err).WithFields(logrus.Fields{
			"attempt": n,
			"wait":    wait,
		}).Warn("Transient extraction failure, retrying")

		observability.RecordExtractRetry(r.sourceID)

		if sleepErr := r.sleep(ctx, wait); sleepErr != nil {
			return n, sleepErr
		}
	}

	return r.cfg.MaxAttempts, failure.Transient(fmt.Errorf("giving up after %d attempts: %w", r.cfg.MaxAttempts, err))
}
