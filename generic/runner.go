/*
runner.go - Transactions with an injected conflict-retry policy

PURPOSE:
  Every hot mutation in the engine (tier remaining counts, promo redemption
  counters, order and refund state) is a read -> mutate -> write function run
  through Runner.Run. The store detects concurrent writers; the runner
  re-executes the whole function against fresh reads.

RETRY SEMANTICS:
  - Only ErrConflict is retried. Everything else is permanent and returned
    as is, so InsufficientInventory and friends abort immediately.
  - The function must be side-effect free outside the Tx: it may run more
    than once.
  - MaxRetries bounds the number of re-runs. A zero InitialInterval means
    retry immediately (tests); otherwise exponential backoff.

SEE ALSO:
  - store.go: RunTx contract
*/
package generic

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// RetryPolicy controls how conflicting transactions are retried.
type RetryPolicy struct {
	MaxRetries      int           `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      8,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
		Multiplier:      2,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff = &backoff.ZeroBackOff{}
	if p.InitialInterval > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.InitialInterval
		if p.MaxInterval > 0 {
			eb.MaxInterval = p.MaxInterval
		}
		if p.Multiplier > 0 {
			eb.Multiplier = p.Multiplier
		}
		eb.MaxElapsedTime = 0
		b = eb
	}
	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// =============================================================================
// RUNNER
// =============================================================================

type Runner struct {
	store  Store
	policy RetryPolicy
	logger logrus.FieldLogger
}

func NewRunner(store Store, policy RetryPolicy, logger logrus.FieldLogger) *Runner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Runner{store: store, policy: policy, logger: logger}
}

// Store exposes the underlying reader for non-transactional reads.
func (r *Runner) Store() Store { return r.store }

// Run executes fn in a transaction, retrying on ErrConflict.
func (r *Runner) Run(ctx context.Context, fn TxFunc) error {
	attempt := 0
	op := func() error {
		attempt++
		err := r.store.RunTx(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrConflict) {
			r.logger.WithField("attempt", attempt).Debug("transaction conflict, retrying")
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(op, r.policy.backOff(ctx))
}
