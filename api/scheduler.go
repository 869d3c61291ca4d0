/*
scheduler.go - Reservation expiry sweep scheduler

PURPOSE:
  Periodically flips holds whose TTL has passed to expired so they stop
  showing up as active. Availability already ignores expired holds by
  time, so the sweep is bookkeeping and a late run is harmless.

DESIGN:
  - gocron duration job, singleton mode: a slow sweep is never overlapped
    by the next tick
  - Runs once immediately on Start
  - Clock is injectable (clockwork) so tests drive ticks by hand

USAGE:
  s, err := NewExpirySweepScheduler(manager, time.Minute, clock, logger)
  s.Start()
  // ... later
  s.Stop()

SEE ALSO:
  - handlers.go: SweepReservations endpoint (manual sweep)
  - reservation/reservation.go: SweepExpired
*/
package api

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"

	"github.com/warp/ticket-engine/generic"
	"github.com/warp/ticket-engine/logging"
)

// Sweeper is satisfied by *reservation.Manager.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// ExpirySweepScheduler runs Sweeper.SweepExpired on a fixed interval.
type ExpirySweepScheduler struct {
	Interval time.Duration

	sweeper   Sweeper
	scheduler gocron.Scheduler
	logger    logrus.FieldLogger
	runs      atomic.Int64
	swept     atomic.Int64
}

func NewExpirySweepScheduler(sweeper Sweeper, interval time.Duration, clock generic.Clock, logger logrus.FieldLogger) (*ExpirySweepScheduler, error) {
	if interval <= 0 {
		return nil, generic.NewValidationError("interval", "must be positive, got %s", interval)
	}
	if clock == nil {
		clock = generic.SystemClock()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("component", "expiry_sweep")

	s, err := gocron.NewScheduler(
		gocron.WithClock(clock),
		gocron.WithLogger(logging.NewGocronLogger(logger)),
		gocron.WithLocation(time.UTC),
	)
	if err != nil {
		return nil, fmt.Errorf("creating scheduler: %w", err)
	}

	es := &ExpirySweepScheduler{Interval: interval, sweeper: sweeper, scheduler: s, logger: logger}
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(es.sweep),
		gocron.WithName("reservation-expiry-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return nil, fmt.Errorf("scheduling sweep job: %w", err)
	}
	return es, nil
}

// Start begins the scheduler.
func (es *ExpirySweepScheduler) Start() {
	es.scheduler.Start()
	es.logger.WithField("interval", es.Interval.String()).Info("expiry sweep started")
}

// Stop waits for a running sweep to finish.
func (es *ExpirySweepScheduler) Stop() error {
	if err := es.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("stopping scheduler: %w", err)
	}
	es.logger.Info("expiry sweep stopped")
	return nil
}

// Runs reports how many sweeps have completed.
func (es *ExpirySweepScheduler) Runs() int64 { return es.runs.Load() }

// Swept reports how many holds the scheduler has expired in total.
func (es *ExpirySweepScheduler) Swept() int64 { return es.swept.Load() }

func (es *ExpirySweepScheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), es.Interval)
	defer cancel()

	n, err := es.sweeper.SweepExpired(ctx)
	es.swept.Add(int64(n))
	es.runs.Add(1)
	if err != nil {
		es.logger.WithError(err).WithField("swept", n).Error("expiry sweep failed")
	}
}
