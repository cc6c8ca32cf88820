package farmsync

import (
	"context"
	"sync"
	"time"

	"github.com/hyperengineering/farmsync/internal/logging"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// CycleRunner runs one sync cycle. *Engine implements it.
type CycleRunner interface {
	RunCycle(ctx context.Context) *CycleResult
}

// SchedulerConfig controls when cycles run.
type SchedulerConfig struct {
	// Interval between cycles after a completed one.
	Interval time.Duration
	// BackoffBase is the first delay after an aborted cycle. Delays double up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// RunOnStart runs a cycle as soon as Run is called.
	RunOnStart bool
	// CycleTimeout bounds each cycle. Zero means no bound beyond Run's context.
	CycleTimeout time.Duration
}

// Scheduler invokes a CycleRunner periodically and on demand.
// The engine does no backoff of its own; aborted cycles stretch the wait here.
type Scheduler struct {
	runner   CycleRunner
	cfg      SchedulerConfig
	trigger  chan struct{}
	logger   *zap.Logger
	onResult func(*CycleResult)

	mu      sync.Mutex
	backoff retry.Backoff
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the scheduler logger.
func WithSchedulerLogger(l *zap.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logging.OrNop(l) }
}

// OnResult registers fn to receive every cycle result.
func OnResult(fn func(*CycleResult)) SchedulerOption {
	return func(s *Scheduler) { s.onResult = fn }
}

// NewScheduler creates a scheduler. Unset durations fall back to DefaultConfig values.
func NewScheduler(runner CycleRunner, cfg SchedulerConfig, opts ...SchedulerOption) *Scheduler {
	defaults := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.SyncInterval
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaults.BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}

	s := &Scheduler{
		runner:  runner,
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.resetBackoff()
	return s
}

func (s *Scheduler) resetBackoff() {
	b := retry.NewExponential(s.cfg.BackoffBase)
	b = retry.WithCappedDuration(s.cfg.BackoffMax, b)
	b = retry.WithJitterPercent(10, b)

	s.mu.Lock()
	s.backoff = b
	s.mu.Unlock()
}

func (s *Scheduler) nextBackoff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, stop := s.backoff.Next()
	if stop {
		return s.cfg.BackoffMax
	}
	return d
}

// Trigger requests an immediate cycle. It never blocks; requests made while
// one is already queued are coalesced.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run blocks, running cycles until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	delay := s.cfg.Interval
	if s.cfg.RunOnStart {
		delay = s.runOnce(ctx)
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		timer.Reset(s.runOnce(ctx))
	}
}

// runOnce runs a cycle and returns the delay before the next one.
func (s *Scheduler) runOnce(ctx context.Context) time.Duration {
	cycleCtx := ctx
	if s.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		cycleCtx, cancel = context.WithTimeout(ctx, s.cfg.CycleTimeout)
		defer cancel()
	}

	result := s.runner.RunCycle(cycleCtx)
	if s.onResult != nil {
		s.onResult(result)
	}

	switch result.Outcome {
	case CycleAborted:
		d := s.nextBackoff()
		s.logger.Info("sync cycle aborted, backing off",
			zap.String("cycle_id", result.ID),
			zap.String("reason", result.Message),
			zap.Duration("retry_in", d),
		)
		return d
	case CycleCompleted:
		s.resetBackoff()
	}
	return s.cfg.Interval
}
