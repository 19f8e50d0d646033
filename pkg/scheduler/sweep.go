package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/fadedpez/tradevault/internal/logging"
	"github.com/fadedpez/tradevault/internal/types"
	"github.com/fadedpez/tradevault/pkg/entities"
)

// DefaultBatchSize bounds how many escrows one sweep step loads
const DefaultBatchSize = 100

// SweepEngine is the part of the escrow engine the sweep drives
type SweepEngine interface {
	DueForExpiry(ctx context.Context, limit int) ([]*entities.Escrow, error)
	AwaitingInspection(ctx context.Context, limit int) ([]*entities.Escrow, error)
	DueForAutoRelease(ctx context.Context, limit int) ([]*entities.Escrow, error)
	Expire(ctx context.Context, escrowID string) (*entities.Escrow, error)
	StartInspection(ctx context.Context, escrowID string) (*entities.Escrow, error)
	AutoRelease(ctx context.Context, escrowID string) (*entities.Escrow, error)
}

// SweepReport counts what one sweep did
type SweepReport struct {
	Expired           int
	InspectionStarted int
	AutoReleased      int
	Skipped           int // rejected by the state machine, another actor got there first
	Failed            int
	LeaseHeld         bool // false when another instance holds the lease
	Duration          time.Duration
}

func (r SweepReport) String() string {
	return fmt.Sprintf("expired=%d inspection_started=%d auto_released=%d skipped=%d failed=%d in %s",
		r.Expired, r.InspectionStarted, r.AutoReleased, r.Skipped, r.Failed, r.Duration.Round(time.Millisecond))
}

// SweepConfig holds the sweep tunables
type SweepConfig struct {
	Interval  time.Duration
	LeaseTTL  time.Duration
	BatchSize int
	Logger    *logging.Logger
}

// EscrowSweepScheduler periodically expires stale escrows, starts inspection of
// delivered ones and auto-releases those whose inspection window elapsed
type EscrowSweepScheduler struct {
	scheduler *Scheduler
	engine    SweepEngine
	lease     Lease
	cfg       SweepConfig
	logger    *logging.Logger
}

// NewEscrowSweepScheduler creates a new sweep scheduler. A nil lease always grants.
func NewEscrowSweepScheduler(engine SweepEngine, lease Lease, cfg SweepConfig) *EscrowSweepScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = cfg.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default
	}
	if lease == nil {
		lease = NoopLease{}
	}

	return &EscrowSweepScheduler{
		scheduler: NewScheduler(cfg.Logger),
		engine:    engine,
		lease:     lease,
		cfg:       cfg,
		logger:    cfg.Logger.WithPrefix("SWEEP"),
	}
}

// Start runs the sweep now and then every interval until ctx ends or Stop is called
func (s *EscrowSweepScheduler) Start(ctx context.Context) {
	s.scheduler.AddTask("escrow_sweep", s.cfg.Interval, func(ctx context.Context) error {
		_, err := s.RunOnce(ctx)
		return err
	})
	s.scheduler.Start(ctx)
	s.logger.Info("Escrow sweep scheduled every %s", s.cfg.Interval)
}

// Stop stops the scheduler
func (s *EscrowSweepScheduler) Stop() {
	s.scheduler.Stop()
}

// RunOnce performs a single sweep. Steps run in order, so a delivered escrow whose
// inspection window already elapsed is inspected and released in the same sweep.
func (s *EscrowSweepScheduler) RunOnce(ctx context.Context) (SweepReport, error) {
	start := time.Now()
	report := SweepReport{}

	held, err := s.lease.Acquire(ctx, s.cfg.LeaseTTL)
	if err != nil {
		// Without the lease service we still sweep; transitions are exactly-once anyway
		s.logger.Warn("Sweep lease unavailable, sweeping anyway: %v", err)
		held = true
	}
	if !held {
		s.logger.Debug("Sweep lease held by another instance")
		return report, nil
	}
	report.LeaseHeld = true
	defer func() {
		if err := s.lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("Failed to release sweep lease: %v", err)
		}
	}()

	steps := []struct {
		name    string
		list    func(ctx context.Context, limit int) ([]*entities.Escrow, error)
		advance func(ctx context.Context, escrowID string) (*entities.Escrow, error)
		count   *int
	}{
		{"expire", s.engine.DueForExpiry, s.engine.Expire, &report.Expired},
		{"start inspection", s.engine.AwaitingInspection, s.engine.StartInspection, &report.InspectionStarted},
		{"auto release", s.engine.DueForAutoRelease, s.engine.AutoRelease, &report.AutoReleased},
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		escrows, err := step.list(ctx, s.cfg.BatchSize)
		if err != nil {
			report.Failed++
			s.logger.Error("Failed to list escrows to %s: %v", step.name, err)
			continue
		}

		for _, esc := range escrows {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			_, err := step.advance(ctx, esc.ID)
			switch {
			case err == nil:
				*step.count++
			case types.CodeOf(err).Kind() == types.KindState:
				report.Skipped++
				s.logger.Debug("Skipped %s of escrow %s: %v", step.name, esc.ID, err)
			default:
				report.Failed++
				s.logger.Error("Failed to %s escrow %s: %v", step.name, esc.ID, err)
			}
		}
	}

	report.Duration = time.Since(start)
	if report.Expired+report.InspectionStarted+report.AutoReleased+report.Failed > 0 {
		s.logger.Info("Sweep finished: %s", report)
	} else {
		s.logger.Debug("Sweep finished: %s", report)
	}
	return report, nil
}
