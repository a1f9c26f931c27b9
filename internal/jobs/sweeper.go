// Package jobs runs periodic maintenance against the credential and audit
// stores.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bastion.dev/internal/obs"
)

// Task is one retention job. Run returns the number of rows removed.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int64, error)
}

// Expirer deletes expired credentials, keeping revoked ones for keep.
type Expirer interface {
	SweepExpired(ctx context.Context, keep time.Duration) (int64, error)
}

// ExpiryTask sweeps a credential service.
func ExpiryTask(name string, e Expirer, keep time.Duration) Task {
	return Task{Name: name, Run: func(ctx context.Context) (int64, error) {
		return e.SweepExpired(ctx, keep)
	}}
}

// EventPruner deletes audit rows older than a cutoff.
type EventPruner interface {
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditRetentionTask deletes audit events older than retention.
func AuditRetentionTask(p EventPruner, retention time.Duration, now func() time.Time) Task {
	if now == nil {
		now = time.Now
	}
	return Task{Name: "audit_logs", Run: func(ctx context.Context) (int64, error) {
		return p.DeleteEventsBefore(ctx, now().UTC().Add(-retention))
	}}
}

// Sweeper runs its tasks once at start and then on every tick.
type Sweeper struct {
	tasks    []Task
	interval time.Duration
	logger   *slog.Logger

	stop chan struct{}
	done chan struct{}
}

func NewSweeper(interval time.Duration, logger *slog.Logger, tasks ...Task) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		tasks:    tasks,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the loop in the background.
func (s *Sweeper) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop ends the loop and waits for the current run to finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", slog.Duration("interval", s.interval), slog.Int("tasks", len(s.tasks)))
	_ = s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			s.logger.Info("sweeper stopping")
			return
		case <-ticker.C:
			_ = s.RunOnce(ctx)
		}
	}
}

// RunOnce executes every task, continuing past failures.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	var errs []error
	for _, t := range s.tasks {
		start := time.Now()
		n, err := t.Run(ctx)
		obs.SweepDone(t.Name, n, err)
		if err != nil {
			s.logger.Error("sweep failed", slog.String("task", t.Name), slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("%s: %w", t.Name, err))
			continue
		}
		s.logger.Info("sweep completed",
			slog.String("task", t.Name),
			slog.Int64("rows_deleted", n),
			slog.Duration("duration", time.Since(start)))
	}
	return errors.Join(errs...)
}
