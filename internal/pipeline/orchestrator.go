// Package pipeline runs the background maintenance loops of the marketplace:
// the listing expiry sweeper and the cold-storage archiver.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Orchestrator manages the background goroutines: the expiry sweeper on a
// ticker and the archiver on a cron schedule.
type Orchestrator struct {
	sweeper       *Sweeper
	archiver      *Archiver
	sweepInterval time.Duration
	archiveCron   string
	logger        *slog.Logger
}

// NewOrchestrator creates a new Orchestrator that coordinates the background
// loops.
func NewOrchestrator(
	sweeper *Sweeper,
	archiver *Archiver,
	sweepInterval time.Duration,
	archiveCron string,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		sweeper:       sweeper,
		archiver:      archiver,
		sweepInterval: sweepInterval,
		archiveCron:   archiveCron,
		logger:        logger,
	}
}

// Run starts the loops as concurrent goroutines using an errgroup. Each
// goroutine respects ctx cancellation. If any goroutine returns a non-context
// error, the errgroup cancels the shared context and Run returns that error.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("pipeline orchestrator starting",
		slog.Duration("sweep_interval", o.sweepInterval),
		slog.String("archive_cron", o.archiveCron),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		o.logger.Info("starting expiry sweeper loop")
		err := o.sweeper.RunLoop(ctx, o.sweepInterval)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("sweeper: %w", err)
	})

	if o.archiver != nil {
		g.Go(func() error {
			o.logger.Info("starting archiver cron")
			err := o.archiver.RunCron(ctx, o.archiveCron)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("archiver: %w", err)
		})
	}

	err := g.Wait()
	if err != nil {
		o.logger.Error("pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}

	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}
