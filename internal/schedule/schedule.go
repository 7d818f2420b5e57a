// Package schedule starts crawl runs on a cron schedule.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/syllabus-indexer/internal/syllabus"
)

// Starter starts one crawl run.
type Starter interface {
	StartRun(ctx context.Context, category string) (syllabus.Run, error)
}

// RunLister exposes the most recent runs.
type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]syllabus.Run, error)
}

// Scheduler triggers StartRun on every tick of a five-field cron expression.
// A tick is skipped while the latest run is still in progress.
type Scheduler struct {
	cron     *cron.Cron
	schedule cron.Schedule
	spec     string
	category string
	starter  Starter
	runs     RunLister
	logger   *zap.Logger
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New parses spec and registers the trigger. runs may be nil.
func New(spec, category string, starter Starter, runs RunLister, logger *zap.Logger) (*Scheduler, error) {
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", spec, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		schedule: schedule,
		spec:     spec,
		category: category,
		starter:  starter,
		runs:     runs,
		logger:   logger.Named("schedule"),
	}
	s.cron = cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	s.cron.Schedule(schedule, cron.FuncJob(func() { s.Trigger(context.Background()) }))
	return s, nil
}

// Next returns the first tick after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Run starts the cron loop and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", zap.String("cron", s.spec), zap.Time("next_run", s.Next(time.Now())))
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Trigger starts a run unless one is still in progress.
func (s *Scheduler) Trigger(ctx context.Context) {
	if busy, generation := s.inProgress(ctx); busy {
		s.logger.Info("previous run still in progress, skipping tick", zap.String("generation", generation))
		return
	}
	run, err := s.starter.StartRun(ctx, s.category)
	if err != nil {
		s.logger.Error("scheduled run failed to start", zap.Error(err))
		return
	}
	s.logger.Info("scheduled run started", zap.String("generation", run.Generation))
}

func (s *Scheduler) inProgress(ctx context.Context) (bool, string) {
	if s.runs == nil {
		return false, ""
	}
	runs, err := s.runs.ListRuns(ctx, 1)
	if err != nil {
		s.logger.Warn("list runs before scheduled start", zap.Error(err))
		return false, ""
	}
	if len(runs) == 0 {
		return false, ""
	}
	switch runs[0].State {
	case syllabus.RunDone, syllabus.RunFailed:
		return false, ""
	default:
		return true, runs[0].Generation
	}
}
