// Package dispatcher runs the per-kind worker pools.
package dispatcher

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/syllabus-indexer/internal/syllabus"
	"github.com/JakeFAU/syllabus-indexer/internal/worker"
)

// Runner is a long-running task consumer.
type Runner interface {
	Kind() syllabus.TaskKind
	Run(ctx context.Context)
}

// Recoverer returns tasks stranded by a crashed process to their ready lists.
type Recoverer interface {
	Recover(ctx context.Context, kind syllabus.TaskKind) (int, error)
}

// Dispatcher fans queue work out to a set of workers.
type Dispatcher struct {
	workers   []Runner
	recoverer Recoverer
	logger    *zap.Logger
}

// New creates a Dispatcher. recoverer may be nil to skip recovery.
func New(workers []Runner, recoverer Recoverer, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{workers: workers, recoverer: recoverer, logger: logger}
}

// Pool builds n workers of the same configuration.
func Pool(n int, build func() *worker.Worker) []Runner {
	if n < 1 {
		n = 1
	}
	out := make([]Runner, 0, n)
	for range n {
		out = append(out, build())
	}
	return out
}

// Run recovers stranded tasks, starts all workers and blocks until the
// context finishes and every worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	d.recover(ctx)

	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(w)
	}
	d.logger.Info("workers started", zap.Int("count", len(d.workers)))
	<-ctx.Done()
	wg.Wait()
	d.logger.Info("workers stopped")
}

func (d *Dispatcher) recover(ctx context.Context) {
	if d.recoverer == nil {
		return
	}
	seen := map[syllabus.TaskKind]bool{}
	for _, w := range d.workers {
		kind := w.Kind()
		if seen[kind] {
			continue
		}
		seen[kind] = true
		n, err := d.recoverer.Recover(ctx, kind)
		if err != nil {
			d.logger.Error("recover stranded tasks", zap.String("kind", string(kind)), zap.Error(err))
			continue
		}
		if n > 0 {
			d.logger.Warn("recovered stranded tasks", zap.String("kind", string(kind)), zap.Int("count", n))
		}
	}
}
