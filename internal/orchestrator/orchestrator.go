// Package orchestrator drives a crawl run: it pages through the subject
// listing, fans out one detail task per subject, waits for them, and then
// publishes the run's generation in both locales.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/syllabus-indexer/internal/syllabus"
)

// PublishLock is the lock name that serializes alias swaps.
const PublishLock = "publish"

// Checkpoint is the List task payload. It is rewritten after every step so a
// resumed task continues where the last one stopped.
type Checkpoint struct {
	Generation string            `json:"generation"`
	Category   string            `json:"category"`
	State      syllabus.RunState `json:"state"`
	Page       int               `json:"page"`
}

// DetailPayload is the Detail task payload.
type DetailPayload struct {
	Generation string `json:"generation"`
	Key        int    `json:"key"`
	Title      string `json:"title,omitempty"`
}

// Lister reads one page of the subject listing.
type Lister interface {
	ListPage(ctx context.Context, category string, page int) (syllabus.ListPage, error)
}

// Locker runs fn while holding a named lock.
type Locker interface {
	WithLock(ctx context.Context, name string, fn func(context.Context) error) error
}

// Config tunes the crawl.
type Config struct {
	Category string
	// PageDelay is the pause between two list pages.
	PageDelay time.Duration
}

// Orchestrator starts runs and executes List task steps.
type Orchestrator struct {
	queue  syllabus.TaskQueue
	index  syllabus.Index
	runs   syllabus.RunStore
	lister Lister
	locker Locker
	clock  syllabus.Clock
	ids    syllabus.IDGenerator
	cfg    Config
	logger *zap.Logger
}

// New constructs an Orchestrator.
func New(
	queue syllabus.TaskQueue,
	index syllabus.Index,
	runs syllabus.RunStore,
	lister Lister,
	locker Locker,
	clock syllabus.Clock,
	ids syllabus.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.PageDelay <= 0 {
		cfg.PageDelay = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		queue:  queue,
		index:  index,
		runs:   runs,
		lister: lister,
		locker: locker,
		clock:  clock,
		ids:    ids,
		cfg:    cfg,
		logger: logger.Named("orchestrator"),
	}
}

// StartRun mints a generation, prepares its indices and enqueues the first
// List step. An empty category selects the configured one. A run whose List
// task cannot be enqueued is recorded failed so it does not look in progress.
func (o *Orchestrator) StartRun(ctx context.Context, category string) (syllabus.Run, error) {
	if category == "" {
		category = o.cfg.Category
	}
	generation, err := o.ids.NewID()
	if err != nil {
		return syllabus.Run{}, fmt.Errorf("start run: %w", err)
	}
	if err := o.ensureIndices(ctx, generation); err != nil {
		return syllabus.Run{}, fmt.Errorf("start run: %w", err)
	}

	now := o.clock.Now()
	run := syllabus.Run{
		Generation: generation,
		Category:   category,
		State:      syllabus.RunListing,
		Page:       1,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.runs.CreateRun(ctx, run); err != nil {
		return syllabus.Run{}, fmt.Errorf("start run: %w", err)
	}
	cp := Checkpoint{
		Generation: generation,
		Category:   category,
		State:      syllabus.RunListing,
		Page:       1,
	}
	payload, err := encodeCheckpoint(cp)
	if err == nil {
		_, err = o.queue.Enqueue(ctx, syllabus.TaskKindList, payload)
	}
	if err != nil {
		logger := o.logger.With(zap.String("generation", generation))
		cp.State = syllabus.RunFailed
		o.record(context.WithoutCancel(ctx), cp, err.Error(), logger)
		logger.Error("run not started", zap.Error(err))
		return syllabus.Run{}, fmt.Errorf("start run: %w", err)
	}
	o.logger.Info("run started", zap.String("generation", generation), zap.String("category", category))
	return run, nil
}

func (o *Orchestrator) ensureIndices(ctx context.Context, generation string) error {
	for _, locale := range syllabus.Locales {
		if err := o.index.Ensure(ctx, locale, generation); err != nil {
			return err
		}
	}
	return nil
}

// Handle executes one List step.
func (o *Orchestrator) Handle(ctx context.Context, task syllabus.Task) (syllabus.Outcome, error) {
	cp, err := decodeCheckpoint(task.Payload)
	if err != nil {
		return syllabus.Outcome{}, err
	}
	logger := o.logger.With(zap.String("generation", cp.Generation), zap.String("task_id", task.ID))
	if err := o.ensureIndices(ctx, cp.Generation); err != nil {
		return syllabus.Outcome{}, err
	}

	switch cp.State {
	case syllabus.RunListing:
		return o.list(ctx, task, cp, logger)
	case syllabus.RunAwaitingChildren:
		return o.await(ctx, task, cp, logger)
	case syllabus.RunFinalizing:
		return o.finalize(ctx, cp, logger)
	case syllabus.RunDone:
		return syllabus.Done(), nil
	default:
		return syllabus.Outcome{}, &syllabus.ValidationError{Field: "checkpoint.state", Reason: fmt.Sprintf("unexpected %q", cp.State)}
	}
}

func (o *Orchestrator) list(
	ctx context.Context,
	task syllabus.Task,
	cp Checkpoint,
	logger *zap.Logger,
) (syllabus.Outcome, error) {
	page, err := o.lister.ListPage(ctx, cp.Category, cp.Page)
	if err != nil {
		return syllabus.Outcome{}, err
	}

	scheduled := 0
	for _, item := range page.Items {
		payload, err := json.Marshal(DetailPayload{Generation: cp.Generation, Key: item.JA.ID, Title: item.JA.Title})
		if err != nil {
			return syllabus.Outcome{}, fmt.Errorf("encode detail payload: %w", err)
		}
		_, created, err := o.queue.EnqueueChildOnce(ctx, task.ID, syllabus.TaskKindDetail, payload, cp.Generation, item.JA.ID)
		if err != nil {
			return syllabus.Outcome{}, err
		}
		if created {
			scheduled++
		}
	}
	logger.Info("list page read",
		zap.Int("page", cp.Page),
		zap.Int("items", len(page.Items)),
		zap.Int("scheduled", scheduled),
		zap.Bool("has_next", page.HasNext),
	)

	if page.HasNext {
		next := cp
		next.Page++
		payload, err := encodeCheckpoint(next)
		if err != nil {
			return syllabus.Outcome{}, err
		}
		o.record(ctx, next, "", logger)
		return syllabus.DelayFor(o.cfg.PageDelay, payload), nil
	}
	cp.State = syllabus.RunAwaitingChildren
	return o.await(ctx, task, cp, logger)
}

func (o *Orchestrator) await(
	ctx context.Context,
	task syllabus.Task,
	cp Checkpoint,
	logger *zap.Logger,
) (syllabus.Outcome, error) {
	pending, err := o.queue.PendingChildren(ctx, task.ID)
	if err != nil {
		return syllabus.Outcome{}, err
	}
	if pending > 0 {
		payload, err := encodeCheckpoint(cp)
		if err != nil {
			return syllabus.Outcome{}, err
		}
		o.record(ctx, cp, "", logger)
		logger.Info("waiting for detail tasks", zap.Int64("pending", pending))
		return syllabus.AwaitChildren(payload), nil
	}
	cp.State = syllabus.RunFinalizing
	return o.finalize(ctx, cp, logger)
}

func (o *Orchestrator) finalize(ctx context.Context, cp Checkpoint, logger *zap.Logger) (syllabus.Outcome, error) {
	o.record(ctx, cp, "", logger)
	err := o.locker.WithLock(ctx, PublishLock, func(ctx context.Context) error {
		return o.publish(ctx, cp.Generation, logger)
	})
	if err != nil {
		return syllabus.Outcome{}, err
	}

	cp.State = syllabus.RunDone
	o.record(ctx, cp, "", logger)
	if err := o.queue.ClearSeen(ctx, cp.Generation); err != nil {
		logger.Warn("clear dedup set", zap.Error(err))
	}
	logger.Info("run published")
	return syllabus.Done(), nil
}

// publish swaps every locale to generation, ja first since clients default
// to it. If a later locale fails, the locales already swapped are pointed back
// at their previous generation so both aliases keep serving one run. A locale
// that had nothing live before keeps the new generation.
func (o *Orchestrator) publish(ctx context.Context, generation string, logger *zap.Logger) error {
	previous := make(map[syllabus.Locale]string, len(syllabus.Locales))
	for _, locale := range syllabus.Locales {
		live, err := o.liveGeneration(ctx, locale)
		if err != nil {
			return &syllabus.PublishError{Op: "generations", Locale: locale, Generation: generation, Err: err}
		}
		previous[locale] = live
	}

	swapped := make([]syllabus.Locale, 0, len(syllabus.Locales))
	for _, locale := range syllabus.Locales {
		if err := o.index.Publish(ctx, locale, generation); err != nil {
			o.rollback(ctx, swapped, previous, generation, logger)
			return err
		}
		swapped = append(swapped, locale)
	}
	return nil
}

func (o *Orchestrator) rollback(
	ctx context.Context,
	swapped []syllabus.Locale,
	previous map[syllabus.Locale]string,
	generation string,
	logger *zap.Logger,
) {
	for _, locale := range swapped {
		prev := previous[locale]
		if prev == "" || prev == generation {
			logger.Warn("no earlier generation to restore", zap.String("locale", string(locale)))
			continue
		}
		if err := o.index.Publish(ctx, locale, prev); err != nil {
			logger.Error("restore previous generation",
				zap.String("locale", string(locale)),
				zap.String("previous", prev),
				zap.Error(err),
			)
			continue
		}
		logger.Warn("restored previous generation", zap.String("locale", string(locale)), zap.String("previous", prev))
	}
}

func (o *Orchestrator) liveGeneration(ctx context.Context, locale syllabus.Locale) (string, error) {
	gens, err := o.index.Generations(ctx, locale)
	if err != nil {
		return "", err
	}
	for _, g := range gens {
		if g.Live {
			return g.ID, nil
		}
	}
	return "", nil
}

// Failed marks the run failed once its List task is out of attempts.
func (o *Orchestrator) Failed(ctx context.Context, task syllabus.Task, cause error) {
	cp, err := decodeCheckpoint(task.Payload)
	if err != nil {
		o.logger.Error("failed list task has unreadable checkpoint", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	logger := o.logger.With(zap.String("generation", cp.Generation), zap.String("task_id", task.ID))
	cp.State = syllabus.RunFailed
	o.record(ctx, cp, cause.Error(), logger)
	logger.Error("run failed", zap.Int("page", cp.Page), zap.Error(cause))
}

// record mirrors the checkpoint into the run ledger. The queue payload is the
// source of truth, so ledger errors are only logged.
func (o *Orchestrator) record(ctx context.Context, cp Checkpoint, errText string, logger *zap.Logger) {
	if err := o.runs.UpdateRun(ctx, cp.Generation, cp.State, cp.Page, errText); err != nil {
		logger.Warn("update run ledger", zap.String("state", string(cp.State)), zap.Error(err))
	}
}

func decodeCheckpoint(raw json.RawMessage) (Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return Checkpoint{}, &syllabus.ValidationError{Field: "checkpoint", Reason: err.Error()}
	}
	if cp.Generation == "" {
		return Checkpoint{}, &syllabus.ValidationError{Field: "checkpoint.generation", Reason: "empty"}
	}
	if cp.Page < 1 {
		return Checkpoint{}, &syllabus.ValidationError{Field: "checkpoint.page", Reason: fmt.Sprintf("%d < 1", cp.Page)}
	}
	return cp, nil
}

func encodeCheckpoint(cp Checkpoint) (json.RawMessage, error) {
	raw, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return raw, nil
}
