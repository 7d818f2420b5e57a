package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/syllabus-indexer/internal/metrics"
	"github.com/JakeFAU/syllabus-indexer/internal/syllabus"
)

// SubjectSource fetches and extracts one subject detail page.
type SubjectSource interface {
	Subject(ctx context.Context, key int) (syllabus.LocalizedSubject, []byte, error)
	DetailURL(key int) string
}

// Fingerprinter hashes a value into a stable content fingerprint.
type Fingerprinter interface {
	Fingerprint(v any) (string, error)
}

// DetailHandler executes Detail tasks: one subject, both locales.
type DetailHandler struct {
	source       SubjectSource
	index        syllabus.Index
	blobs        syllabus.BlobStore
	fingerprints syllabus.FingerprintStore
	hasher       Fingerprinter
	notifier     syllabus.Notifier
	logger       *zap.Logger
}

// DetailDeps groups the optional collaborators of a DetailHandler. A nil
// field disables that side effect.
type DetailDeps struct {
	Blobs        syllabus.BlobStore
	Fingerprints syllabus.FingerprintStore
	Hasher       Fingerprinter
	Notifier     syllabus.Notifier
}

// NewDetailHandler constructs a DetailHandler.
func NewDetailHandler(source SubjectSource, index syllabus.Index, deps DetailDeps, logger *zap.Logger) *DetailHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DetailHandler{
		source:       source,
		index:        index,
		blobs:        deps.Blobs,
		fingerprints: deps.Fingerprints,
		hasher:       deps.Hasher,
		notifier:     deps.Notifier,
		logger:       logger.Named("detail"),
	}
}

// Handle fetches the subject and writes both locale views into the run's
// generation.
func (h *DetailHandler) Handle(ctx context.Context, task syllabus.Task) (syllabus.Outcome, error) {
	p, err := decodeDetail(task.Payload)
	if err != nil {
		return syllabus.Outcome{}, err
	}
	logger := h.logger.With(zap.String("generation", p.Generation), zap.Int("key", p.Key))

	subject, raw, err := h.source.Subject(ctx, p.Key)
	if err != nil {
		return syllabus.Outcome{}, err
	}
	for _, locale := range syllabus.Locales {
		if err := h.index.Upsert(ctx, locale, p.Generation, p.Key, subject.For(locale)); err != nil {
			return syllabus.Outcome{}, err
		}
	}

	h.archive(ctx, p, raw, logger)
	h.detectChange(ctx, p, subject, logger)
	logger.Debug("subject indexed", zap.String("title", subject.JA.Title))
	return syllabus.Done(), nil
}

// Failed records a subject that ran out of attempts. The run continues
// without it.
func (h *DetailHandler) Failed(_ context.Context, task syllabus.Task, cause error) {
	p, err := decodeDetail(task.Payload)
	if err != nil {
		h.logger.Warn("detail task dropped", zap.String("task_id", task.ID), zap.Error(cause))
		return
	}
	h.logger.Warn("subject skipped",
		zap.String("generation", p.Generation),
		zap.Int("key", p.Key),
		zap.String("kind", string(syllabus.Kind(cause))),
		zap.Error(cause),
	)
}

func (h *DetailHandler) archive(ctx context.Context, p DetailPayload, raw []byte, logger *zap.Logger) {
	if h.blobs == nil || len(raw) == 0 {
		return
	}
	path := fmt.Sprintf("%s/%d.html", p.Generation, p.Key)
	if _, err := h.blobs.PutObject(ctx, path, "text/html; charset=utf-8", bytes.NewReader(raw)); err != nil {
		logger.Warn("archive detail page", zap.String("path", path), zap.Error(err))
	}
}

// detectChange notifies only when an earlier fingerprint exists and differs.
func (h *DetailHandler) detectChange(
	ctx context.Context,
	p DetailPayload,
	subject syllabus.LocalizedSubject,
	logger *zap.Logger,
) {
	if h.fingerprints == nil || h.hasher == nil {
		return
	}
	fingerprint, err := h.hasher.Fingerprint(subject)
	if err != nil {
		logger.Warn("fingerprint subject", zap.Error(err))
		return
	}
	previous, found, err := h.fingerprints.SwapFingerprint(ctx, p.Key, fingerprint)
	if err != nil {
		logger.Warn("swap fingerprint", zap.Error(err))
		return
	}
	if !found || previous == fingerprint {
		return
	}

	metrics.ObserveSubjectChange()
	if h.notifier == nil {
		return
	}
	change := syllabus.Change{
		Key:         p.Key,
		Title:       subject.JA.Title,
		URL:         h.source.DetailURL(p.Key),
		Generation:  p.Generation,
		Fingerprint: fingerprint,
		Previous:    previous,
	}
	if err := h.notifier.Notify(ctx, change); err != nil {
		logger.Warn("notify change", zap.Error(err))
	}
}

func decodeDetail(raw json.RawMessage) (DetailPayload, error) {
	var p DetailPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return DetailPayload{}, &syllabus.ValidationError{Field: "detail", Reason: err.Error()}
	}
	if p.Generation == "" {
		return DetailPayload{}, &syllabus.ValidationError{Field: "detail.generation", Reason: "empty"}
	}
	if p.Key <= 0 {
		return DetailPayload{}, &syllabus.ValidationError{Field: "detail.key", Reason: fmt.Sprintf("%d is not a primary key", p.Key)}
	}
	return p, nil
}
