package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/syllabus-indexer/internal/clock/system"
	"github.com/JakeFAU/syllabus-indexer/internal/coordination"
	"github.com/JakeFAU/syllabus-indexer/internal/hash/sha256"
	memindex "github.com/JakeFAU/syllabus-indexer/internal/index/memory"
	redisqueue "github.com/JakeFAU/syllabus-indexer/internal/queue/redis"
	"github.com/JakeFAU/syllabus-indexer/internal/retry"
	"github.com/JakeFAU/syllabus-indexer/internal/schedule"
	"github.com/JakeFAU/syllabus-indexer/internal/storage/memory"
	"github.com/JakeFAU/syllabus-indexer/internal/syllabus"
	"github.com/JakeFAU/syllabus-indexer/internal/worker"
)

type fakeLister struct {
	mu    sync.Mutex
	pages map[int]syllabus.ListPage
	errs  map[int]error
	calls []int
}

func (f *fakeLister) ListPage(_ context.Context, _ string, page int) (syllabus.ListPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, page)
	if err := f.errs[page]; err != nil {
		return syllabus.ListPage{}, err
	}
	return f.pages[page], nil
}

func (f *fakeLister) requested() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.calls...)
}

type fakeSource struct {
	mu      sync.Mutex
	titles  map[int]string
	errs    map[int]error
	fetched []int
}

func (f *fakeSource) Subject(_ context.Context, key int) (syllabus.LocalizedSubject, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, key)
	if err := f.errs[key]; err != nil {
		return syllabus.LocalizedSubject{}, nil, err
	}
	title := f.titles[key]
	return syllabus.LocalizedSubject{
		JA: syllabus.SubjectEntity{ID: key, Title: title},
		EN: syllabus.SubjectEntity{ID: key, Title: title + " (en)"},
	}, []byte("<html>" + title + "</html>"), nil
}

func (f *fakeSource) DetailURL(key int) string {
	return fmt.Sprintf("https://www.syllabus.kit.ac.jp/?c=detail&pk=%d", key)
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []syllabus.Change
}

func (n *recordingNotifier) Notify(_ context.Context, change syllabus.Change) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, change)
	return nil
}

type fixedIDs struct{ ids []string }

func (f *fixedIDs) NewID() (string, error) {
	if len(f.ids) == 0 {
		return "", errors.New("out of ids")
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}

func item(id int, title string) syllabus.LocalizedSummary {
	return syllabus.LocalizedSummary{
		JA: syllabus.Summary{ID: id, Title: title},
		EN: syllabus.Summary{ID: id, Title: title},
	}
}

type harness struct {
	redis    *miniredis.Miniredis
	queue    *redisqueue.Queue
	index    *memindex.Index
	runs     *memory.RunStore
	blobs    *memory.BlobStore
	prints   *memory.FingerprintStore
	notifier *recordingNotifier
	lister   *fakeLister
	source   *fakeSource
	orch     *Orchestrator
	list     *worker.Worker
	detail   *worker.Worker
}

func newHarness(t *testing.T, lister *fakeLister, source *fakeSource, generations ...string) *harness {
	t.Helper()
	return newHarnessWith(t, lister, source, nil, generations...)
}

// newHarnessWith lets wrap decorate the in-memory index seen by the handlers.
func newHarnessWith(
	t *testing.T,
	lister *fakeLister,
	source *fakeSource,
	wrap func(syllabus.Index) syllabus.Index,
	generations ...string,
) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := system.New()
	h := &harness{
		redis:    mr,
		queue:    redisqueue.New(client, redisqueue.Config{Prefix: "test", PollInterval: 2 * time.Millisecond}, clock, nil),
		index:    memindex.New(),
		runs:     memory.NewRunStore(clock),
		blobs:    memory.NewBlobStore(),
		prints:   memory.NewFingerprintStore(),
		notifier: &recordingNotifier{},
		lister:   lister,
		source:   source,
	}
	var idx syllabus.Index = h.index
	if wrap != nil {
		idx = wrap(idx)
	}
	locker := coordination.NewLocker(client, coordination.LockConfig{RetryDelay: time.Millisecond})
	h.orch = New(h.queue, idx, h.runs, lister, locker, clock, &fixedIDs{ids: generations},
		Config{Category: "99", PageDelay: time.Millisecond}, zap.NewNop())
	details := NewDetailHandler(source, idx, DetailDeps{
		Blobs:        h.blobs,
		Fingerprints: h.prints,
		Hasher:       sha256.New(),
		Notifier:     h.notifier,
	}, zap.NewNop())

	policy := retry.NewExponentialPolicy(retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	h.list = worker.New(syllabus.TaskKindList, h.queue, h.orch, nil, policy, zap.NewNop())
	h.detail = worker.New(syllabus.TaskKindDetail, h.queue, details, nil, policy, zap.NewNop())
	return h
}

// step dequeues one task of the worker's kind and processes it.
func (h *harness) step(t *testing.T, w *worker.Worker) syllabus.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	task, err := h.queue.Dequeue(ctx, w.Kind())
	require.NoError(t, err)
	w.Process(context.Background(), task)
	return task
}

func (h *harness) state(t *testing.T, id string) (string, Checkpoint) {
	t.Helper()
	info, err := h.queue.Get(context.Background(), id)
	require.NoError(t, err)
	var cp Checkpoint
	require.NoError(t, json.Unmarshal(info.Payload, &cp))
	return info.State, cp
}

func twoPageLister() *fakeLister {
	return &fakeLister{pages: map[int]syllabus.ListPage{
		1: {Items: []syllabus.LocalizedSummary{item(11, "線形代数"), item(12, "解析学")}, HasNext: true},
		2: {Items: []syllabus.LocalizedSummary{item(13, "物理")}, HasPrevious: true},
	}}
}

func titles() *fakeSource {
	return &fakeSource{titles: map[int]string{11: "線形代数", 12: "解析学", 13: "物理"}}
}

func TestRunPublishesAfterAllChildren(t *testing.T) {
	t.Parallel()
	h := newHarness(t, twoPageLister(), titles(), "gen1")
	ctx := context.Background()

	run, err := h.orch.StartRun(ctx, "")
	require.NoError(t, err)
	require.Equal(t, "gen1", run.Generation)
	require.Equal(t, "99", run.Category)

	listTask := h.step(t, h.list)
	state, cp := h.state(t, listTask.ID)
	require.Equal(t, redisqueue.StateDelayed, state)
	require.Equal(t, 2, cp.Page)
	require.Equal(t, syllabus.RunListing, cp.State)

	h.step(t, h.detail)
	h.step(t, h.detail)

	h.step(t, h.list)
	state, cp = h.state(t, listTask.ID)
	require.Equal(t, redisqueue.StateWaiting, state)
	require.Equal(t, syllabus.RunAwaitingChildren, cp.State)
	require.Empty(t, h.index.Live(syllabus.LocaleJA), "nothing is published while children are pending")

	h.step(t, h.detail)
	state, _ = h.state(t, listTask.ID)
	require.Equal(t, redisqueue.StateReady, state, "last child wakes the parent")

	h.step(t, h.list)
	state, _ = h.state(t, listTask.ID)
	require.Equal(t, redisqueue.StateCompleted, state)

	require.Equal(t, "gen1", h.index.Live(syllabus.LocaleJA))
	require.Equal(t, "gen1", h.index.Live(syllabus.LocaleEN))
	require.Equal(t, []syllabus.Locale{syllabus.LocaleJA, syllabus.LocaleEN}, h.index.PublishOrder())

	for _, key := range []int{11, 12, 13} {
		ja, err := h.index.Get(ctx, syllabus.LocaleJA, syllabus.RevisionLatest, key)
		require.NoError(t, err)
		require.Equal(t, key, ja.ID)
		en, err := h.index.Get(ctx, syllabus.LocaleEN, "gen1", key)
		require.NoError(t, err)
		require.True(t, strings.HasSuffix(en.Title, "(en)"))

		body, contentType, ok := h.blobs.Object(fmt.Sprintf("gen1/%d.html", key))
		require.True(t, ok)
		require.Contains(t, string(body), "<html>")
		require.Equal(t, "text/html; charset=utf-8", contentType)
	}

	stored, err := h.runs.GetRun(ctx, "gen1")
	require.NoError(t, err)
	require.Equal(t, syllabus.RunDone, stored.State)
	require.Equal(t, []int{1, 2}, h.lister.requested())
	require.Empty(t, h.notifier.changes, "first sighting of a subject is not a change")
}

func TestSecondRunNotifiesChangedSubjects(t *testing.T) {
	t.Parallel()
	lister := &fakeLister{pages: map[int]syllabus.ListPage{
		1: {Items: []syllabus.LocalizedSummary{item(11, "線形代数"), item(12, "解析学")}},
	}}
	source := titles()
	h := newHarness(t, lister, source, "gen1", "gen2")
	ctx := context.Background()

	runOnce := func() {
		_, err := h.orch.StartRun(ctx, "99")
		require.NoError(t, err)
		h.step(t, h.list)
		h.step(t, h.detail)
		h.step(t, h.detail)
		h.step(t, h.list)
	}

	runOnce()
	require.Equal(t, "gen1", h.index.Live(syllabus.LocaleJA))

	source.mu.Lock()
	source.titles[12] = "解析学II"
	source.mu.Unlock()
	runOnce()
	require.Equal(t, "gen2", h.index.Live(syllabus.LocaleJA))

	require.Len(t, h.notifier.changes, 1)
	change := h.notifier.changes[0]
	require.Equal(t, 12, change.Key)
	require.Equal(t, "解析学II", change.Title)
	require.Equal(t, "gen2", change.Generation)
	require.Equal(t, "https://www.syllabus.kit.ac.jp/?c=detail&pk=12", change.URL)
	require.NotEqual(t, change.Previous, change.Fingerprint)
}

func TestListResumesFromCheckpoint(t *testing.T) {
	t.Parallel()
	lister := twoPageLister()
	h := newHarness(t, lister, titles())
	ctx := context.Background()

	require.NoError(t, h.runs.CreateRun(ctx, syllabus.Run{Generation: "resume", State: syllabus.RunListing, Page: 2}))
	payload, err := json.Marshal(Checkpoint{Generation: "resume", Category: "99", State: syllabus.RunListing, Page: 2})
	require.NoError(t, err)
	_, err = h.queue.Enqueue(ctx, syllabus.TaskKindList, payload)
	require.NoError(t, err)

	h.step(t, h.list)
	require.Equal(t, []int{2}, lister.requested(), "pages before the checkpoint are not re-read")

	h.step(t, h.detail)
	h.step(t, h.list)
	require.Equal(t, "resume", h.index.Live(syllabus.LocaleJA))
	_, err = h.index.Get(ctx, syllabus.LocaleJA, "resume", 13)
	require.NoError(t, err)
	_, err = h.index.Get(ctx, syllabus.LocaleJA, "resume", 11)
	require.ErrorIs(t, err, syllabus.ErrNotFound)
}

func TestDuplicateItemsScheduleOneDetail(t *testing.T) {
	t.Parallel()
	lister := &fakeLister{pages: map[int]syllabus.ListPage{
		1: {Items: []syllabus.LocalizedSummary{item(11, "a"), item(11, "a")}, HasNext: true},
		2: {Items: []syllabus.LocalizedSummary{item(11, "a")}},
	}}
	source := titles()
	h := newHarness(t, lister, source, "dedup")

	_, err := h.orch.StartRun(context.Background(), "")
	require.NoError(t, err)

	h.step(t, h.list)
	h.step(t, h.detail)
	h.step(t, h.list)

	require.Equal(t, "dedup", h.index.Live(syllabus.LocaleEN))
	require.Equal(t, []int{11}, source.fetched)
}

func TestFailedDetailDoesNotBlockPublish(t *testing.T) {
	t.Parallel()
	source := titles()
	source.errs = map[int]error{12: syllabus.NewParseError("plan", "odd rows")}
	lister := &fakeLister{pages: map[int]syllabus.ListPage{
		1: {Items: []syllabus.LocalizedSummary{item(11, "a"), item(12, "b")}},
	}}
	h := newHarness(t, lister, source, "partial")

	_, err := h.orch.StartRun(context.Background(), "")
	require.NoError(t, err)
	h.step(t, h.list)
	h.step(t, h.detail)
	h.step(t, h.detail)
	h.step(t, h.list)

	require.Equal(t, "partial", h.index.Live(syllabus.LocaleJA))
	_, err = h.index.Get(context.Background(), syllabus.LocaleJA, syllabus.RevisionLatest, 12)
	require.ErrorIs(t, err, syllabus.ErrNotFound)
}

func TestListFailureMarksRunFailed(t *testing.T) {
	t.Parallel()
	lister := &fakeLister{errs: map[int]error{
		1: syllabus.NewParseError("list", "2 category headers for 1 data tables"),
	}}
	h := newHarness(t, lister, titles(), "broken")
	ctx := context.Background()

	_, err := h.orch.StartRun(ctx, "")
	require.NoError(t, err)
	task := h.step(t, h.list)

	info, err := h.queue.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, redisqueue.StateFailed, info.State)

	run, err := h.runs.GetRun(ctx, "broken")
	require.NoError(t, err)
	require.Equal(t, syllabus.RunFailed, run.State)
	require.Contains(t, run.Error, "category headers")
	require.Empty(t, h.index.Live(syllabus.LocaleJA))
}

func TestHandleRejectsBadPayloads(t *testing.T) {
	t.Parallel()
	h := newHarness(t, twoPageLister(), titles())
	ctx := context.Background()

	_, err := h.orch.Handle(ctx, syllabus.Task{ID: "x", Payload: json.RawMessage(`{"generation":"g","page":0}`)})
	require.Equal(t, syllabus.KindValidation, syllabus.Kind(err))

	_, err = h.orch.Handle(ctx, syllabus.Task{ID: "x", Payload: json.RawMessage(`not json`)})
	require.Equal(t, syllabus.KindValidation, syllabus.Kind(err))

	out, err := h.orch.Handle(ctx, syllabus.Task{
		ID:      "x",
		Payload: json.RawMessage(`{"generation":"g","category":"99","state":"done","page":3}`),
	})
	require.NoError(t, err)
	require.Equal(t, syllabus.ActionComplete, out.Action)
}

func TestStartRunRecordsFailureWhenEnqueueFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t, twoPageLister(), titles(), "gen-a", "gen-b")
	ctx := context.Background()

	h.redis.SetError("LOADING redis is loading")
	_, err := h.orch.StartRun(ctx, "")
	require.ErrorContains(t, err, "LOADING")
	h.redis.SetError("")

	run, err := h.runs.GetRun(ctx, "gen-a")
	require.NoError(t, err)
	require.Equal(t, syllabus.RunFailed, run.State)
	require.Contains(t, run.Error, "LOADING")

	// The scheduler sees no run in progress and starts the next one.
	sched, err := schedule.New("@daily", "", h.orch, h.runs, zap.NewNop())
	require.NoError(t, err)
	sched.Trigger(ctx)

	runs, err := h.runs.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	latest, err := h.runs.GetRun(ctx, "gen-b")
	require.NoError(t, err)
	require.Equal(t, syllabus.RunListing, latest.State)
}

// flakyIndex fails Publish for chosen locales.
type flakyIndex struct {
	syllabus.Index
	mu   sync.Mutex
	fail map[syllabus.Locale]bool
}

func (f *flakyIndex) Publish(ctx context.Context, locale syllabus.Locale, generation string) error {
	f.mu.Lock()
	fail := f.fail[locale]
	f.mu.Unlock()
	if fail {
		return &syllabus.PublishError{Op: "alias", Locale: locale, Generation: generation, Err: errors.New("cluster unavailable")}
	}
	return f.Index.Publish(ctx, locale, generation)
}

func (f *flakyIndex) failPublish(locale syllabus.Locale) {
	f.mu.Lock()
	f.fail[locale] = true
	f.mu.Unlock()
}

func TestAliasSwapFailureKeepsPreviousGeneration(t *testing.T) {
	t.Parallel()
	lister := &fakeLister{pages: map[int]syllabus.ListPage{
		1: {Items: []syllabus.LocalizedSummary{item(11, "線形代数")}},
	}}
	flaky := &flakyIndex{fail: map[syllabus.Locale]bool{}}
	h := newHarnessWith(t, lister, titles(), func(idx syllabus.Index) syllabus.Index {
		flaky.Index = idx
		return flaky
	}, "gen1", "gen2")
	ctx := context.Background()

	runUntilFinalize := func() {
		_, err := h.orch.StartRun(ctx, "")
		require.NoError(t, err)
		h.step(t, h.list)
		h.step(t, h.detail)
	}
	runUntilFinalize()
	h.step(t, h.list)
	require.Equal(t, "gen1", h.index.Live(syllabus.LocaleJA))
	require.Equal(t, "gen1", h.index.Live(syllabus.LocaleEN))

	// ja swaps fine, en does not.
	flaky.failPublish(syllabus.LocaleEN)
	runUntilFinalize()

	dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	task, err := h.queue.Dequeue(dctx, syllabus.TaskKindList)
	require.NoError(t, err)
	_, err = h.orch.Handle(ctx, task)
	require.Error(t, err)
	require.Equal(t, syllabus.KindPublish, syllabus.Kind(err))
	require.True(t, syllabus.Retryable(err))
	require.Equal(t, "gen1", h.index.Live(syllabus.LocaleJA), "ja is rolled back with en")
	require.Equal(t, "gen1", h.index.Live(syllabus.LocaleEN))

	run, err := h.runs.GetRun(ctx, "gen2")
	require.NoError(t, err)
	require.NotEqual(t, syllabus.RunDone, run.State)

	// First attempt is retried, the second exhausts the policy.
	h.list.Process(ctx, task)
	state, _ := h.state(t, task.ID)
	require.Equal(t, redisqueue.StateDelayed, state)
	h.step(t, h.list)
	state, _ = h.state(t, task.ID)
	require.Equal(t, redisqueue.StateFailed, state)

	run, err = h.runs.GetRun(ctx, "gen2")
	require.NoError(t, err)
	require.Equal(t, syllabus.RunFailed, run.State)
	require.Contains(t, run.Error, "cluster unavailable")
	require.Equal(t, "gen1", h.index.Live(syllabus.LocaleJA))
	require.Equal(t, "gen1", h.index.Live(syllabus.LocaleEN))
}

func TestFirstPublishFailureLeavesNewLocaleLive(t *testing.T) {
	t.Parallel()
	lister := &fakeLister{pages: map[int]syllabus.ListPage{
		1: {Items: []syllabus.LocalizedSummary{item(11, "線形代数")}},
	}}
	flaky := &flakyIndex{fail: map[syllabus.Locale]bool{syllabus.LocaleEN: true}}
	h := newHarnessWith(t, lister, titles(), func(idx syllabus.Index) syllabus.Index {
		flaky.Index = idx
		return flaky
	}, "first")
	ctx := context.Background()

	_, err := h.orch.StartRun(ctx, "")
	require.NoError(t, err)
	h.step(t, h.list)
	h.step(t, h.detail)
	h.step(t, h.list)

	// Nothing older exists to restore, so ja serves the only generation.
	require.Equal(t, "first", h.index.Live(syllabus.LocaleJA))
	require.Empty(t, h.index.Live(syllabus.LocaleEN))
}
