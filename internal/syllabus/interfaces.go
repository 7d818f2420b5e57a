package syllabus

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// Page is a fetched source document.
type Page struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// Fetcher retrieves raw source pages.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// Index manages per-generation locale indices and the published alias.
type Index interface {
	Ensure(ctx context.Context, locale Locale, generation string) error
	Upsert(ctx context.Context, locale Locale, generation string, key int, entity SubjectEntity) error
	Publish(ctx context.Context, locale Locale, generation string) error
	Get(ctx context.Context, locale Locale, revision string, key int) (SubjectEntity, error)
	Generations(ctx context.Context, locale Locale) ([]Generation, error)
	Drop(ctx context.Context, locale Locale, generation string) error
}

// RevisionLatest selects the published alias in Index.Get.
const RevisionLatest = "latest"

// Generation describes one concrete index.
type Generation struct {
	Locale    Locale `json:"locale"`
	ID        string `json:"id"`
	Index     string `json:"index"`
	Documents int64  `json:"documents"`
	Live      bool   `json:"live"`
}

// TaskKind names the two task types driven by the orchestrator.
type TaskKind string

// Task kinds.
const (
	TaskKindList   TaskKind = "list"
	TaskKindDetail TaskKind = "detail"
)

// Task is one unit of durable queued work.
type Task struct {
	ID      string
	Kind    TaskKind
	Parent  string
	Payload json.RawMessage
	Attempt int
}

// TaskQueue is a durable queue with delay and wait-for-children primitives.
type TaskQueue interface {
	Enqueue(ctx context.Context, kind TaskKind, payload json.RawMessage) (string, error)
	EnqueueChild(ctx context.Context, parentID string, kind TaskKind, payload json.RawMessage) (string, error)
	Dequeue(ctx context.Context, kind TaskKind) (Task, error)
	Complete(ctx context.Context, task Task) error
	Fail(ctx context.Context, task Task, cause error) error
	Retry(ctx context.Context, task Task, delay time.Duration, cause error) error
	Delay(ctx context.Context, task Task, delay time.Duration, payload json.RawMessage) error
	WaitChildren(ctx context.Context, task Task, payload json.RawMessage) (bool, error)
	PendingChildren(ctx context.Context, taskID string) (int64, error)
	// EnqueueChildOnce enqueues a child only if key is new in scope. The
	// dedup mark and the enqueue happen together or not at all.
	EnqueueChildOnce(
		ctx context.Context,
		parentID string,
		kind TaskKind,
		payload json.RawMessage,
		scope string,
		key int,
	) (id string, created bool, err error)
	ClearSeen(ctx context.Context, scope string) error
}

// Action tells the worker how to settle a task after a handler step.
type Action int

// Actions.
const (
	ActionComplete Action = iota
	ActionDelay
	ActionWaitChildren
)

// Outcome is the result of one handler step. Payload replaces the stored
// task payload for delay and wait actions.
type Outcome struct {
	Action  Action
	Delay   time.Duration
	Payload json.RawMessage
}

// Done settles the task as complete.
func Done() Outcome { return Outcome{Action: ActionComplete} }

// DelayFor re-schedules the task after d with a new payload.
func DelayFor(d time.Duration, payload json.RawMessage) Outcome {
	return Outcome{Action: ActionDelay, Delay: d, Payload: payload}
}

// AwaitChildren suspends the task until its children settle.
func AwaitChildren(payload json.RawMessage) Outcome {
	return Outcome{Action: ActionWaitChildren, Payload: payload}
}

// BlobStore persists raw artifacts.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// RunState is the lifecycle tag of a crawl run.
type RunState string

// Run states.
const (
	RunListing          RunState = "listing"
	RunAwaitingChildren RunState = "awaiting_children"
	RunFinalizing       RunState = "finalizing"
	RunDone             RunState = "done"
	RunFailed           RunState = "failed"
)

// Run is the ledger row for one crawl run.
type Run struct {
	Generation string    `json:"generation"`
	Category   string    `json:"category"`
	State      RunState  `json:"state"`
	Page       int       `json:"page"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RunStore records crawl run history.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	UpdateRun(ctx context.Context, generation string, state RunState, page int, errText string) error
	GetRun(ctx context.Context, generation string) (Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
}

// FingerprintStore remembers the last content hash of each subject.
type FingerprintStore interface {
	SwapFingerprint(ctx context.Context, key int, fingerprint string) (previous string, found bool, err error)
}

// Change describes a subject whose content differs from the previous run.
type Change struct {
	Key         int    `json:"id"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	Generation  string `json:"generation"`
	Fingerprint string `json:"fingerprint"`
	Previous    string `json:"previous"`
}

// Notifier delivers change notifications.
type Notifier interface {
	Notify(ctx context.Context, change Change) error
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints opaque identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher produces content fingerprints.
type Hasher interface {
	Hash(data []byte) (string, error)
}
