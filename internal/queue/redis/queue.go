// Package redisqueue implements syllabus.TaskQueue on Redis.
//
// Layout under the configured prefix:
//
//	{p}:task:{id}       hash with kind, payload, attempt, parent, state, error, leased_until
//	{p}:ready:{kind}    list of runnable task ids, consumed from the right
//	{p}:active:{kind}   list of ids currently held by a worker
//	{p}:delayed         sorted set of ids keyed by due time in unix ms
//	{p}:children:{id}   set of unsettled child ids of a parent task
//	{p}:failed          set of ids that failed permanently
//	{p}:seen:{scope}    set of keys already scheduled in a scope
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/syllabus-indexer/internal/clock/system"
	"github.com/JakeFAU/syllabus-indexer/internal/id/uuid"
	"github.com/JakeFAU/syllabus-indexer/internal/syllabus"
)

// Task states stored in the task hash.
const (
	StateReady     = "ready"
	StateActive    = "active"
	StateDelayed   = "delayed"
	StateWaiting   = "waiting"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

const promoteBatch = 100

// ErrTaskNotFound is returned when a task hash no longer exists.
var ErrTaskNotFound = errors.New("task not found")

// Config tunes the queue.
type Config struct {
	Prefix       string
	PollInterval time.Duration
	// Retention bounds how long completed task hashes are kept.
	Retention time.Duration
	// SeenTTL bounds the lifetime of dedup scopes that are never cleared.
	SeenTTL time.Duration
	// Lease is how long a dequeued task belongs to its worker without an
	// Extend. Recover only reclaims tasks whose lease ran out.
	Lease time.Duration
}

// Queue is a durable task queue.
type Queue struct {
	client redis.UniversalClient
	cfg    Config
	clock  syllabus.Clock
	ids    syllabus.IDGenerator
}

// Info is the stored view of one task.
type Info struct {
	syllabus.Task
	State string
	Error string
}

// New builds a Queue. A nil clock or id generator selects the system clock
// and UUIDv7 ids.
func New(client redis.UniversalClient, cfg Config, clock syllabus.Clock, ids syllabus.IDGenerator) *Queue {
	if cfg.Prefix == "" {
		cfg.Prefix = "syllabus"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.SeenTTL <= 0 {
		cfg.SeenTTL = 7 * 24 * time.Hour
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	if clock == nil {
		clock = system.New()
	}
	if ids == nil {
		ids = uuid.New()
	}
	return &Queue{client: client, cfg: cfg, clock: clock, ids: ids}
}

// Enqueue stores a new root task and makes it runnable.
func (q *Queue) Enqueue(ctx context.Context, kind syllabus.TaskKind, payload json.RawMessage) (string, error) {
	return q.enqueue(ctx, "", kind, payload)
}

// EnqueueChild stores a task that parentID waits on.
func (q *Queue) EnqueueChild(
	ctx context.Context,
	parentID string,
	kind syllabus.TaskKind,
	payload json.RawMessage,
) (string, error) {
	if parentID == "" {
		return "", errors.New("enqueue child: empty parent id")
	}
	return q.enqueue(ctx, parentID, kind, payload)
}

func (q *Queue) enqueue(ctx context.Context, parent string, kind syllabus.TaskKind, payload json.RawMessage) (string, error) {
	id, err := q.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", kind, err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.taskKey(id),
			"kind", string(kind),
			"payload", string(payload),
			"attempt", 0,
			"parent", parent,
			"state", StateReady,
			"error", "",
			"created_at", q.clock.Now().UnixMilli(),
		)
		if parent != "" {
			pipe.SAdd(ctx, q.childrenKey(parent), id)
		}
		pipe.LPush(ctx, q.readyKey(kind), id)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return id, nil
}

// Dequeue blocks until a task of kind is runnable or ctx ends. The task is
// held on the active list, under a lease, until it is settled.
func (q *Queue) Dequeue(ctx context.Context, kind syllabus.TaskKind) (syllabus.Task, error) {
	for {
		if err := q.promote(ctx); err != nil {
			return syllabus.Task{}, err
		}
		id, err := dequeueScript.Run(ctx, q.client, nil, q.cfg.Prefix, string(kind), q.leaseDeadline()).Text()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return syllabus.Task{}, fmt.Errorf("dequeue %s: %w", kind, err)
		case id == "":
			// Expired hash: the script dropped the orphaned id.
			continue
		default:
			info, err := q.Get(ctx, id)
			if errors.Is(err, ErrTaskNotFound) {
				continue
			}
			if err != nil {
				return syllabus.Task{}, err
			}
			return info.Task, nil
		}

		timer := time.NewTimer(q.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return syllabus.Task{}, fmt.Errorf("dequeue %s canceled: %w", kind, ctx.Err())
		case <-timer.C:
		}
	}
}

// Extend renews the lease on an active task. It is a no-op once the task
// has been settled or rescheduled.
func (q *Queue) Extend(ctx context.Context, taskID string) error {
	n, err := extendScript.Run(ctx, q.client, nil, q.cfg.Prefix, taskID, q.leaseDeadline()).Int()
	if err != nil {
		return fmt.Errorf("extend lease of %s: %w", taskID, err)
	}
	if n < 0 {
		return fmt.Errorf("extend lease of %s: %w", taskID, ErrTaskNotFound)
	}
	return nil
}

func (q *Queue) leaseDeadline() int64 {
	return q.clock.Now().Add(q.cfg.Lease).UnixMilli()
}

func (q *Queue) promote(ctx context.Context) error {
	now := q.clock.Now().UnixMilli()
	if err := promoteScript.Run(ctx, q.client, nil, q.cfg.Prefix, now, promoteBatch).Err(); err != nil {
		return fmt.Errorf("promote delayed tasks: %w", err)
	}
	return nil
}

// Complete settles task as done and wakes its parent if it was the last child.
func (q *Queue) Complete(ctx context.Context, task syllabus.Task) error {
	return q.settle(ctx, task, StateCompleted, "")
}

// Fail settles task permanently. Its parent is woken like on completion.
func (q *Queue) Fail(ctx context.Context, task syllabus.Task, cause error) error {
	return q.settle(ctx, task, StateFailed, errorText(cause))
}

func (q *Queue) settle(ctx context.Context, task syllabus.Task, state, errText string) error {
	retention := int64(q.cfg.Retention / time.Second)
	n, err := settleScript.Run(ctx, q.client, nil, q.cfg.Prefix, task.ID, state, errText, retention).Int()
	if err != nil {
		return fmt.Errorf("settle %s as %s: %w", task.ID, state, err)
	}
	if n == 0 {
		return fmt.Errorf("settle %s: %w", task.ID, ErrTaskNotFound)
	}
	return nil
}

// Retry parks task for delay and counts one more attempt.
func (q *Queue) Retry(ctx context.Context, task syllabus.Task, delay time.Duration, cause error) error {
	return q.reschedule(ctx, task, delay, nil, task.Attempt+1, errorText(cause))
}

// Delay parks task for delay with a replacement payload. The step succeeded,
// so the attempt counter starts over.
func (q *Queue) Delay(ctx context.Context, task syllabus.Task, delay time.Duration, payload json.RawMessage) error {
	return q.reschedule(ctx, task, delay, payload, 0, "")
}

func (q *Queue) reschedule(
	ctx context.Context,
	task syllabus.Task,
	delay time.Duration,
	payload json.RawMessage,
	attempt int,
	errText string,
) error {
	due := q.clock.Now().Add(delay).UnixMilli()
	n, err := rescheduleScript.Run(ctx, q.client, nil,
		q.cfg.Prefix, task.ID, due, string(payload), attempt, errText).Int()
	if err != nil {
		return fmt.Errorf("reschedule %s: %w", task.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("reschedule %s: %w", task.ID, ErrTaskNotFound)
	}
	return nil
}

// WaitChildren stores payload and suspends task while it has pending
// children. It returns false when nothing is pending; the task is then
// already back on its ready list.
func (q *Queue) WaitChildren(ctx context.Context, task syllabus.Task, payload json.RawMessage) (bool, error) {
	n, err := waitScript.Run(ctx, q.client, nil, q.cfg.Prefix, task.ID, string(payload)).Int()
	if err != nil {
		return false, fmt.Errorf("wait children of %s: %w", task.ID, err)
	}
	if n < 0 {
		return false, fmt.Errorf("wait children of %s: %w", task.ID, ErrTaskNotFound)
	}
	return n == 1, nil
}

// PendingChildren counts unsettled children of taskID.
func (q *Queue) PendingChildren(ctx context.Context, taskID string) (int64, error) {
	n, err := q.client.SCard(ctx, q.childrenKey(taskID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count children of %s: %w", taskID, err)
	}
	return n, nil
}

// EnqueueChildOnce creates a child of parentID unless key was already seen
// in scope. It reports whether a task was created.
func (q *Queue) EnqueueChildOnce(
	ctx context.Context,
	parentID string,
	kind syllabus.TaskKind,
	payload json.RawMessage,
	scope string,
	key int,
) (string, bool, error) {
	if parentID == "" {
		return "", false, errors.New("enqueue child: empty parent id")
	}
	id, err := q.ids.NewID()
	if err != nil {
		return "", false, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	n, err := enqueueOnceScript.Run(ctx, q.client, nil,
		q.cfg.Prefix, scope, key, int64(q.cfg.SeenTTL/time.Second),
		id, parentID, string(kind), string(payload), q.clock.Now().UnixMilli(),
	).Int()
	if err != nil {
		return "", false, fmt.Errorf("enqueue %s %s/%d: %w", kind, scope, key, err)
	}
	if n == 0 {
		return "", false, nil
	}
	return id, true, nil
}

// ClearSeen drops the dedup set of scope.
func (q *Queue) ClearSeen(ctx context.Context, scope string) error {
	if err := q.client.Del(ctx, q.seenKey(scope)).Err(); err != nil {
		return fmt.Errorf("clear seen %s: %w", scope, err)
	}
	return nil
}

// Get loads the stored view of a task.
func (q *Queue) Get(ctx context.Context, id string) (Info, error) {
	fields, err := q.client.HGetAll(ctx, q.taskKey(id)).Result()
	if err != nil {
		return Info{}, fmt.Errorf("load task %s: %w", id, err)
	}
	if len(fields) == 0 {
		return Info{}, fmt.Errorf("load task %s: %w", id, ErrTaskNotFound)
	}
	attempt, err := strconv.Atoi(fields["attempt"])
	if err != nil {
		return Info{}, fmt.Errorf("load task %s: attempt %q: %w", id, fields["attempt"], err)
	}
	return Info{
		Task: syllabus.Task{
			ID:      id,
			Kind:    syllabus.TaskKind(fields["kind"]),
			Parent:  fields["parent"],
			Payload: json.RawMessage(fields["payload"]),
			Attempt: attempt,
		},
		State: fields["state"],
		Error: fields["error"],
	}, nil
}

// Recover moves tasks of kind whose lease expired, for example because
// their worker crashed, from the active list back to the ready list. Tasks
// held by live workers keep their lease and are left alone, so it is safe
// to call while other processes consume the same queue.
func (q *Queue) Recover(ctx context.Context, kind syllabus.TaskKind) (int, error) {
	moved, err := recoverScript.Run(ctx, q.client, nil, q.cfg.Prefix, string(kind), q.clock.Now().UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("recover %s: %w", kind, err)
	}
	return moved, nil
}

// Depth reports the lengths of the ready and active lists of kind.
func (q *Queue) Depth(ctx context.Context, kind syllabus.TaskKind) (ready, active int64, err error) {
	ready, err = q.client.LLen(ctx, q.readyKey(kind)).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("ready depth %s: %w", kind, err)
	}
	active, err = q.client.LLen(ctx, q.activeKey(kind)).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("active depth %s: %w", kind, err)
	}
	return ready, active, nil
}

func (q *Queue) taskKey(id string) string { return q.cfg.Prefix + ":task:" + id }

func (q *Queue) readyKey(kind syllabus.TaskKind) string { return q.cfg.Prefix + ":ready:" + string(kind) }

func (q *Queue) activeKey(kind syllabus.TaskKind) string { return q.cfg.Prefix + ":active:" + string(kind) }

func (q *Queue) childrenKey(id string) string { return q.cfg.Prefix + ":children:" + id }

func (q *Queue) seenKey(scope string) string { return q.cfg.Prefix + ":seen:" + scope }

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
