package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyScheduled = "duels:tasks:scheduled"

// envelope is the persisted form of a scheduled task. The ID makes the
// sorted-set member unique even when two tasks share kind and payload.
type envelope struct {
	ID       string          `json:"id"`
	Kind     Kind            `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	Attempts int             `json:"attempts,omitempty"`
}

// Task is a claimed task handed to a handler.
type Task struct {
	ID       string
	Kind     Kind
	Payload  json.RawMessage
	Attempts int

	member string
}

// Queue is a redis-backed delayed task queue. Members of one sorted
// set carry the task envelope; the score is the fire-at time in unix
// milliseconds.
type Queue struct {
	rdb *redis.Client
}

func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// Schedule enqueues a task to fire at the given time and returns its id.
func (q *Queue) Schedule(ctx context.Context, kind Kind, payload any, at time.Time) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	env := envelope{ID: uuid.NewString(), Kind: kind, Payload: raw}
	member, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal %s envelope: %w", kind, err)
	}
	err = q.rdb.ZAdd(ctx, keyScheduled, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: string(member),
	}).Err()
	if err != nil {
		return "", fmt.Errorf("schedule %s: %w", kind, err)
	}
	return env.ID, nil
}

// Due returns every task whose fire-at time has passed. The tasks stay
// in the set until Ack or Retry removes them, so a crash between Due
// and Ack re-delivers on the next poll.
func (q *Queue) Due(ctx context.Context, now time.Time) ([]Task, error) {
	members, err := q.rdb.ZRangeByScore(ctx, keyScheduled, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list due tasks: %w", err)
	}

	out := make([]Task, 0, len(members))
	for _, m := range members {
		var env envelope
		if err := json.Unmarshal([]byte(m), &env); err != nil {
			// Unparseable member would redeliver forever; drop it.
			_ = q.rdb.ZRem(ctx, keyScheduled, m).Err()
			continue
		}
		out = append(out, Task{
			ID:       env.ID,
			Kind:     env.Kind,
			Payload:  env.Payload,
			Attempts: env.Attempts,
			member:   m,
		})
	}
	return out, nil
}

// Ack removes a delivered task from the set.
func (q *Queue) Ack(ctx context.Context, t Task) error {
	if err := q.rdb.ZRem(ctx, keyScheduled, t.member).Err(); err != nil {
		return fmt.Errorf("ack task %s: %w", t.ID, err)
	}
	return nil
}

// Retry replaces a delivered task with a copy scheduled for the given
// time, bumping its attempt counter.
func (q *Queue) Retry(ctx context.Context, t Task, at time.Time) error {
	env := envelope{ID: t.ID, Kind: t.Kind, Payload: t.Payload, Attempts: t.Attempts + 1}
	member, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal retry envelope: %w", err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, keyScheduled, t.member)
	pipe.ZAdd(ctx, keyScheduled, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: string(member),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retry task %s: %w", t.ID, err)
	}
	return nil
}

// Pending reports how many tasks are scheduled, due or not.
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, keyScheduled).Result()
}
