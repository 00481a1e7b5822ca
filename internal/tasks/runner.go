package tasks

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/stitchparty/duels-bot/internal/obslog"
)

const (
	defaultPollInterval = time.Second
	retryDelay          = 30 * time.Second
	maxAttempts         = 5
)

// Handler processes one task payload. Returning an error reschedules
// the task; handlers fire at least once and must be idempotent.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Runner polls the queue and dispatches due tasks to registered
// handlers, one at a time.
type Runner struct {
	queue    *Queue
	handlers map[Kind]Handler
	interval time.Duration
	now      func() time.Time
}

func NewRunner(queue *Queue) *Runner {
	return &Runner{
		queue:    queue,
		handlers: make(map[Kind]Handler),
		interval: defaultPollInterval,
		now:      time.Now,
	}
}

func (r *Runner) Register(kind Kind, h Handler) {
	r.handlers[kind] = h
}

// Run polls until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick drains every currently due task. Exposed for tests and for a
// final drain on shutdown.
func (r *Runner) Tick(ctx context.Context) {
	due, err := r.queue.Due(ctx, r.now())
	if err != nil {
		obslog.L().Warn("poll due tasks", zap.Error(err))
		return
	}
	for _, t := range due {
		r.dispatch(ctx, t)
	}
}

func (r *Runner) dispatch(ctx context.Context, t Task) {
	h, ok := r.handlers[t.Kind]
	if !ok {
		obslog.L().Warn("no handler for task kind, dropping",
			zap.String("kind", string(t.Kind)), zap.String("task_id", t.ID))
		_ = r.queue.Ack(ctx, t)
		return
	}
	if err := h(ctx, t.Payload); err != nil {
		if t.Attempts+1 >= maxAttempts {
			obslog.L().Error("task failed, giving up",
				zap.String("kind", string(t.Kind)), zap.String("task_id", t.ID),
				zap.Int("attempts", t.Attempts+1), zap.Error(err))
			_ = r.queue.Ack(ctx, t)
			return
		}
		obslog.L().Warn("task failed, rescheduling",
			zap.String("kind", string(t.Kind)), zap.String("task_id", t.ID),
			zap.Int("attempts", t.Attempts+1), zap.Error(err))
		if rerr := r.queue.Retry(ctx, t, r.now().Add(retryDelay)); rerr != nil {
			obslog.L().Error("reschedule task", zap.String("task_id", t.ID), zap.Error(rerr))
		}
		return
	}
	if err := r.queue.Ack(ctx, t); err != nil {
		obslog.L().Warn("ack task", zap.String("task_id", t.ID), zap.Error(err))
	}
}
