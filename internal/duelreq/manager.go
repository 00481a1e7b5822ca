// Package duelreq manages duel requests: creation, acceptance,
// decline, and timed expiry. Accepting hands off to the duel engine.
package duelreq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stitchparty/duels-bot/internal/domain"
	"github.com/stitchparty/duels-bot/internal/obslog"
	"github.com/stitchparty/duels-bot/internal/store"
	"github.com/stitchparty/duels-bot/internal/tasks"
)

// DefaultValidity is how long a request waits for an answer.
const DefaultValidity = time.Hour

// BlackoutPolicy reports whether manual duel activity is paused at the
// given time. The default pause runs from Friday 07:00 UTC until the
// weekly random duels start on Saturday 07:00 UTC.
type BlackoutPolicy func(time.Time) bool

func DefaultBlackout(t time.Time) bool {
	t = t.UTC()
	switch t.Weekday() {
	case time.Friday:
		return t.Hour() >= 7
	case time.Saturday:
		return t.Hour() < 7
	}
	return false
}

// Scheduler is the slice of the task queue the manager uses.
type Scheduler interface {
	Schedule(ctx context.Context, kind tasks.Kind, payload any, at time.Time) (string, error)
}

// DuelStarter starts a duel for an accepted request. Implemented by
// the duel engine.
type DuelStarter interface {
	Start(ctx context.Context, userIDs []int64) (*domain.Duel, error)
}

// Notifier delivers request lifecycle messages. Failures are logged
// and never fail the triggering operation.
type Notifier interface {
	RequestCreated(ctx context.Context, req domain.DuelRequest, from domain.UserRef, validity time.Duration) (int64, error)
	RequestDeclined(ctx context.Context, rm *domain.RemovedRequest) error
	RequestExpired(ctx context.Context, rm *domain.RemovedRequest) error
	RequestWithdrawn(ctx context.Context, rm *domain.RemovedRequest) error
	InvalidateRequestMessage(ctx context.Context, rm *domain.RemovedRequest) error
}

// Manager owns the duel request lifecycle.
type Manager struct {
	store    store.Store
	sched    Scheduler
	notif    Notifier
	duels    DuelStarter
	blackout BlackoutPolicy
	validity time.Duration

	// NotifyMarkerless sends a fresh message to targets whose request
	// notification was never delivered (no message to edit) when their
	// request is invalidated.
	NotifyMarkerless bool

	now func() time.Time
}

func NewManager(st store.Store, sched Scheduler, notif Notifier, duels DuelStarter, blackout BlackoutPolicy, validity time.Duration) *Manager {
	if blackout == nil {
		blackout = DefaultBlackout
	}
	if validity <= 0 {
		validity = DefaultValidity
	}
	return &Manager{
		store:    st,
		sched:    sched,
		notif:    notif,
		duels:    duels,
		blackout: blackout,
		validity: validity,
		now:      time.Now,
	}
}

// Create sends duel requests from one user to each target. Targets
// that already hold a pending request from the sender are skipped
// silently. Each created request expires after the validity period.
func (m *Manager) Create(ctx context.Context, fromUserID int64, toUserIDs []int64) ([]domain.DuelRequest, error) {
	if m.blackout(m.now()) {
		return nil, domain.ErrBlackoutWindow
	}
	from, err := m.store.UserRef(ctx, fromUserID)
	if err != nil {
		return nil, err
	}
	if from == nil {
		return nil, domain.ErrNotFound
	}
	busy, err := m.store.InActiveDuel(ctx, fromUserID)
	if err != nil {
		return nil, err
	}
	if busy {
		return nil, domain.ErrUserAlreadyInDuel
	}

	targets := make([]int64, 0, len(toUserIDs))
	for _, to := range toUserIDs {
		if to == fromUserID {
			return nil, fmt.Errorf("%w: cannot challenge yourself", domain.ErrValidation)
		}
		ref, err := m.store.UserRef(ctx, to)
		if err != nil {
			return nil, err
		}
		if ref == nil {
			return nil, fmt.Errorf("%w: user %d", domain.ErrNotFound, to)
		}
		targets = append(targets, to)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: no targets", domain.ErrValidation)
	}

	created, err := m.store.CreateRequests(ctx, fromUserID, targets)
	if err != nil {
		return nil, err
	}
	for i := range created {
		req := &created[i]
		if _, err := m.sched.Schedule(ctx, tasks.KindRemoveExpiredRequest,
			tasks.RequestTask{RequestID: req.ID}, req.CreatedAt.Add(m.validity)); err != nil {
			obslog.L().Error("schedule request expiry",
				zap.Int64("request_id", req.ID), zap.Error(err))
		}
		msgID, err := m.notif.RequestCreated(ctx, *req, *from, m.validity)
		if err != nil {
			obslog.L().Warn("notify request target",
				zap.Int64("request_id", req.ID), zap.Error(err))
			continue
		}
		if err := m.store.SetRequestMessageID(ctx, req.ID, msgID); err != nil {
			obslog.L().Warn("store request message id",
				zap.Int64("request_id", req.ID), zap.Error(err))
		} else {
			req.MessageID = &msgID
		}
	}
	return created, nil
}

// AvailableOpponents lists the users a given user can challenge.
func (m *Manager) AvailableOpponents(ctx context.Context, userID int64) ([]domain.WeeklyCandidate, error) {
	users, err := m.store.AvailableUsers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.WeeklyCandidate, 0, len(users))
	for _, u := range users {
		if u.ID != userID {
			out = append(out, u)
		}
	}
	return out, nil
}

// Incoming lists the pending requests addressed to a user.
func (m *Manager) Incoming(ctx context.Context, userID int64) ([]domain.IncomingRequest, error) {
	return m.store.RequestsForUser(ctx, userID)
}

// Accept consumes a request and starts the duel. Only the target may
// accept. The request is consumed even when the sender turns out to be
// busy, so a stale request cannot be retried into a second duel.
func (m *Manager) Accept(ctx context.Context, requestID, byUserID int64) (*domain.Duel, error) {
	req, err := m.store.RequestByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, domain.ErrNotFound
	}
	if req.ToUserID != byUserID {
		return nil, domain.ErrNotAllowed
	}
	if m.blackout(m.now()) {
		return nil, domain.ErrBlackoutWindow
	}
	if m.now().After(req.CreatedAt.Add(m.validity)) {
		// The expiry task has not fired yet; run its path now.
		if err := m.Expire(ctx, requestID); err != nil {
			obslog.L().Warn("expire stale request",
				zap.Int64("request_id", requestID), zap.Error(err))
		}
		return nil, domain.ErrNotFound
	}
	busy, err := m.store.InActiveDuel(ctx, byUserID)
	if err != nil {
		return nil, err
	}
	if busy {
		// A busy target cannot answer later either; their duel outlives
		// the request validity. Consume the request.
		if rm, rerr := m.store.RemoveRequest(ctx, requestID); rerr == nil && rm != nil {
			m.invalidateMessage(ctx, rm)
		}
		return nil, domain.ErrUserAlreadyInDuel
	}

	// Claim the request before starting the duel; a concurrent accept
	// or expiry gets nil here and stops.
	rm, err := m.store.RemoveRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if rm == nil {
		return nil, domain.ErrNotFound
	}

	duel, err := m.duels.Start(ctx, []int64{req.FromUserID, req.ToUserID})
	if err != nil {
		var busyErr *store.BusyError
		if errors.As(err, &busyErr) {
			if busyErr.UserID == byUserID {
				return nil, domain.ErrUserAlreadyInDuel
			}
			// The sender entered another duel first. The request is
			// already consumed; tell the sender and report the race.
			if nerr := m.notif.RequestWithdrawn(ctx, rm); nerr != nil {
				obslog.L().Warn("notify withdrawn request",
					zap.Int64("request_id", requestID), zap.Error(nerr))
			}
			return nil, domain.ErrOtherUserAlreadyInDuel
		}
		return nil, err
	}

	m.invalidateSiblings(ctx, req.FromUserID, requestID)
	m.invalidateSiblings(ctx, req.ToUserID, requestID)
	return duel, nil
}

// Decline consumes a request and tells the sender. Only the target may
// decline.
func (m *Manager) Decline(ctx context.Context, requestID, byUserID int64) error {
	req, err := m.store.RequestByID(ctx, requestID)
	if err != nil {
		return err
	}
	if req == nil {
		return domain.ErrNotFound
	}
	if req.ToUserID != byUserID {
		return domain.ErrNotAllowed
	}
	if m.blackout(m.now()) {
		return domain.ErrBlackoutWindow
	}
	busy, err := m.store.InActiveDuel(ctx, byUserID)
	if err != nil {
		return err
	}
	if busy {
		// Same as accepting while busy: the request cannot survive the
		// target's duel, so consume it without the decline notice.
		if rm, rerr := m.store.RemoveRequest(ctx, requestID); rerr == nil && rm != nil {
			m.invalidateMessage(ctx, rm)
		}
		return domain.ErrUserAlreadyInDuel
	}
	rm, err := m.store.RemoveRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if rm == nil {
		return domain.ErrNotFound
	}
	if err := m.notif.RequestDeclined(ctx, rm); err != nil {
		obslog.L().Warn("notify declined request",
			zap.Int64("request_id", requestID), zap.Error(err))
	}
	return nil
}

// Expire removes a request whose validity ran out. Fired by the task
// queue; a request that was already answered makes it a no-op.
func (m *Manager) Expire(ctx context.Context, requestID int64) error {
	rm, err := m.store.RemoveRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if rm == nil {
		return nil
	}
	m.invalidateMessage(ctx, rm)
	if err := m.notif.RequestExpired(ctx, rm); err != nil {
		obslog.L().Warn("notify expired request",
			zap.Int64("request_id", requestID), zap.Error(err))
	}
	return nil
}

// invalidateSiblings removes every other pending request from a user
// who just entered a duel and rewrites their delivered notifications.
func (m *Manager) invalidateSiblings(ctx context.Context, fromUserID, acceptedID int64) {
	siblings, err := m.store.SiblingRequests(ctx, fromUserID, acceptedID)
	if err != nil {
		obslog.L().Warn("load sibling requests",
			zap.Int64("user_id", fromUserID), zap.Error(err))
		return
	}
	for _, sib := range siblings {
		rm, err := m.store.RemoveRequest(ctx, sib.ID)
		if err != nil {
			obslog.L().Warn("remove sibling request",
				zap.Int64("request_id", sib.ID), zap.Error(err))
			continue
		}
		if rm == nil {
			continue
		}
		m.invalidateMessage(ctx, rm)
	}
}

func (m *Manager) invalidateMessage(ctx context.Context, rm *domain.RemovedRequest) {
	// Requests without a delivered notification have no message to
	// rewrite; telling their target anyway is opt-in.
	if rm.MessageID == nil && !m.NotifyMarkerless {
		return
	}
	if err := m.notif.InvalidateRequestMessage(ctx, rm); err != nil {
		obslog.L().Warn("invalidate request message",
			zap.Int64("request_id", rm.ID), zap.Error(err))
	}
}
