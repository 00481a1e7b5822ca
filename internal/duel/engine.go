// Package duel runs the duel lifecycle: starting duels from accepted
// requests or the weekly batch, collecting stitch reports, and settling
// the outcome when the clock runs out.
package duel

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stitchparty/duels-bot/internal/domain"
	"github.com/stitchparty/duels-bot/internal/media"
	"github.com/stitchparty/duels-bot/internal/obslog"
	"github.com/stitchparty/duels-bot/internal/pairing"
	"github.com/stitchparty/duels-bot/internal/store"
	"github.com/stitchparty/duels-bot/internal/tasks"
)

// Config carries the engine timing knobs.
type Config struct {
	// DuelPeriod is how long a duel runs from start to settlement.
	DuelPeriod time.Duration
	// ReminderOffsets are offsets from the duel start at which each
	// participant without a report gets nudged.
	ReminderOffsets []time.Duration
	// WeeklyStagger spaces out the settlements of one weekly batch so
	// the announcement chat is not flooded in a single second.
	WeeklyStagger time.Duration
	// PhotoCleanupDelay is how long report photos outlive the duel.
	PhotoCleanupDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		DuelPeriod:        24 * time.Hour,
		ReminderOffsets:   []time.Duration{20 * time.Hour, 23 * time.Hour, 23*time.Hour + 45*time.Minute},
		WeeklyStagger:     30 * time.Second,
		PhotoCleanupDelay: 7 * 24 * time.Hour,
	}
}

// Scheduler is the slice of the task queue the engine uses.
type Scheduler interface {
	Schedule(ctx context.Context, kind tasks.Kind, payload any, at time.Time) (string, error)
}

// Notifier delivers duel lifecycle messages. Delivery failures are
// logged and never fail the operation that triggered them.
type Notifier interface {
	DuelStarted(ctx context.Context, duel domain.Duel, participants []domain.UserRef, deadline time.Time) error
	WeeklyDuelsStarted(ctx context.Context, codeword string, deadline time.Time, pairs [][]domain.UserRef) error
	ReportReminder(ctx context.Context, duelID int64, codeword string, user domain.UserRef, deadline time.Time) error
	ReportSaved(ctx context.Context, user domain.UserRef, codeword string, report domain.ReportData) error
	DuelCompleted(ctx context.Context, info *domain.DuelInfo, winner *domain.UserRef, photos [][]byte) error
}

// RatingRefresher recomputes standings after a settlement.
type RatingRefresher interface {
	Refresh(ctx context.Context) error
}

// Engine drives duels from start to settlement.
type Engine struct {
	store  store.Store
	sched  Scheduler
	notif  Notifier
	rating RatingRefresher
	photos media.Store
	cfg    Config

	mu  sync.Mutex
	rnd *rand.Rand

	now func() time.Time
}

func NewEngine(st store.Store, sched Scheduler, notif Notifier, rating RatingRefresher, photos media.Store, cfg Config, rnd *rand.Rand) *Engine {
	return &Engine{
		store:  st,
		sched:  sched,
		notif:  notif,
		rating: rating,
		photos: photos,
		cfg:    cfg,
		rnd:    rnd,
		now:    time.Now,
	}
}

// Start creates a duel between the given users, schedules its
// settlement and reminders, and tells the participants.
func (e *Engine) Start(ctx context.Context, userIDs []int64) (*domain.Duel, error) {
	duel, err := e.store.CreateDuel(ctx, e.codeword(), userIDs)
	if err != nil {
		return nil, err
	}
	e.scheduleLifecycle(ctx, duel, userIDs, 0)
	e.notifyStarted(ctx, duel, userIDs)
	return duel, nil
}

// StartWeekly pairs every opted-in idle user and starts a duel per
// group. Too few candidates is not an error; the batch is skipped.
func (e *Engine) StartWeekly(ctx context.Context) ([]domain.Duel, error) {
	candidates, err := e.store.WeeklyCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("load weekly candidates: %w", err)
	}

	e.mu.Lock()
	groups, err := pairing.Pair(candidates, e.rnd)
	e.mu.Unlock()
	if errors.Is(err, pairing.ErrNotEnoughUsers) {
		obslog.L().Info("weekly duels skipped", zap.Int("candidates", len(candidates)))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pair weekly candidates: %w", err)
	}

	idGroups := make([][]int64, 0, len(groups))
	for _, g := range groups {
		ids := make([]int64, 0, len(g))
		for _, c := range g {
			ids = append(ids, c.ID)
		}
		idGroups = append(idGroups, ids)
	}

	duels, err := e.store.CreateWeeklyDuels(ctx, e.codeword(), idGroups)
	if err != nil {
		return nil, fmt.Errorf("create weekly duels: %w", err)
	}
	pairs := make([][]domain.UserRef, 0, len(duels))
	for i := range duels {
		e.scheduleLifecycle(ctx, &duels[i], idGroups[i], time.Duration(i)*e.cfg.WeeklyStagger)
		e.notifyStarted(ctx, &duels[i], idGroups[i])
		pairs = append(pairs, e.resolveRefs(ctx, idGroups[i]))
	}
	deadline := duels[0].StartedAt.Add(e.cfg.DuelPeriod)
	if err := e.notif.WeeklyDuelsStarted(ctx, duels[0].Codeword, deadline, pairs); err != nil {
		obslog.L().Warn("announce weekly duels", zap.Error(err))
	}
	obslog.L().Info("weekly duels started",
		zap.Int("candidates", len(candidates)), zap.Int("duels", len(duels)))
	return duels, nil
}

// SubmitReport records or replaces a participant's stitch report while
// the duel is running.
func (e *Engine) SubmitReport(ctx context.Context, duelID, userID int64, data domain.ReportData) (*domain.DuelReport, error) {
	if data.Stitches < 0 {
		return nil, fmt.Errorf("%w: stitches must not be negative", domain.ErrValidation)
	}
	duel, err := e.store.DuelByID(ctx, duelID)
	if err != nil {
		return nil, err
	}
	if duel == nil {
		return nil, domain.ErrNotFound
	}
	if duel.Completed() {
		return nil, domain.ErrDuelNotActive
	}
	in, err := e.store.ParticipatesInDuel(ctx, userID, duelID)
	if err != nil {
		return nil, err
	}
	if !in {
		return nil, domain.ErrNotAllowed
	}
	rep, err := e.store.UpsertReport(ctx, duelID, userID, data.Stitches, data.Note)
	if err != nil {
		return nil, err
	}
	if user, uerr := e.store.UserRef(ctx, userID); uerr == nil && user != nil {
		if nerr := e.notif.ReportSaved(ctx, *user, duel.Codeword, data); nerr != nil {
			obslog.L().Warn("send report preview",
				zap.Int64("duel_id", duelID), zap.Int64("user_id", userID), zap.Error(nerr))
		}
	}
	return rep, nil
}

// ReplacePhotos swaps in the participant's photo set for their report.
// Resubmitting drops the previous photos rather than appending to them.
func (e *Engine) ReplacePhotos(ctx context.Context, duelID, userID int64, photos [][]byte, contentType string) error {
	duel, err := e.store.DuelByID(ctx, duelID)
	if err != nil {
		return err
	}
	if duel == nil {
		return domain.ErrNotFound
	}
	if duel.Completed() {
		return domain.ErrDuelNotActive
	}
	in, err := e.store.ParticipatesInDuel(ctx, userID, duelID)
	if err != nil {
		return err
	}
	if !in {
		return domain.ErrNotAllowed
	}
	if err := e.photos.DeletePrefix(ctx, media.UserPrefix(duelID, userID)); err != nil {
		return fmt.Errorf("drop previous photos: %w", err)
	}
	for i, photo := range photos {
		if err := e.photos.Put(ctx, media.PhotoKey(duelID, userID, i), photo, contentType); err != nil {
			return fmt.Errorf("store photo %d: %w", i, err)
		}
	}
	return nil
}

// Complete settles a duel: picks the winner from the reports, marks
// the duel done, refreshes the rating, and announces the outcome. Safe
// to call more than once; only the first call settles.
func (e *Engine) Complete(ctx context.Context, duelID int64) error {
	info, err := e.store.DuelInfo(ctx, duelID)
	if err != nil {
		return err
	}
	if info == nil || info.CompletedAt != nil {
		return nil
	}

	winnerID := e.pickWinner(info)
	won, err := e.store.CompleteDuel(ctx, duelID, winnerID)
	if err != nil {
		return err
	}
	if !won {
		// Lost the settlement race to another delivery.
		return nil
	}
	if err := e.rating.Refresh(ctx); err != nil {
		return err
	}

	var winner *domain.UserRef
	if winnerID != nil {
		for i := range info.Participants {
			if info.Participants[i].ID == *winnerID {
				winner = &info.Participants[i]
				break
			}
		}
	}
	if err := e.notif.DuelCompleted(ctx, info, winner, e.duelPhotos(ctx, duelID)); err != nil {
		obslog.L().Warn("announce duel completion",
			zap.Int64("duel_id", duelID), zap.Error(err))
	}
	if _, err := e.sched.Schedule(ctx, tasks.KindCleanupReportPhotos,
		tasks.DuelTask{DuelID: duelID}, e.now().Add(e.cfg.PhotoCleanupDelay)); err != nil {
		obslog.L().Warn("schedule photo cleanup",
			zap.Int64("duel_id", duelID), zap.Error(err))
	}
	obslog.L().Info("duel completed",
		zap.Int64("duel_id", duelID),
		zap.Int64p("winner_id", winnerID))
	return nil
}

// Remind nudges one participant who has not reported yet. A completed
// duel or an existing report makes it a no-op.
func (e *Engine) Remind(ctx context.Context, duelID, userID int64) error {
	duel, err := e.store.DuelByID(ctx, duelID)
	if err != nil {
		return err
	}
	if duel == nil || duel.Completed() {
		return nil
	}
	rep, err := e.store.Report(ctx, duelID, userID)
	if err != nil {
		return err
	}
	if rep != nil {
		return nil
	}
	user, err := e.store.UserRef(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return nil
	}
	deadline := duel.StartedAt.Add(e.cfg.DuelPeriod)
	if err := e.notif.ReportReminder(ctx, duelID, duel.Codeword, *user, deadline); err != nil {
		obslog.L().Warn("send report reminder",
			zap.Int64("duel_id", duelID), zap.Int64("user_id", userID), zap.Error(err))
	}
	return nil
}

// duelPhotos loads every photo of a duel for the results post. Photos
// are decoration on the announcement; load failures only cost them.
func (e *Engine) duelPhotos(ctx context.Context, duelID int64) [][]byte {
	keys, err := e.photos.List(ctx, media.DuelPrefix(duelID))
	if err != nil {
		obslog.L().Warn("list duel photos", zap.Int64("duel_id", duelID), zap.Error(err))
		return nil
	}
	out := make([][]byte, 0, len(keys))
	for _, key := range keys {
		data, err := e.photos.Get(ctx, key)
		if err != nil {
			obslog.L().Warn("load duel photo", zap.String("key", key), zap.Error(err))
			continue
		}
		out = append(out, data)
	}
	return out
}

// CleanupPhotos removes every photo of a settled duel.
func (e *Engine) CleanupPhotos(ctx context.Context, duelID int64) error {
	return e.photos.DeletePrefix(ctx, media.DuelPrefix(duelID))
}

// Active lists running duels.
func (e *Engine) Active(ctx context.Context) ([]domain.ActiveDuel, error) {
	return e.store.ActiveDuels(ctx)
}

// Info returns one duel with participants and reports.
func (e *Engine) Info(ctx context.Context, duelID int64) (*domain.DuelInfo, error) {
	info, err := e.store.DuelInfo(ctx, duelID)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, domain.ErrNotFound
	}
	return info, nil
}

// Archive lists the duels settled in the given month.
func (e *Engine) Archive(ctx context.Context, year int, month time.Month) ([]domain.ArchivedDuel, error) {
	return e.store.CompletedDuelsByMonth(ctx, year, month)
}

// Deadline computes when a duel settles.
func (e *Engine) Deadline(d *domain.Duel) time.Time {
	return d.StartedAt.Add(e.cfg.DuelPeriod)
}

// pickWinner returns the participant with the strictly highest positive
// stitch count, breaking ties at random. No positive report means no
// winner.
func (e *Engine) pickWinner(info *domain.DuelInfo) *int64 {
	best := 0
	var tied []int64
	for i, rep := range info.Reports {
		if rep == nil || rep.Stitches <= 0 {
			continue
		}
		switch {
		case rep.Stitches > best:
			best = rep.Stitches
			tied = tied[:0]
			tied = append(tied, info.Participants[i].ID)
		case rep.Stitches == best:
			tied = append(tied, info.Participants[i].ID)
		}
	}
	if len(tied) == 0 {
		return nil
	}
	e.mu.Lock()
	id := tied[e.rnd.Intn(len(tied))]
	e.mu.Unlock()
	return &id
}

func (e *Engine) codeword() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return pickCodeword(e.rnd)
}

// scheduleLifecycle enqueues the settlement and the per-participant
// reminders for a freshly started duel.
func (e *Engine) scheduleLifecycle(ctx context.Context, duel *domain.Duel, userIDs []int64, stagger time.Duration) {
	completeAt := duel.StartedAt.Add(e.cfg.DuelPeriod + stagger)
	if _, err := e.sched.Schedule(ctx, tasks.KindCompleteDuel, tasks.DuelTask{DuelID: duel.ID}, completeAt); err != nil {
		obslog.L().Error("schedule duel completion",
			zap.Int64("duel_id", duel.ID), zap.Error(err))
	}
	for _, offset := range e.cfg.ReminderOffsets {
		at := duel.StartedAt.Add(offset)
		for _, uid := range userIDs {
			if _, err := e.sched.Schedule(ctx, tasks.KindReportReminder,
				tasks.ReminderTask{DuelID: duel.ID, UserID: uid}, at); err != nil {
				obslog.L().Warn("schedule report reminder",
					zap.Int64("duel_id", duel.ID), zap.Int64("user_id", uid), zap.Error(err))
			}
		}
	}
}

// resolveRefs loads user refs, falling back to a bare id when the user
// row is gone.
func (e *Engine) resolveRefs(ctx context.Context, userIDs []int64) []domain.UserRef {
	refs := make([]domain.UserRef, 0, len(userIDs))
	for _, uid := range userIDs {
		ref, err := e.store.UserRef(ctx, uid)
		if err != nil || ref == nil {
			refs = append(refs, domain.UserRef{ID: uid})
			continue
		}
		refs = append(refs, *ref)
	}
	return refs
}

func (e *Engine) notifyStarted(ctx context.Context, duel *domain.Duel, userIDs []int64) {
	participants := e.resolveRefs(ctx, userIDs)
	if err := e.notif.DuelStarted(ctx, *duel, participants, e.Deadline(duel)); err != nil {
		obslog.L().Warn("announce duel start",
			zap.Int64("duel_id", duel.ID), zap.Error(err))
	}
}
