package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stitchparty/duels-bot/internal/domain"
)

func newSeededMemory() *Memory {
	m := NewMemory()
	m.AddUser(1, "Ada", domain.RateRelaxed, true, true)
	m.AddUser(2, "Bea", domain.RateSteady, true, true)
	m.AddUser(3, "Cai", domain.RateIntense, true, false)
	return m
}

func TestCreateDuelRejectsBusyUser(t *testing.T) {
	m := newSeededMemory()
	ctx := context.Background()

	if _, err := m.CreateDuel(ctx, "skein", []int64{1, 2}); err != nil {
		t.Fatalf("CreateDuel: %v", err)
	}
	_, err := m.CreateDuel(ctx, "skein", []int64{2, 3})
	var busy *BusyError
	if !errors.As(err, &busy) || busy.UserID != 2 {
		t.Fatalf("expected BusyError for user 2, got %v", err)
	}
}

func TestCompleteDuelSettlesOnce(t *testing.T) {
	m := newSeededMemory()
	ctx := context.Background()

	d, err := m.CreateDuel(ctx, "skein", []int64{1, 2})
	if err != nil {
		t.Fatalf("CreateDuel: %v", err)
	}
	winner := int64(1)
	won, err := m.CompleteDuel(ctx, d.ID, &winner)
	if err != nil || !won {
		t.Fatalf("first CompleteDuel: won=%v err=%v", won, err)
	}
	won, err = m.CompleteDuel(ctx, d.ID, nil)
	if err != nil || won {
		t.Fatalf("second CompleteDuel should be a no-op: won=%v err=%v", won, err)
	}
	got, err := m.DuelByID(ctx, d.ID)
	if err != nil || got == nil {
		t.Fatalf("DuelByID: %v", err)
	}
	if got.WinnerID == nil || *got.WinnerID != 1 {
		t.Fatalf("winner overwritten by losing call: %+v", got)
	}
	if won, err := m.CompleteDuel(ctx, 404, nil); err != nil || won {
		t.Fatalf("unknown duel should be a no-op: won=%v err=%v", won, err)
	}
}

func TestCompleteDuelDetachesWinnerPointer(t *testing.T) {
	m := newSeededMemory()
	ctx := context.Background()

	d, err := m.CreateDuel(ctx, "skein", []int64{1, 2})
	if err != nil {
		t.Fatalf("CreateDuel: %v", err)
	}
	winner := int64(1)
	if won, err := m.CompleteDuel(ctx, d.ID, &winner); err != nil || !won {
		t.Fatalf("CompleteDuel: won=%v err=%v", won, err)
	}
	// A later write through the caller's variable must not rewrite the
	// settled winner.
	winner = 2
	got, err := m.DuelByID(ctx, d.ID)
	if err != nil || got == nil {
		t.Fatalf("DuelByID: %v", err)
	}
	if got.WinnerID == nil || *got.WinnerID != 1 {
		t.Fatalf("stored winner follows the caller's pointer: %+v", got.WinnerID)
	}
}

func TestCreateWeeklyDuelsShareStartTime(t *testing.T) {
	m := newSeededMemory()
	ctx := context.Background()

	duels, err := m.CreateWeeklyDuels(ctx, "gauge", [][]int64{{1, 2}, {3, 4}})
	if err != nil {
		t.Fatalf("CreateWeeklyDuels: %v", err)
	}
	if len(duels) != 2 {
		t.Fatalf("expected 2 duels, got %d", len(duels))
	}
	if !duels[0].StartedAt.Equal(duels[1].StartedAt) {
		t.Fatalf("batch start times differ: %v vs %v", duels[0].StartedAt, duels[1].StartedAt)
	}
}

func TestWeeklyCandidatesExcludeBusyAndOptedOut(t *testing.T) {
	m := newSeededMemory()
	ctx := context.Background()

	cands, err := m.WeeklyCandidates(ctx)
	if err != nil {
		t.Fatalf("WeeklyCandidates: %v", err)
	}
	// User 3 never opted into the weekly batch.
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(cands))
	}

	if _, err := m.CreateDuel(ctx, "skein", []int64{1, 3}); err != nil {
		t.Fatalf("CreateDuel: %v", err)
	}
	cands, err = m.WeeklyCandidates(ctx)
	if err != nil {
		t.Fatalf("WeeklyCandidates: %v", err)
	}
	if len(cands) != 1 || cands[0].ID != 2 {
		t.Fatalf("expected only user 2, got %+v", cands)
	}
}

func TestCreateRequestsSkipsPendingDuplicates(t *testing.T) {
	m := newSeededMemory()
	ctx := context.Background()

	first, err := m.CreateRequests(ctx, 1, []int64{2, 3})
	if err != nil || len(first) != 2 {
		t.Fatalf("CreateRequests: %v (%d)", err, len(first))
	}
	second, err := m.CreateRequests(ctx, 1, []int64{2})
	if err != nil {
		t.Fatalf("CreateRequests again: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("duplicate pending request created: %+v", second)
	}

	// Removing frees the slot for a new request.
	if _, err := m.RemoveRequest(ctx, first[0].ID); err != nil {
		t.Fatalf("RemoveRequest: %v", err)
	}
	third, err := m.CreateRequests(ctx, 1, []int64{2})
	if err != nil || len(third) != 1 {
		t.Fatalf("CreateRequests after removal: %v (%d)", err, len(third))
	}
}

func TestRemoveRequestResolvesParties(t *testing.T) {
	m := newSeededMemory()
	ctx := context.Background()

	created, err := m.CreateRequests(ctx, 1, []int64{2})
	if err != nil || len(created) != 1 {
		t.Fatalf("CreateRequests: %v", err)
	}
	if err := m.SetRequestMessageID(ctx, created[0].ID, 555); err != nil {
		t.Fatalf("SetRequestMessageID: %v", err)
	}

	rm, err := m.RemoveRequest(ctx, created[0].ID)
	if err != nil || rm == nil {
		t.Fatalf("RemoveRequest: %v", err)
	}
	if rm.FromUser.Fullname != "Ada" || rm.ToUser.Fullname != "Bea" {
		t.Fatalf("parties not resolved: %+v", rm)
	}
	if rm.MessageID == nil || *rm.MessageID != 555 {
		t.Fatalf("message id not carried: %+v", rm)
	}

	again, err := m.RemoveRequest(ctx, created[0].ID)
	if err != nil || again != nil {
		t.Fatalf("second removal should return nil: %+v %v", again, err)
	}
}

func TestMonthlyRatingWindows(t *testing.T) {
	m := newSeededMemory()
	ctx := context.Background()

	now := time.Date(2026, time.August, 15, 12, 0, 0, 0, time.UTC)
	clock := time.Date(2026, time.July, 10, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return clock })

	// July: Ada beats Bea.
	d, err := m.CreateDuel(ctx, "skein", []int64{1, 2})
	if err != nil {
		t.Fatalf("CreateDuel: %v", err)
	}
	winner := int64(1)
	if _, err := m.CompleteDuel(ctx, d.ID, &winner); err != nil {
		t.Fatalf("CompleteDuel: %v", err)
	}

	// August: Bea beats Cai.
	clock = now
	d, err = m.CreateDuel(ctx, "skein", []int64{2, 3})
	if err != nil {
		t.Fatalf("CreateDuel: %v", err)
	}
	winner = 2
	if _, err := m.CompleteDuel(ctx, d.ID, &winner); err != nil {
		t.Fatalf("CompleteDuel: %v", err)
	}

	current, err := m.CurrentRating(ctx)
	if err != nil {
		t.Fatalf("CurrentRating: %v", err)
	}
	if len(current) != 2 || current[0].UserID != 2 || current[0].TotalDuelsWon != 1 {
		t.Fatalf("unexpected current rating: %+v", current)
	}

	prev, err := m.PreviousMonthRating(ctx)
	if err != nil {
		t.Fatalf("PreviousMonthRating: %v", err)
	}
	if len(prev) != 2 || prev[0].UserID != 1 || prev[0].Fullname != "Ada" {
		t.Fatalf("unexpected previous month rating: %+v", prev)
	}
	if prev[1].TotalDuelsWon != 0 || prev[1].TotalDuelsParticipated != 1 {
		t.Fatalf("unexpected loser record: %+v", prev[1])
	}

	archived, err := m.CompletedDuelsByMonth(ctx, 2026, time.July)
	if err != nil {
		t.Fatalf("CompletedDuelsByMonth: %v", err)
	}
	if len(archived) != 1 || archived[0].WinnerID == nil || *archived[0].WinnerID != 1 {
		t.Fatalf("unexpected july archive: %+v", archived)
	}
}
