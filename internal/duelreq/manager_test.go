package duelreq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stitchparty/duels-bot/internal/domain"
	"github.com/stitchparty/duels-bot/internal/store"
	"github.com/stitchparty/duels-bot/internal/tasks"
)

type fakeSched struct {
	kinds []tasks.Kind
}

func (s *fakeSched) Schedule(ctx context.Context, kind tasks.Kind, payload any, at time.Time) (string, error) {
	s.kinds = append(s.kinds, kind)
	return "task-id", nil
}

type fakeNotifier struct {
	created     int
	declined    int
	expired     int
	withdrawn   int
	invalidated int
	nextMsgID   int64
}

func (n *fakeNotifier) RequestCreated(ctx context.Context, req domain.DuelRequest, from domain.UserRef, validity time.Duration) (int64, error) {
	n.created++
	n.nextMsgID++
	return 100 + n.nextMsgID, nil
}

func (n *fakeNotifier) RequestDeclined(ctx context.Context, rm *domain.RemovedRequest) error {
	n.declined++
	return nil
}

func (n *fakeNotifier) RequestExpired(ctx context.Context, rm *domain.RemovedRequest) error {
	n.expired++
	return nil
}

func (n *fakeNotifier) RequestWithdrawn(ctx context.Context, rm *domain.RemovedRequest) error {
	n.withdrawn++
	return nil
}

func (n *fakeNotifier) InvalidateRequestMessage(ctx context.Context, rm *domain.RemovedRequest) error {
	n.invalidated++
	return nil
}

type fakeStarter struct {
	st *store.Memory
}

func (f *fakeStarter) Start(ctx context.Context, userIDs []int64) (*domain.Duel, error) {
	return f.st.CreateDuel(ctx, "swatch", userIDs)
}

func noBlackout(time.Time) bool { return false }

func newTestManager(t *testing.T) (*Manager, *store.Memory, *fakeSched, *fakeNotifier) {
	t.Helper()
	st := store.NewMemory()
	for id := int64(1); id <= 4; id++ {
		st.AddUser(id, "user", domain.RateSteady, true, false)
	}
	sched := &fakeSched{}
	notif := &fakeNotifier{}
	m := NewManager(st, sched, notif, &fakeStarter{st: st}, noBlackout, time.Hour)
	return m, st, sched, notif
}

func TestCreateSchedulesExpiryAndStoresMessageID(t *testing.T) {
	m, st, sched, notif := newTestManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, 1, []int64{2, 3})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(created))
	}
	if len(sched.kinds) != 2 || sched.kinds[0] != tasks.KindRemoveExpiredRequest {
		t.Fatalf("expected 2 expiry tasks, got %v", sched.kinds)
	}
	if notif.created != 2 {
		t.Fatalf("expected 2 target notifications, got %d", notif.created)
	}
	stored, err := st.RequestByID(ctx, created[0].ID)
	if err != nil || stored == nil {
		t.Fatalf("RequestByID: %v", err)
	}
	if stored.MessageID == nil {
		t.Fatalf("message id not stored")
	}
}

func TestAvailableOpponentsExcludesSelf(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	opponents, err := m.AvailableOpponents(context.Background(), 1)
	if err != nil {
		t.Fatalf("AvailableOpponents: %v", err)
	}
	if len(opponents) != 3 {
		t.Fatalf("expected 3 opponents, got %d", len(opponents))
	}
	for _, o := range opponents {
		if o.ID == 1 {
			t.Fatalf("caller listed as their own opponent")
		}
	}
}

func TestCreateSkipsDuplicates(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, 1, []int64{2}); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	again, err := m.Create(ctx, 1, []int64{2})
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("duplicate request created: %v", again)
	}
}

func TestCreateGuards(t *testing.T) {
	m, st, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, 1, []int64{1}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("self target: expected ErrValidation, got %v", err)
	}
	if _, err := m.Create(ctx, 1, []int64{99}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown target: expected ErrNotFound, got %v", err)
	}
	if _, err := m.Create(ctx, 99, []int64{2}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown sender: expected ErrNotFound, got %v", err)
	}

	if _, err := st.CreateDuel(ctx, "swatch", []int64{1, 3}); err != nil {
		t.Fatalf("CreateDuel: %v", err)
	}
	if _, err := m.Create(ctx, 1, []int64{2}); !errors.Is(err, domain.ErrUserAlreadyInDuel) {
		t.Fatalf("busy sender: expected ErrUserAlreadyInDuel, got %v", err)
	}
}

func TestCreateDuringBlackout(t *testing.T) {
	_, st, sched, notif := newTestManager(t)
	m := NewManager(st, sched, notif, &fakeStarter{st: st}, func(time.Time) bool { return true }, time.Hour)

	if _, err := m.Create(context.Background(), 1, []int64{2}); !errors.Is(err, domain.ErrBlackoutWindow) {
		t.Fatalf("expected ErrBlackoutWindow, got %v", err)
	}
}

func TestAcceptStartsDuelAndInvalidatesSiblings(t *testing.T) {
	m, st, _, notif := newTestManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, 1, []int64{2, 3})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	duel, err := m.Accept(ctx, created[0].ID, 2)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if duel == nil || duel.ID == 0 {
		t.Fatalf("expected a duel, got %+v", duel)
	}
	for _, uid := range []int64{1, 2} {
		ok, err := st.ParticipatesInDuel(ctx, uid, duel.ID)
		if err != nil || !ok {
			t.Fatalf("user %d not in duel: %v", uid, err)
		}
	}
	if req, _ := st.RequestByID(ctx, created[0].ID); req != nil {
		t.Fatalf("accepted request still present")
	}
	// The sibling request to user 3 must be gone and its message
	// rewritten.
	if req, _ := st.RequestByID(ctx, created[1].ID); req != nil {
		t.Fatalf("sibling request still present")
	}
	if notif.invalidated != 1 {
		t.Fatalf("expected 1 invalidated message, got %d", notif.invalidated)
	}
}

func TestAcceptOnlyByTarget(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, 1, []int64{2})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Accept(ctx, created[0].ID, 3); !errors.Is(err, domain.ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed, got %v", err)
	}
	if _, err := m.Accept(ctx, 404, 2); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAcceptExpiredRequest(t *testing.T) {
	m, st, _, notif := newTestManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, 1, []int64{2})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	m.now = func() time.Time { return created[0].CreatedAt.Add(2 * time.Hour) }

	if _, err := m.Accept(ctx, created[0].ID, 2); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for stale request, got %v", err)
	}
	if req, _ := st.RequestByID(ctx, created[0].ID); req != nil {
		t.Fatalf("stale request still present")
	}
	if notif.expired != 1 {
		t.Fatalf("expected 1 expiry notification, got %d", notif.expired)
	}
}

func TestAcceptWhileAcceptorBusy(t *testing.T) {
	m, st, _, _ := newTestManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, 1, []int64{2})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := st.CreateDuel(ctx, "swatch", []int64{2, 3}); err != nil {
		t.Fatalf("CreateDuel: %v", err)
	}

	if _, err := m.Accept(ctx, created[0].ID, 2); !errors.Is(err, domain.ErrUserAlreadyInDuel) {
		t.Fatalf("expected ErrUserAlreadyInDuel, got %v", err)
	}
	// The duel outlives the request validity, so the request is consumed.
	if req, _ := st.RequestByID(ctx, created[0].ID); req != nil {
		t.Fatalf("request survived a busy acceptor")
	}
}

func TestAcceptWhileSenderBusyConsumesRequest(t *testing.T) {
	m, st, _, notif := newTestManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, 1, []int64{2})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// The sender enters another duel before the target answers.
	if _, err := st.CreateDuel(ctx, "swatch", []int64{1, 3}); err != nil {
		t.Fatalf("CreateDuel: %v", err)
	}

	if _, err := m.Accept(ctx, created[0].ID, 2); !errors.Is(err, domain.ErrOtherUserAlreadyInDuel) {
		t.Fatalf("expected ErrOtherUserAlreadyInDuel, got %v", err)
	}
	if req, _ := st.RequestByID(ctx, created[0].ID); req != nil {
		t.Fatalf("request not consumed by the failed accept")
	}
	if notif.withdrawn != 1 {
		t.Fatalf("expected 1 withdrawal notification, got %d", notif.withdrawn)
	}
}

func TestDecline(t *testing.T) {
	m, st, _, notif := newTestManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, 1, []int64{2})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Decline(ctx, created[0].ID, 3); !errors.Is(err, domain.ErrNotAllowed) {
		t.Fatalf("stranger decline: expected ErrNotAllowed, got %v", err)
	}
	if err := m.Decline(ctx, created[0].ID, 2); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if req, _ := st.RequestByID(ctx, created[0].ID); req != nil {
		t.Fatalf("declined request still present")
	}
	if notif.declined != 1 {
		t.Fatalf("expected 1 decline notification, got %d", notif.declined)
	}
	if err := m.Decline(ctx, created[0].ID, 2); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second decline: expected ErrNotFound, got %v", err)
	}
}

func TestDeclineWhileBusyConsumesRequest(t *testing.T) {
	m, st, _, notif := newTestManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, 1, []int64{2})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := st.CreateDuel(ctx, "swatch", []int64{2, 3}); err != nil {
		t.Fatalf("CreateDuel: %v", err)
	}

	if err := m.Decline(ctx, created[0].ID, 2); !errors.Is(err, domain.ErrUserAlreadyInDuel) {
		t.Fatalf("expected ErrUserAlreadyInDuel, got %v", err)
	}
	if req, _ := st.RequestByID(ctx, created[0].ID); req != nil {
		t.Fatalf("request survived a busy decliner")
	}
	if notif.declined != 0 {
		t.Fatalf("busy decliner should not trigger a decline notice, got %d", notif.declined)
	}
}

func TestDeclineDuringBlackout(t *testing.T) {
	_, st, sched, notif := newTestManager(t)
	m := NewManager(st, sched, notif, &fakeStarter{st: st}, noBlackout, time.Hour)

	created, err := m.Create(context.Background(), 1, []int64{2})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	m.blackout = func(time.Time) bool { return true }

	if err := m.Decline(context.Background(), created[0].ID, 2); !errors.Is(err, domain.ErrBlackoutWindow) {
		t.Fatalf("expected ErrBlackoutWindow, got %v", err)
	}
	if req, _ := st.RequestByID(context.Background(), created[0].ID); req == nil {
		t.Fatalf("blackout must not consume the request")
	}
}

func TestExpireIsIdempotent(t *testing.T) {
	m, _, _, notif := newTestManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, 1, []int64{2})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Expire(ctx, created[0].ID); err != nil {
		t.Fatalf("first Expire: %v", err)
	}
	if err := m.Expire(ctx, created[0].ID); err != nil {
		t.Fatalf("second Expire: %v", err)
	}
	if notif.expired != 1 {
		t.Fatalf("expected 1 expiry notification, got %d", notif.expired)
	}
	if notif.invalidated != 1 {
		t.Fatalf("expected 1 invalidated message, got %d", notif.invalidated)
	}
}

func TestDefaultBlackoutWindow(t *testing.T) {
	cases := []struct {
		at   time.Time
		want bool
	}{
		{time.Date(2026, 1, 2, 6, 59, 0, 0, time.UTC), false}, // Friday before 07:00
		{time.Date(2026, 1, 2, 7, 0, 0, 0, time.UTC), true},   // Friday 07:00
		{time.Date(2026, 1, 2, 23, 0, 0, 0, time.UTC), true},  // Friday night
		{time.Date(2026, 1, 3, 6, 59, 0, 0, time.UTC), true},  // Saturday before 07:00
		{time.Date(2026, 1, 3, 7, 0, 0, 0, time.UTC), false},  // Saturday 07:00
		{time.Date(2026, 1, 7, 12, 0, 0, 0, time.UTC), false}, // Wednesday
	}
	for _, c := range cases {
		if got := DefaultBlackout(c.at); got != c.want {
			t.Errorf("DefaultBlackout(%s) = %v, want %v", c.at, got, c.want)
		}
	}
}
