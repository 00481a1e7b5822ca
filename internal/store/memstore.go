package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stitchparty/duels-bot/internal/domain"
)

// Memory is an in-process Store for tests and local runs. All methods
// are safe for concurrent use; the single mutex stands in for the
// transaction boundaries of the postgres implementation.
type Memory struct {
	mu sync.Mutex

	users    map[int64]*memUser
	requests map[int64]*domain.DuelRequest
	duels    map[int64]*memDuel
	reports  map[reportKey]*domain.DuelReport

	nextRequestID int64
	nextDuelID    int64

	now func() time.Time
}

type memUser struct {
	ref     domain.UserRef
	rate    domain.StitchesRate
	enabled bool
	weekly  bool
}

type memDuel struct {
	duel         domain.Duel
	participants []int64
}

type reportKey struct {
	duelID int64
	userID int64
}

func NewMemory() *Memory {
	return &Memory{
		users:    make(map[int64]*memUser),
		requests: make(map[int64]*domain.DuelRequest),
		duels:    make(map[int64]*memDuel),
		reports:  make(map[reportKey]*domain.DuelReport),
		now:      time.Now,
	}
}

// SetClock overrides the time source. Tests use it to pin month
// boundaries and completion timestamps.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// AddUser registers a user. enabled gates duel requests, weekly gates
// the random weekly batch.
func (m *Memory) AddUser(id int64, fullname string, rate domain.StitchesRate, enabled, weekly bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id] = &memUser{
		ref:     domain.UserRef{ID: id, Fullname: fullname},
		rate:    rate,
		enabled: enabled,
		weekly:  weekly,
	}
}

func (m *Memory) UserRef(ctx context.Context, userID int64) (*domain.UserRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, nil
	}
	ref := u.ref
	return &ref, nil
}

func (m *Memory) AvailableUsers(ctx context.Context) ([]domain.WeeklyCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WeeklyCandidate
	for _, u := range m.users {
		if u.enabled {
			out = append(out, domain.WeeklyCandidate{UserRef: u.ref, StitchesRate: u.rate})
		}
	}
	sortCandidates(out)
	return out, nil
}

func (m *Memory) WeeklyCandidates(ctx context.Context) ([]domain.WeeklyCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WeeklyCandidate
	for _, u := range m.users {
		if u.enabled && u.weekly && !m.inActiveDuelLocked(u.ref.ID) {
			out = append(out, domain.WeeklyCandidate{UserRef: u.ref, StitchesRate: u.rate})
		}
	}
	sortCandidates(out)
	return out, nil
}

func sortCandidates(cs []domain.WeeklyCandidate) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].ID < cs[j].ID })
}

func (m *Memory) CreateRequests(ctx context.Context, fromUserID int64, toUserIDs []int64) ([]domain.DuelRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DuelRequest
	for _, to := range toUserIDs {
		if m.hasPendingLocked(fromUserID, to) {
			continue
		}
		m.nextRequestID++
		req := &domain.DuelRequest{
			ID:         m.nextRequestID,
			FromUserID: fromUserID,
			ToUserID:   to,
			CreatedAt:  m.now().UTC(),
		}
		m.requests[req.ID] = req
		out = append(out, *req)
	}
	return out, nil
}

func (m *Memory) hasPendingLocked(from, to int64) bool {
	for _, r := range m.requests {
		if r.FromUserID == from && r.ToUserID == to {
			return true
		}
	}
	return false
}

func (m *Memory) RequestByID(ctx context.Context, id int64) (*domain.DuelRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) RequestsForUser(ctx context.Context, toUserID int64) ([]domain.IncomingRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.IncomingRequest
	for _, r := range m.requests {
		if r.ToUserID != toUserID {
			continue
		}
		from := domain.UserRef{ID: r.FromUserID}
		if u, ok := m.users[r.FromUserID]; ok {
			from = u.ref
		}
		out = append(out, domain.IncomingRequest{ID: r.ID, FromUser: from, CreatedAt: r.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) RemoveRequest(ctx context.Context, id int64) (*domain.RemovedRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, nil
	}
	delete(m.requests, id)
	rm := &domain.RemovedRequest{
		ID:        r.ID,
		FromUser:  domain.UserRef{ID: r.FromUserID},
		ToUser:    domain.UserRef{ID: r.ToUserID},
		MessageID: r.MessageID,
	}
	if u, ok := m.users[r.FromUserID]; ok {
		rm.FromUser = u.ref
	}
	if u, ok := m.users[r.ToUserID]; ok {
		rm.ToUser = u.ref
	}
	return rm, nil
}

func (m *Memory) SetRequestMessageID(ctx context.Context, id int64, messageID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.requests[id]; ok {
		r.MessageID = &messageID
	}
	return nil
}

func (m *Memory) SiblingRequests(ctx context.Context, fromUserID, excludeID int64) ([]domain.DuelRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DuelRequest
	for _, r := range m.requests {
		if r.FromUserID == fromUserID && r.ID != excludeID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateDuel(ctx context.Context, codeword string, userIDs []int64) (*domain.Duel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.createDuelLocked(codeword, userIDs, m.now().UTC())
	if err != nil {
		return nil, err
	}
	cp := d.duel
	return &cp, nil
}

func (m *Memory) CreateWeeklyDuels(ctx context.Context, codeword string, groups [][]int64) ([]domain.Duel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range groups {
		for _, id := range g {
			if m.inActiveDuelLocked(id) {
				return nil, &BusyError{UserID: id}
			}
		}
	}
	// One timestamp for the whole batch; staggered settlements are
	// computed from StartedAt and must share a base.
	startedAt := m.now().UTC()
	out := make([]domain.Duel, 0, len(groups))
	for _, g := range groups {
		d, err := m.createDuelLocked(codeword, g, startedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, d.duel)
	}
	return out, nil
}

func (m *Memory) createDuelLocked(codeword string, userIDs []int64, startedAt time.Time) (*memDuel, error) {
	for _, id := range userIDs {
		if m.inActiveDuelLocked(id) {
			return nil, &BusyError{UserID: id}
		}
	}
	m.nextDuelID++
	d := &memDuel{
		duel: domain.Duel{
			ID:        m.nextDuelID,
			Codeword:  codeword,
			StartedAt: startedAt,
		},
		participants: append([]int64(nil), userIDs...),
	}
	m.duels[d.duel.ID] = d
	return d, nil
}

func (m *Memory) DuelByID(ctx context.Context, id int64) (*domain.Duel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.duels[id]
	if !ok {
		return nil, nil
	}
	cp := d.duel
	return &cp, nil
}

func (m *Memory) DuelInfo(ctx context.Context, id int64) (*domain.DuelInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.duels[id]
	if !ok {
		return nil, nil
	}
	info := &domain.DuelInfo{
		ID:          d.duel.ID,
		Codeword:    d.duel.Codeword,
		StartedAt:   d.duel.StartedAt,
		CompletedAt: d.duel.CompletedAt,
	}
	for _, uid := range d.participants {
		ref := domain.UserRef{ID: uid}
		if u, ok := m.users[uid]; ok {
			ref = u.ref
		}
		info.Participants = append(info.Participants, ref)
		if rep, ok := m.reports[reportKey{duelID: id, userID: uid}]; ok {
			info.Reports = append(info.Reports, &domain.ReportData{Stitches: rep.Stitches, Note: rep.Note})
		} else {
			info.Reports = append(info.Reports, nil)
		}
	}
	return info, nil
}

func (m *Memory) ActiveDuels(ctx context.Context) ([]domain.ActiveDuel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ActiveDuel
	for _, d := range m.duels {
		if d.duel.Completed() {
			continue
		}
		ad := domain.ActiveDuel{
			ID:        d.duel.ID,
			Codeword:  d.duel.Codeword,
			StartedAt: d.duel.StartedAt,
		}
		for _, uid := range d.participants {
			ref := domain.UserRef{ID: uid}
			if u, ok := m.users[uid]; ok {
				ref = u.ref
			}
			ad.Participants = append(ad.Participants, ref)
		}
		out = append(out, ad)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CompletedDuelsByMonth(ctx context.Context, year int, month time.Month) ([]domain.ArchivedDuel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ArchivedDuel
	for _, d := range m.duels {
		if !d.duel.Completed() {
			continue
		}
		at := d.duel.CompletedAt.UTC()
		if at.Year() != year || at.Month() != month {
			continue
		}
		out = append(out, domain.ArchivedDuel{
			ID:           d.duel.ID,
			Codeword:     d.duel.Codeword,
			CompletedAt:  at,
			WinnerID:     d.duel.WinnerID,
			Participants: append([]int64(nil), d.participants...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CompleteDuel(ctx context.Context, duelID int64, winnerID *int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.duels[duelID]
	if !ok || d.duel.Completed() {
		return false, nil
	}
	at := m.now().UTC()
	d.duel.CompletedAt = &at
	if winnerID != nil {
		// Detach from the caller's pointer; the winner must not change
		// after settlement.
		w := *winnerID
		d.duel.WinnerID = &w
	}
	return true, nil
}

func (m *Memory) InActiveDuel(ctx context.Context, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inActiveDuelLocked(userID), nil
}

func (m *Memory) inActiveDuelLocked(userID int64) bool {
	for _, d := range m.duels {
		if d.duel.Completed() {
			continue
		}
		for _, uid := range d.participants {
			if uid == userID {
				return true
			}
		}
	}
	return false
}

func (m *Memory) ParticipatesInDuel(ctx context.Context, userID, duelID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.duels[duelID]
	if !ok {
		return false, nil
	}
	for _, uid := range d.participants {
		if uid == userID {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) UpsertReport(ctx context.Context, duelID, userID int64, stitches int, note string) (*domain.DuelReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := reportKey{duelID: duelID, userID: userID}
	at := m.now().UTC()
	rep, ok := m.reports[key]
	if !ok {
		rep = &domain.DuelReport{DuelID: duelID, UserID: userID, CreatedAt: at}
		m.reports[key] = rep
	}
	rep.Stitches = stitches
	rep.Note = note
	rep.UpdatedAt = at
	cp := *rep
	return &cp, nil
}

func (m *Memory) Report(ctx context.Context, duelID, userID int64) (*domain.DuelReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rep, ok := m.reports[reportKey{duelID: duelID, userID: userID}]
	if !ok {
		return nil, nil
	}
	cp := *rep
	return &cp, nil
}

func (m *Memory) CurrentRating(ctx context.Context) ([]domain.RatingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	return m.ratingLocked(now.Year(), now.Month()), nil
}

func (m *Memory) PreviousMonthRating(ctx context.Context) ([]domain.RatingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	prev := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	return m.ratingLocked(prev.Year(), prev.Month()), nil
}

// RefreshRating is a no-op: the in-memory rating is computed on read.
func (m *Memory) RefreshRating(ctx context.Context) error { return nil }

func (m *Memory) ratingLocked(year int, month time.Month) []domain.RatingRecord {
	byUser := make(map[int64]*domain.RatingRecord)
	for _, d := range m.duels {
		if !d.duel.Completed() {
			continue
		}
		at := d.duel.CompletedAt.UTC()
		if at.Year() != year || at.Month() != month {
			continue
		}
		for _, uid := range d.participants {
			rec, ok := byUser[uid]
			if !ok {
				rec = &domain.RatingRecord{UserID: uid}
				if u, exists := m.users[uid]; exists {
					rec.Fullname = u.ref.Fullname
					rec.StitchesRate = u.rate
				}
				byUser[uid] = rec
			}
			rec.TotalDuelsParticipated++
			if d.duel.WinnerID != nil && *d.duel.WinnerID == uid {
				rec.TotalDuelsWon++
			}
		}
	}
	out := make([]domain.RatingRecord, 0, len(byUser))
	for _, rec := range byUser {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalDuelsWon != out[j].TotalDuelsWon {
			return out[i].TotalDuelsWon > out[j].TotalDuelsWon
		}
		if out[i].TotalDuelsParticipated != out[j].TotalDuelsParticipated {
			return out[i].TotalDuelsParticipated > out[j].TotalDuelsParticipated
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}
