package pairing

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stitchparty/duels-bot/internal/domain"
)

func candidates(n int) []domain.WeeklyCandidate {
	rates := domain.StitchesRates
	out := make([]domain.WeeklyCandidate, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, domain.WeeklyCandidate{
			UserRef:      domain.UserRef{ID: int64(i + 1), Fullname: fmt.Sprintf("user-%d", i+1)},
			StitchesRate: rates[i%len(rates)],
		})
	}
	return out
}

func checkCoverage(t *testing.T, users []domain.WeeklyCandidate, groups [][]domain.WeeklyCandidate) {
	t.Helper()
	seen := make(map[int64]int)
	for _, g := range groups {
		for _, u := range g {
			seen[u.ID]++
		}
	}
	if len(seen) != len(users) {
		t.Fatalf("expected %d distinct users across groups, got %d", len(users), len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("user %d appears %d times", id, n)
		}
	}
}

func TestPairEvenCount(t *testing.T) {
	for _, n := range []int{2, 4, 6, 12, 40} {
		users := candidates(n)
		groups, err := Pair(users, rand.New(rand.NewSource(1)))
		if err != nil {
			t.Fatalf("Pair(%d): %v", n, err)
		}
		if len(groups) != n/2 {
			t.Fatalf("Pair(%d): expected %d groups, got %d", n, n/2, len(groups))
		}
		for i, g := range groups {
			if len(g) != 2 {
				t.Fatalf("Pair(%d): group %d has size %d", n, i, len(g))
			}
		}
		checkCoverage(t, users, groups)
	}
}

func TestPairOddCount(t *testing.T) {
	for _, n := range []int{3, 5, 7, 13, 41} {
		users := candidates(n)
		groups, err := Pair(users, rand.New(rand.NewSource(7)))
		if err != nil {
			t.Fatalf("Pair(%d): %v", n, err)
		}
		triples := 0
		for _, g := range groups {
			switch len(g) {
			case 2:
			case 3:
				triples++
			default:
				t.Fatalf("Pair(%d): unexpected group size %d", n, len(g))
			}
		}
		if triples != 1 {
			t.Fatalf("Pair(%d): expected exactly one group of 3, got %d", n, triples)
		}
		checkCoverage(t, users, groups)
	}
}

func TestPairTooFewUsers(t *testing.T) {
	if _, err := Pair(nil, rand.New(rand.NewSource(1))); err != ErrNotEnoughUsers {
		t.Fatalf("expected ErrNotEnoughUsers for empty input, got %v", err)
	}
	if _, err := Pair(candidates(1), rand.New(rand.NewSource(1))); err != ErrNotEnoughUsers {
		t.Fatalf("expected ErrNotEnoughUsers for a single user, got %v", err)
	}
}

func TestPairSingleUserTiersCrossPair(t *testing.T) {
	// One user per tier: two carried leftovers plus the last tier's user
	// must still all end up covered.
	users := []domain.WeeklyCandidate{
		{UserRef: domain.UserRef{ID: 1}, StitchesRate: domain.RateRelaxed},
		{UserRef: domain.UserRef{ID: 2}, StitchesRate: domain.RateIntense},
	}
	groups, err := Pair(users, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	if len(groups) != 1 || len(groups[0]) != 2 {
		t.Fatalf("expected one cross-tier pair, got %v", groups)
	}
	checkCoverage(t, users, groups)
}

func TestPairLeftoverCarriesToNextTier(t *testing.T) {
	// Three relaxed users and two steady: the relaxed leftover joins the
	// steady pool, so no triple is needed until the count is odd overall.
	users := []domain.WeeklyCandidate{
		{UserRef: domain.UserRef{ID: 1}, StitchesRate: domain.RateRelaxed},
		{UserRef: domain.UserRef{ID: 2}, StitchesRate: domain.RateRelaxed},
		{UserRef: domain.UserRef{ID: 3}, StitchesRate: domain.RateRelaxed},
		{UserRef: domain.UserRef{ID: 4}, StitchesRate: domain.RateSteady},
		{UserRef: domain.UserRef{ID: 5}, StitchesRate: domain.RateSteady},
		{UserRef: domain.UserRef{ID: 6}, StitchesRate: domain.RateSteady},
	}
	groups, err := Pair(users, rand.New(rand.NewSource(11)))
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	if len(groups) != 3 {
		t.Fatalf("expected 3 pairs, got %d: %v", len(groups), groups)
	}
	for _, g := range groups {
		if len(g) != 2 {
			t.Fatalf("expected only pairs for an even count, got group of %d", len(g))
		}
	}
	checkCoverage(t, users, groups)
}

func TestPairUnknownTierStillCovered(t *testing.T) {
	// A tier string outside the known set must not drop its users; they
	// fold into the steady tier.
	users := []domain.WeeklyCandidate{
		{UserRef: domain.UserRef{ID: 1}, StitchesRate: domain.RateSteady},
		{UserRef: domain.UserRef{ID: 2}, StitchesRate: domain.StitchesRate("frantic")},
		{UserRef: domain.UserRef{ID: 3}, StitchesRate: domain.StitchesRate("")},
		{UserRef: domain.UserRef{ID: 4}, StitchesRate: domain.RateIntense},
	}
	groups, err := Pair(users, rand.New(rand.NewSource(5)))
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("expected 2 pairs, got %d: %v", len(groups), groups)
	}
	checkCoverage(t, users, groups)
}

func TestPairRandomizedPerCall(t *testing.T) {
	users := candidates(20)
	a, err := Pair(users, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	b, err := Pair(users, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	key := func(groups [][]domain.WeeklyCandidate) string {
		s := ""
		for _, g := range groups {
			for _, u := range g {
				s += fmt.Sprintf("%d,", u.ID)
			}
			s += ";"
		}
		return s
	}
	if key(a) == key(b) {
		t.Fatalf("expected different seeds to yield different groupings")
	}
}
