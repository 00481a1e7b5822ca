// Package pairing builds the weekly random duel groups. It is pure: all
// randomness comes from the caller-supplied source, so tests can pin the
// outcome.
package pairing

import (
	"errors"
	"math/rand"

	"github.com/stitchparty/duels-bot/internal/domain"
)

var ErrNotEnoughUsers = errors.New("not enough users to create pairs")

// Pair groups the candidates into duel pairs. Users are partitioned by
// stitches rate and paired within their tier; a tier's single leftover
// carries into the next tier's pool, so at most one leftover is in
// flight. Every candidate ends up in exactly one group; all groups have
// size 2 except at most one of size 3 when the total count is odd.
func Pair(users []domain.WeeklyCandidate, rnd *rand.Rand) ([][]domain.WeeklyCandidate, error) {
	if len(users) < 2 {
		return nil, ErrNotEnoughUsers
	}

	tiers := make(map[domain.StitchesRate][]domain.WeeklyCandidate)
	for _, u := range users {
		rate := u.StitchesRate
		if _, ok := domain.ParseStitchesRate(string(rate)); !ok {
			// A tier the loop below never visits would drop the user.
			rate = domain.RateSteady
		}
		tiers[rate] = append(tiers[rate], u)
	}

	var pairs [][]domain.WeeklyCandidate
	var pool []domain.WeeklyCandidate

	for _, rate := range domain.StitchesRates {
		group := append([]domain.WeeklyCandidate(nil), tiers[rate]...)
		rnd.Shuffle(len(group), func(i, j int) {
			group[i], group[j] = group[j], group[i]
		})

		// Merge the carried leftover before pairing this tier.
		group = append(group, pool...)
		pool = nil

		for len(group) >= 2 {
			n := len(group)
			pairs = append(pairs, []domain.WeeklyCandidate{group[n-1], group[n-2]})
			group = group[:n-2]
		}
		if len(group) == 1 {
			pool = group
		}
	}

	switch {
	case len(pool) >= 2:
		// Only reachable when every tier resolved to a leftover; they
		// form one final cross-tier group.
		pairs = append(pairs, pool)
	case len(pool) == 1:
		last := pairs[len(pairs)-1]
		if len(last) == 2 {
			pairs[len(pairs)-1] = append(last, pool[0])
		} else {
			// The last group is already a triple: split one member off
			// to pair with the leftover instead of growing to four.
			pairs[len(pairs)-1] = last[:2]
			pairs = append(pairs, []domain.WeeklyCandidate{last[2], pool[0]})
		}
	}

	return pairs, nil
}
