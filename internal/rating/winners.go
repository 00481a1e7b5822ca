package rating

import "github.com/stitchparty/duels-bot/internal/domain"

// Winners selects the celebrated entries from a rating list sorted by
// total duels won (descending). The top 3 positions win, plus anyone
// whose win count matches any of those positions, so ties widen the set
// past three.
func Winners(rating []domain.RatingRecord) []domain.RatingRecord {
	if len(rating) == 0 {
		return nil
	}
	if len(rating) <= 3 {
		out := make([]domain.RatingRecord, len(rating))
		copy(out, rating)
		return out
	}

	winCounts := make(map[int]struct{}, 3)
	for _, r := range rating[:3] {
		winCounts[r.TotalDuelsWon] = struct{}{}
	}

	var out []domain.RatingRecord
	for _, r := range rating {
		if _, ok := winCounts[r.TotalDuelsWon]; ok {
			out = append(out, r)
		}
	}
	return out
}
