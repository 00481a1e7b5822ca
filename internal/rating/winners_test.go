package rating

import (
	"testing"

	"github.com/stitchparty/duels-bot/internal/domain"
)

func records(wins ...int) []domain.RatingRecord {
	out := make([]domain.RatingRecord, len(wins))
	for i, w := range wins {
		out[i] = domain.RatingRecord{UserID: int64(i + 1), TotalDuelsWon: w}
	}
	return out
}

func TestWinnersEmpty(t *testing.T) {
	if got := Winners(nil); len(got) != 0 {
		t.Fatalf("expected no winners for empty rating, got %v", got)
	}
}

func TestWinnersShortListReturnedWhole(t *testing.T) {
	in := records(5, 2, 0)
	got := Winners(in)
	if len(got) != 3 {
		t.Fatalf("expected all %d entries, got %d", len(in), len(got))
	}
}

func TestWinnersTieWidensSet(t *testing.T) {
	// Top-3 win values are 10, 10, 8; the second 8 ties in.
	got := Winners(records(10, 10, 8, 8, 5))
	if len(got) != 4 {
		t.Fatalf("expected 4 winners, got %d: %v", len(got), got)
	}
	for _, r := range got {
		if r.TotalDuelsWon != 10 && r.TotalDuelsWon != 8 {
			t.Fatalf("unexpected winner with %d wins", r.TotalDuelsWon)
		}
	}
}

func TestWinnersDistinctTopValues(t *testing.T) {
	got := Winners(records(9, 7, 4, 3, 3))
	if len(got) != 3 {
		t.Fatalf("expected exactly the top 3, got %d: %v", len(got), got)
	}
}

func TestWinnersAllTied(t *testing.T) {
	got := Winners(records(2, 2, 2, 2, 2, 2))
	if len(got) != 6 {
		t.Fatalf("expected every tied entry to win, got %d", len(got))
	}
}
