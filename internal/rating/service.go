package rating

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stitchparty/duels-bot/internal/domain"
	"github.com/stitchparty/duels-bot/internal/obslog"
	"github.com/stitchparty/duels-bot/internal/store"
)

// Publisher posts rating standings to the announcement channel. Posting
// is best-effort; the service logs failures and keeps going.
type Publisher interface {
	PostMonthlyRating(ctx context.Context, year int, month time.Month, rating []domain.RatingRecord, winners []domain.RatingRecord) error
}

// Service aggregates duel outcomes into user standings and publishes
// the monthly digest.
type Service struct {
	store store.Store
	pub   Publisher
}

func NewService(st store.Store, pub Publisher) *Service {
	return &Service{store: st, pub: pub}
}

// Current returns the standings for the running calendar month, best
// first.
func (s *Service) Current(ctx context.Context) ([]domain.RatingRecord, error) {
	recs, err := s.store.CurrentRating(ctx)
	if err != nil {
		return nil, fmt.Errorf("load current rating: %w", err)
	}
	return recs, nil
}

// PreviousMonth returns the standings for the last finished calendar
// month.
func (s *Service) PreviousMonth(ctx context.Context) ([]domain.RatingRecord, error) {
	recs, err := s.store.PreviousMonthRating(ctx)
	if err != nil {
		return nil, fmt.Errorf("load previous month rating: %w", err)
	}
	return recs, nil
}

// Refresh recomputes the rating aggregate from completed duels. Called
// after every duel completion so reads stay cheap.
func (s *Service) Refresh(ctx context.Context) error {
	if err := s.store.RefreshRating(ctx); err != nil {
		return fmt.Errorf("refresh rating: %w", err)
	}
	return nil
}

// PublishPreviousMonth posts the previous month's standings with its
// winner set. An empty month is skipped without posting.
func (s *Service) PublishPreviousMonth(ctx context.Context, now time.Time) error {
	recs, err := s.PreviousMonth(ctx)
	if err != nil {
		return err
	}
	// Last day of the previous month; AddDate on the raw time would
	// normalize the 31st into the wrong month.
	now = now.UTC()
	prev := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	if len(recs) == 0 {
		obslog.L().Info("monthly rating empty, skipping publish",
			zap.Int("year", prev.Year()), zap.Int("month", int(prev.Month())))
		return nil
	}
	if err := s.pub.PostMonthlyRating(ctx, prev.Year(), prev.Month(), recs, Winners(recs)); err != nil {
		return fmt.Errorf("publish monthly rating: %w", err)
	}
	obslog.L().Info("monthly rating published",
		zap.Int("year", prev.Year()), zap.Int("month", int(prev.Month())),
		zap.Int("records", len(recs)))
	return nil
}
