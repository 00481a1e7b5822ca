// Package store is the persistence gateway for the duel core. The
// Store interface enumerates exactly the operations the engine, request
// manager, and rating aggregator need; postgres backs production and
// the in-memory implementation backs tests and local runs.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/stitchparty/duels-bot/internal/domain"
)

// BusyError reports that a duel could not be created because one of its
// would-be participants is already in an active duel. The check runs
// inside the same transaction as the insert, so two concurrent accepts
// cannot both pass it.
type BusyError struct {
	UserID int64
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("user %d already participates in an active duel", e.UserID)
}

// Store is the transactional persistence port. Lookup methods return
// (nil, nil) when the row does not exist; callers must handle the
// missing branch explicitly.
type Store interface {
	// Users.
	UserRef(ctx context.Context, userID int64) (*domain.UserRef, error)
	AvailableUsers(ctx context.Context) ([]domain.WeeklyCandidate, error)
	WeeklyCandidates(ctx context.Context) ([]domain.WeeklyCandidate, error)

	// Duel requests. CreateRequests silently skips targets that already
	// have a pending request from the sender and returns only the rows
	// actually created. RemoveRequest is atomic delete-and-return; it
	// returns (nil, nil) when the request is already gone.
	CreateRequests(ctx context.Context, fromUserID int64, toUserIDs []int64) ([]domain.DuelRequest, error)
	RequestByID(ctx context.Context, id int64) (*domain.DuelRequest, error)
	RequestsForUser(ctx context.Context, toUserID int64) ([]domain.IncomingRequest, error)
	RemoveRequest(ctx context.Context, id int64) (*domain.RemovedRequest, error)
	SetRequestMessageID(ctx context.Context, id int64, messageID int64) error
	SiblingRequests(ctx context.Context, fromUserID, excludeID int64) ([]domain.DuelRequest, error)

	// Duels. CreateDuel and CreateWeeklyDuels fail with *BusyError when
	// a participant is already in an active duel. CompleteDuel sets the
	// completion exactly once and reports whether this call won it;
	// false means the duel was already completed or does not exist.
	CreateDuel(ctx context.Context, codeword string, userIDs []int64) (*domain.Duel, error)
	CreateWeeklyDuels(ctx context.Context, codeword string, groups [][]int64) ([]domain.Duel, error)
	DuelByID(ctx context.Context, id int64) (*domain.Duel, error)
	DuelInfo(ctx context.Context, id int64) (*domain.DuelInfo, error)
	ActiveDuels(ctx context.Context) ([]domain.ActiveDuel, error)
	CompletedDuelsByMonth(ctx context.Context, year int, month time.Month) ([]domain.ArchivedDuel, error)
	CompleteDuel(ctx context.Context, duelID int64, winnerID *int64) (bool, error)
	InActiveDuel(ctx context.Context, userID int64) (bool, error)
	ParticipatesInDuel(ctx context.Context, userID, duelID int64) (bool, error)

	// Reports.
	UpsertReport(ctx context.Context, duelID, userID int64, stitches int, note string) (*domain.DuelReport, error)
	Report(ctx context.Context, duelID, userID int64) (*domain.DuelReport, error)

	// Rating.
	CurrentRating(ctx context.Context) ([]domain.RatingRecord, error)
	PreviousMonthRating(ctx context.Context) ([]domain.RatingRecord, error)
	RefreshRating(ctx context.Context) error
}
