package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/stitchparty/duels-bot/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// Postgres is the production Store backed by lib/pq. Multi-row
// invariants (one active duel per user) are enforced inside
// transactions with per-user advisory locks, so concurrent accepts
// serialize on the users they touch instead of on the whole table.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(databaseURL string) (*Postgres, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// Migrate applies the embedded schema. All statements are idempotent,
// so running it on every start is safe.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (p *Postgres) UserRef(ctx context.Context, userID int64) (*domain.UserRef, error) {
	const query = `SELECT id, fullname FROM users WHERE id = $1`
	var ref domain.UserRef
	err := p.db.QueryRowContext(ctx, query, userID).Scan(&ref.ID, &ref.Fullname)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}
	return &ref, nil
}

func (p *Postgres) AvailableUsers(ctx context.Context) ([]domain.WeeklyCandidate, error) {
	const query = `
		SELECT u.id, u.fullname, u.stitches_rate
		FROM users u
		JOIN user_settings s ON s.user_id = u.id
		WHERE s.duels_enabled
		ORDER BY u.id`
	return p.selectCandidates(ctx, query)
}

func (p *Postgres) WeeklyCandidates(ctx context.Context) ([]domain.WeeklyCandidate, error) {
	const query = `
		SELECT u.id, u.fullname, u.stitches_rate
		FROM users u
		JOIN user_settings s ON s.user_id = u.id
		WHERE s.duels_enabled
		  AND s.weekly_duels_enabled
		  AND NOT EXISTS (
			SELECT 1
			FROM duel_participants dp
			JOIN duels d ON d.id = dp.duel_id
			WHERE dp.user_id = u.id AND d.completed_at IS NULL
		  )
		ORDER BY u.id`
	return p.selectCandidates(ctx, query)
}

func (p *Postgres) selectCandidates(ctx context.Context, query string) ([]domain.WeeklyCandidate, error) {
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}
	defer rows.Close()

	var out []domain.WeeklyCandidate
	for rows.Next() {
		var c domain.WeeklyCandidate
		var rate string
		if err := rows.Scan(&c.ID, &c.Fullname, &rate); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		c.StitchesRate = domain.StitchesRate(rate)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateRequests(ctx context.Context, fromUserID int64, toUserIDs []int64) ([]domain.DuelRequest, error) {
	const query = `
		INSERT INTO duel_requests (from_user_id, to_user_id)
		VALUES ($1, $2)
		ON CONFLICT (from_user_id, to_user_id) DO NOTHING
		RETURNING id, created_at`

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var out []domain.DuelRequest
	for _, to := range toUserIDs {
		req := domain.DuelRequest{FromUserID: fromUserID, ToUserID: to}
		err := tx.QueryRowContext(ctx, query, fromUserID, to).Scan(&req.ID, &req.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("insert duel request: %w", err)
		}
		out = append(out, req)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return out, nil
}

func (p *Postgres) RequestByID(ctx context.Context, id int64) (*domain.DuelRequest, error) {
	const query = `
		SELECT id, from_user_id, to_user_id, created_at, telegram_message_id
		FROM duel_requests
		WHERE id = $1`
	var req domain.DuelRequest
	var msgID sql.NullInt64
	err := p.db.QueryRowContext(ctx, query, id).Scan(
		&req.ID, &req.FromUserID, &req.ToUserID, &req.CreatedAt, &msgID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select duel request: %w", err)
	}
	if msgID.Valid {
		req.MessageID = &msgID.Int64
	}
	return &req, nil
}

func (p *Postgres) RequestsForUser(ctx context.Context, toUserID int64) ([]domain.IncomingRequest, error) {
	const query = `
		SELECT r.id, u.id, u.fullname, r.created_at
		FROM duel_requests r
		JOIN users u ON u.id = r.from_user_id
		WHERE r.to_user_id = $1
		ORDER BY r.id`
	rows, err := p.db.QueryContext(ctx, query, toUserID)
	if err != nil {
		return nil, fmt.Errorf("select incoming requests: %w", err)
	}
	defer rows.Close()

	var out []domain.IncomingRequest
	for rows.Next() {
		var r domain.IncomingRequest
		if err := rows.Scan(&r.ID, &r.FromUser.ID, &r.FromUser.Fullname, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan incoming request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) RemoveRequest(ctx context.Context, id int64) (*domain.RemovedRequest, error) {
	const query = `
		WITH removed AS (
			DELETE FROM duel_requests
			WHERE id = $1
			RETURNING id, from_user_id, to_user_id, telegram_message_id
		)
		SELECT r.id, r.telegram_message_id,
			fu.id, fu.fullname,
			tu.id, tu.fullname
		FROM removed r
		JOIN users fu ON fu.id = r.from_user_id
		JOIN users tu ON tu.id = r.to_user_id`

	var rm domain.RemovedRequest
	var msgID sql.NullInt64
	err := p.db.QueryRowContext(ctx, query, id).Scan(
		&rm.ID, &msgID,
		&rm.FromUser.ID, &rm.FromUser.Fullname,
		&rm.ToUser.ID, &rm.ToUser.Fullname)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("remove duel request: %w", err)
	}
	if msgID.Valid {
		rm.MessageID = &msgID.Int64
	}
	return &rm, nil
}

func (p *Postgres) SetRequestMessageID(ctx context.Context, id int64, messageID int64) error {
	const query = `UPDATE duel_requests SET telegram_message_id = $2 WHERE id = $1`
	if _, err := p.db.ExecContext(ctx, query, id, messageID); err != nil {
		return fmt.Errorf("set request message id: %w", err)
	}
	return nil
}

func (p *Postgres) SiblingRequests(ctx context.Context, fromUserID, excludeID int64) ([]domain.DuelRequest, error) {
	const query = `
		SELECT id, from_user_id, to_user_id, created_at, telegram_message_id
		FROM duel_requests
		WHERE from_user_id = $1 AND id <> $2
		ORDER BY id`
	rows, err := p.db.QueryContext(ctx, query, fromUserID, excludeID)
	if err != nil {
		return nil, fmt.Errorf("select sibling requests: %w", err)
	}
	defer rows.Close()

	var out []domain.DuelRequest
	for rows.Next() {
		var req domain.DuelRequest
		var msgID sql.NullInt64
		if err := rows.Scan(&req.ID, &req.FromUserID, &req.ToUserID, &req.CreatedAt, &msgID); err != nil {
			return nil, fmt.Errorf("scan sibling request: %w", err)
		}
		if msgID.Valid {
			req.MessageID = &msgID.Int64
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateDuel(ctx context.Context, codeword string, userIDs []int64) (*domain.Duel, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	duel, err := createDuelTx(ctx, tx, codeword, userIDs)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return duel, nil
}

func (p *Postgres) CreateWeeklyDuels(ctx context.Context, codeword string, groups [][]int64) ([]domain.Duel, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	out := make([]domain.Duel, 0, len(groups))
	for _, g := range groups {
		duel, err := createDuelTx(ctx, tx, codeword, g)
		if err != nil {
			return nil, err
		}
		out = append(out, *duel)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return out, nil
}

// createDuelTx inserts a duel with its participants after taking
// per-user advisory locks and re-checking that no participant is in
// an active duel. Locking in sorted id order keeps two overlapping
// creates from deadlocking each other.
func createDuelTx(ctx context.Context, tx *sql.Tx, codeword string, userIDs []int64) (*domain.Duel, error) {
	ids := append([]int64(nil), userIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, id); err != nil {
			return nil, fmt.Errorf("advisory lock user %d: %w", id, err)
		}
	}

	const busyQuery = `
		SELECT EXISTS (
			SELECT 1
			FROM duel_participants dp
			JOIN duels d ON d.id = dp.duel_id
			WHERE dp.user_id = $1 AND d.completed_at IS NULL
		)`
	for _, id := range ids {
		var busy bool
		if err := tx.QueryRowContext(ctx, busyQuery, id).Scan(&busy); err != nil {
			return nil, fmt.Errorf("check active duel: %w", err)
		}
		if busy {
			return nil, &BusyError{UserID: id}
		}
	}

	var duel domain.Duel
	duel.Codeword = codeword
	err := tx.QueryRowContext(ctx,
		`INSERT INTO duels (codeword) VALUES ($1) RETURNING id, started_at`,
		codeword).Scan(&duel.ID, &duel.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("insert duel: %w", err)
	}
	for _, id := range userIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO duel_participants (duel_id, user_id) VALUES ($1, $2)`,
			duel.ID, id); err != nil {
			return nil, fmt.Errorf("insert duel participant: %w", err)
		}
	}
	return &duel, nil
}

func (p *Postgres) DuelByID(ctx context.Context, id int64) (*domain.Duel, error) {
	const query = `SELECT id, codeword, started_at, completed_at, winner_id FROM duels WHERE id = $1`
	var d domain.Duel
	var completedAt sql.NullTime
	var winnerID sql.NullInt64
	err := p.db.QueryRowContext(ctx, query, id).Scan(
		&d.ID, &d.Codeword, &d.StartedAt, &completedAt, &winnerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select duel: %w", err)
	}
	if completedAt.Valid {
		d.CompletedAt = &completedAt.Time
	}
	if winnerID.Valid {
		d.WinnerID = &winnerID.Int64
	}
	return &d, nil
}

func (p *Postgres) DuelInfo(ctx context.Context, id int64) (*domain.DuelInfo, error) {
	duel, err := p.DuelByID(ctx, id)
	if err != nil || duel == nil {
		return nil, err
	}
	info := &domain.DuelInfo{
		ID:          duel.ID,
		Codeword:    duel.Codeword,
		StartedAt:   duel.StartedAt,
		CompletedAt: duel.CompletedAt,
	}

	const query = `
		SELECT u.id, u.fullname, r.stitches, r.note
		FROM duel_participants dp
		JOIN users u ON u.id = dp.user_id
		LEFT JOIN duel_reports r ON r.duel_id = dp.duel_id AND r.user_id = dp.user_id
		WHERE dp.duel_id = $1
		ORDER BY u.id`
	rows, err := p.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("select duel participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ref domain.UserRef
		var stitches sql.NullInt64
		var note sql.NullString
		if err := rows.Scan(&ref.ID, &ref.Fullname, &stitches, &note); err != nil {
			return nil, fmt.Errorf("scan duel participant: %w", err)
		}
		info.Participants = append(info.Participants, ref)
		if stitches.Valid {
			info.Reports = append(info.Reports, &domain.ReportData{
				Stitches: int(stitches.Int64),
				Note:     note.String,
			})
		} else {
			info.Reports = append(info.Reports, nil)
		}
	}
	return info, rows.Err()
}

func (p *Postgres) ActiveDuels(ctx context.Context) ([]domain.ActiveDuel, error) {
	const query = `
		SELECT d.id, d.codeword, d.started_at, u.id, u.fullname
		FROM duels d
		JOIN duel_participants dp ON dp.duel_id = d.id
		JOIN users u ON u.id = dp.user_id
		WHERE d.completed_at IS NULL
		ORDER BY d.id, u.id`
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select active duels: %w", err)
	}
	defer rows.Close()

	var out []domain.ActiveDuel
	for rows.Next() {
		var (
			duelID    int64
			codeword  string
			startedAt time.Time
			ref       domain.UserRef
		)
		if err := rows.Scan(&duelID, &codeword, &startedAt, &ref.ID, &ref.Fullname); err != nil {
			return nil, fmt.Errorf("scan active duel: %w", err)
		}
		if len(out) == 0 || out[len(out)-1].ID != duelID {
			out = append(out, domain.ActiveDuel{ID: duelID, Codeword: codeword, StartedAt: startedAt})
		}
		last := &out[len(out)-1]
		last.Participants = append(last.Participants, ref)
	}
	return out, rows.Err()
}

func (p *Postgres) CompletedDuelsByMonth(ctx context.Context, year int, month time.Month) ([]domain.ArchivedDuel, error) {
	const query = `
		SELECT d.id, d.codeword, d.completed_at, d.winner_id, dp.user_id
		FROM duels d
		JOIN duel_participants dp ON dp.duel_id = d.id
		WHERE d.completed_at >= $1 AND d.completed_at < $2
		ORDER BY d.id, dp.user_id`
	from := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	rows, err := p.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("select completed duels: %w", err)
	}
	defer rows.Close()

	var out []domain.ArchivedDuel
	for rows.Next() {
		var (
			duelID      int64
			codeword    string
			completedAt time.Time
			winnerID    sql.NullInt64
			userID      int64
		)
		if err := rows.Scan(&duelID, &codeword, &completedAt, &winnerID, &userID); err != nil {
			return nil, fmt.Errorf("scan completed duel: %w", err)
		}
		if len(out) == 0 || out[len(out)-1].ID != duelID {
			d := domain.ArchivedDuel{ID: duelID, Codeword: codeword, CompletedAt: completedAt}
			if winnerID.Valid {
				d.WinnerID = &winnerID.Int64
			}
			out = append(out, d)
		}
		last := &out[len(out)-1]
		last.Participants = append(last.Participants, userID)
	}
	return out, rows.Err()
}

func (p *Postgres) CompleteDuel(ctx context.Context, duelID int64, winnerID *int64) (bool, error) {
	const query = `
		UPDATE duels
		SET completed_at = NOW(), winner_id = $2
		WHERE id = $1 AND completed_at IS NULL`
	var winner sql.NullInt64
	if winnerID != nil {
		winner = sql.NullInt64{Int64: *winnerID, Valid: true}
	}
	res, err := p.db.ExecContext(ctx, query, duelID, winner)
	if err != nil {
		return false, fmt.Errorf("complete duel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete duel rows: %w", err)
	}
	return n > 0, nil
}

func (p *Postgres) InActiveDuel(ctx context.Context, userID int64) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1
			FROM duel_participants dp
			JOIN duels d ON d.id = dp.duel_id
			WHERE dp.user_id = $1 AND d.completed_at IS NULL
		)`
	var busy bool
	if err := p.db.QueryRowContext(ctx, query, userID).Scan(&busy); err != nil {
		return false, fmt.Errorf("check active duel: %w", err)
	}
	return busy, nil
}

func (p *Postgres) ParticipatesInDuel(ctx context.Context, userID, duelID int64) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM duel_participants WHERE duel_id = $1 AND user_id = $2
		)`
	var ok bool
	if err := p.db.QueryRowContext(ctx, query, duelID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("check duel participation: %w", err)
	}
	return ok, nil
}

func (p *Postgres) UpsertReport(ctx context.Context, duelID, userID int64, stitches int, note string) (*domain.DuelReport, error) {
	const query = `
		INSERT INTO duel_reports (duel_id, user_id, stitches, note)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (duel_id, user_id)
		DO UPDATE SET
			stitches = EXCLUDED.stitches,
			note = EXCLUDED.note,
			updated_at = NOW()
		RETURNING duel_id, user_id, stitches, note, created_at, updated_at`
	var rep domain.DuelReport
	err := p.db.QueryRowContext(ctx, query, duelID, userID, stitches, note).Scan(
		&rep.DuelID, &rep.UserID, &rep.Stitches, &rep.Note, &rep.CreatedAt, &rep.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert duel report: %w", err)
	}
	return &rep, nil
}

func (p *Postgres) Report(ctx context.Context, duelID, userID int64) (*domain.DuelReport, error) {
	const query = `
		SELECT duel_id, user_id, stitches, note, created_at, updated_at
		FROM duel_reports
		WHERE duel_id = $1 AND user_id = $2`
	var rep domain.DuelReport
	err := p.db.QueryRowContext(ctx, query, duelID, userID).Scan(
		&rep.DuelID, &rep.UserID, &rep.Stitches, &rep.Note, &rep.CreatedAt, &rep.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select duel report: %w", err)
	}
	return &rep, nil
}

func (p *Postgres) CurrentRating(ctx context.Context) ([]domain.RatingRecord, error) {
	return p.ratingForMonth(ctx, `date_trunc('month', NOW())`)
}

func (p *Postgres) PreviousMonthRating(ctx context.Context) ([]domain.RatingRecord, error) {
	return p.ratingForMonth(ctx, `date_trunc('month', NOW() - interval '1 month')`)
}

func (p *Postgres) ratingForMonth(ctx context.Context, monthExpr string) ([]domain.RatingRecord, error) {
	query := `
		SELECT user_id, fullname, stitches_rate, total_duels_won, total_duels_participated
		FROM duels_rating
		WHERE month = ` + monthExpr + `
		ORDER BY total_duels_won DESC, total_duels_participated DESC, user_id`
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select rating: %w", err)
	}
	defer rows.Close()

	var out []domain.RatingRecord
	for rows.Next() {
		var rec domain.RatingRecord
		var rate string
		if err := rows.Scan(&rec.UserID, &rec.Fullname, &rate,
			&rec.TotalDuelsWon, &rec.TotalDuelsParticipated); err != nil {
			return nil, fmt.Errorf("scan rating record: %w", err)
		}
		rec.StitchesRate = domain.StitchesRate(rate)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) RefreshRating(ctx context.Context) error {
	// CONCURRENTLY needs the unique index on (month, user_id) but keeps
	// rating reads from blocking while a settlement refreshes.
	if _, err := p.db.ExecContext(ctx, `REFRESH MATERIALIZED VIEW CONCURRENTLY duels_rating`); err != nil {
		return fmt.Errorf("refresh rating view: %w", err)
	}
	return nil
}
