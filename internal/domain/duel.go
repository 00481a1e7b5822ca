package domain

import "time"

// DuelRequest is a time-limited proposal from one user to another.
// MessageID holds the outward notification marker (when the target was
// notified) so the message can be edited if the request is invalidated.
type DuelRequest struct {
	ID         int64
	FromUserID int64
	ToUserID   int64
	CreatedAt  time.Time
	MessageID  *int64
}

// RemovedRequest is what an atomic request removal returns: both parties
// resolved to their identities plus the notification marker, or nothing
// when the request was already gone.
type RemovedRequest struct {
	ID        int64
	FromUser  UserRef
	ToUser    UserRef
	MessageID *int64
}

// IncomingRequest is a pending request as shown to its target.
type IncomingRequest struct {
	ID        int64
	FromUser  UserRef
	CreatedAt time.Time
}

// Duel is a timed contest between paired users. CompletedAt and WinnerID
// are set exactly once; a nil WinnerID on a completed duel means nobody
// reported progress.
type Duel struct {
	ID          int64
	Codeword    string
	StartedAt   time.Time
	CompletedAt *time.Time
	WinnerID    *int64
}

func (d *Duel) Completed() bool { return d.CompletedAt != nil }

// DuelReport is a participant's progress report. One row per
// (duel, user); resubmission replaces the previous content.
type DuelReport struct {
	DuelID    int64
	UserID    int64
	Stitches  int
	Note      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReportData is the report payload as loaded alongside a duel. Nil in a
// DuelInfo slot means the participant never submitted one.
type ReportData struct {
	Stitches int
	Note     string
}

// DuelInfo is a duel with its participants and their reports.
// Reports[i] belongs to Participants[i].
type DuelInfo struct {
	ID           int64
	Codeword     string
	StartedAt    time.Time
	CompletedAt  *time.Time
	Participants []UserRef
	Reports      []*ReportData
}

// ActiveDuel is a running duel with its participants, for listing.
type ActiveDuel struct {
	ID           int64
	Codeword     string
	StartedAt    time.Time
	Participants []UserRef
}

// ArchivedDuel is a completed duel in the monthly archive.
type ArchivedDuel struct {
	ID           int64
	Codeword     string
	CompletedAt  time.Time
	WinnerID     *int64
	Participants []int64
}

// RatingRecord is one user's aggregate standing over a rating period.
type RatingRecord struct {
	UserID                 int64
	Fullname               string
	StitchesRate           StitchesRate
	TotalDuelsWon          int
	TotalDuelsParticipated int
}
