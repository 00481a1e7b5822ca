// Package tasks schedules delayed work (duel completion, request
// expiry, report reminders, photo cleanup) on a redis sorted set. The
// queue delivers at least once, so every handler must tolerate firing
// for work that is already done.
package tasks

// Kind names a task handler. The string value is persisted in redis,
// so renaming a kind orphans its scheduled tasks.
type Kind string

const (
	KindCompleteDuel         Kind = "complete-duel"
	KindRemoveExpiredRequest Kind = "remove-expired-request"
	KindReportReminder       Kind = "report-reminder"
	KindCleanupReportPhotos  Kind = "cleanup-report-photos"
)

// DuelTask targets a single duel. Used by duel completion and photo
// cleanup.
type DuelTask struct {
	DuelID int64 `json:"duel_id"`
}

// RequestTask targets a pending duel request for expiry.
type RequestTask struct {
	RequestID int64 `json:"request_id"`
}

// ReminderTask targets one participant of a running duel.
type ReminderTask struct {
	DuelID int64 `json:"duel_id"`
	UserID int64 `json:"user_id"`
}
