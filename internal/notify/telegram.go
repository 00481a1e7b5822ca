// Package notify renders catalog messages and delivers them over the
// Telegram Bot API. Direct messages go to the participant's own chat;
// duel results and monthly standings go to the announcement chat.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stitchparty/duels-bot/internal/domain"
	"github.com/stitchparty/duels-bot/internal/msgcat"
)

// Sender is the slice of the Telegram client the notifier uses.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) (int64, error)
	EditMessageText(ctx context.Context, chatID, messageID int64, text string) error
	SendSticker(ctx context.Context, chatID int64, stickerID string) error
	SendPhoto(ctx context.Context, chatID int64, photo []byte, caption string) (int64, error)
}

// Telegram delivers duel notifications. A zero AnnounceChatID disables
// the announcement posts but keeps direct messages working.
type Telegram struct {
	sender   Sender
	cat      *msgcat.Catalog
	announce int64
	sticker  string
}

func NewTelegram(sender Sender, cat *msgcat.Catalog, announceChatID int64, noReportStickerID string) *Telegram {
	return &Telegram{sender: sender, cat: cat, announce: announceChatID, sticker: noReportStickerID}
}

func (t *Telegram) render(key string, data any) (string, error) {
	text, err := t.cat.Render(key, data)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", key, err)
	}
	return text, nil
}

// RequestCreated tells the target about a new duel request and returns
// the id of the delivered message.
func (t *Telegram) RequestCreated(ctx context.Context, req domain.DuelRequest, from domain.UserRef, validity time.Duration) (int64, error) {
	text, err := t.render("duel.request.created", map[string]any{
		"FromName":  from.Fullname,
		"Validity":  validity.String(),
		"RequestID": req.ID,
	})
	if err != nil {
		return 0, err
	}
	return t.sender.SendMessage(ctx, req.ToUserID, text)
}

// RequestDeclined tells the sender their request was turned down.
func (t *Telegram) RequestDeclined(ctx context.Context, rm *domain.RemovedRequest) error {
	return t.sendToUser(ctx, rm.FromUser.ID, "duel.request.declined", map[string]any{
		"ToName": rm.ToUser.Fullname,
	})
}

// RequestExpired tells the sender their request ran out unanswered.
func (t *Telegram) RequestExpired(ctx context.Context, rm *domain.RemovedRequest) error {
	return t.sendToUser(ctx, rm.FromUser.ID, "duel.request.expired", map[string]any{
		"ToName": rm.ToUser.Fullname,
	})
}

// RequestWithdrawn tells the sender their request was withdrawn
// because the target is already dueling.
func (t *Telegram) RequestWithdrawn(ctx context.Context, rm *domain.RemovedRequest) error {
	return t.sendToUser(ctx, rm.FromUser.ID, "duel.request.busy", map[string]any{
		"ToName": rm.ToUser.Fullname,
	})
}

// InvalidateRequestMessage rewrites the original request notification
// so a stale accept command is not left dangling in the target's chat.
// When the request was never delivered, the text is sent fresh instead.
func (t *Telegram) InvalidateRequestMessage(ctx context.Context, rm *domain.RemovedRequest) error {
	text, err := t.render("duel.request.invalidated", nil)
	if err != nil {
		return err
	}
	if rm.MessageID == nil {
		_, err := t.sender.SendMessage(ctx, rm.ToUser.ID, text)
		return err
	}
	return t.sender.EditMessageText(ctx, rm.ToUser.ID, *rm.MessageID, text)
}

// DuelStarted messages every participant with the codeword and the
// deadline.
func (t *Telegram) DuelStarted(ctx context.Context, duel domain.Duel, participants []domain.UserRef, deadline time.Time) error {
	names := make([]string, 0, len(participants))
	for _, p := range participants {
		names = append(names, p.Fullname)
	}
	text, err := t.render("duel.started", map[string]any{
		"Codeword":  duel.Codeword,
		"Opponents": strings.Join(names, " vs "),
		"Deadline":  formatDeadline(deadline),
	})
	if err != nil {
		return err
	}
	var firstErr error
	for _, p := range participants {
		if _, err := t.sender.SendMessage(ctx, p.ID, text); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WeeklyDuelsStarted posts one announcement for the whole weekly batch.
func (t *Telegram) WeeklyDuelsStarted(ctx context.Context, codeword string, deadline time.Time, pairs [][]domain.UserRef) error {
	if t.announce == 0 {
		return nil
	}
	head, err := t.render("duel.weekly.header", map[string]any{
		"Codeword": codeword,
		"Deadline": formatDeadline(deadline),
	})
	if err != nil {
		return err
	}
	lines := []string{head}
	for _, pair := range pairs {
		names := make([]string, 0, len(pair))
		for _, p := range pair {
			names = append(names, p.Fullname)
		}
		line, err := t.render("duel.weekly.pair_line", map[string]any{
			"Names": strings.Join(names, " vs "),
		})
		if err != nil {
			return err
		}
		lines = append(lines, line)
	}
	_, err = t.sender.SendMessage(ctx, t.announce, strings.Join(lines, "\n"))
	return err
}

// ReportReminder nudges one participant before the deadline.
func (t *Telegram) ReportReminder(ctx context.Context, duelID int64, codeword string, user domain.UserRef, deadline time.Time) error {
	return t.sendToUser(ctx, user.ID, "duel.reminder", map[string]any{
		"Codeword": codeword,
		"Deadline": formatDeadline(deadline),
		"DuelID":   duelID,
	})
}

// ReportSaved sends the participant a preview of their stored report.
func (t *Telegram) ReportSaved(ctx context.Context, user domain.UserRef, codeword string, report domain.ReportData) error {
	return t.sendToUser(ctx, user.ID, "duel.report.saved", map[string]any{
		"Codeword": codeword,
		"Stitches": report.Stitches,
		"Note":     report.Note,
	})
}

// DuelCompleted posts the outcome to the announcement chat, attaches
// the report photos, and sends the shame sticker to participants who
// never reported.
func (t *Telegram) DuelCompleted(ctx context.Context, info *domain.DuelInfo, winner *domain.UserRef, photos [][]byte) error {
	var lines []string
	key := "duel.completed.no_winner"
	data := map[string]any{"Codeword": info.Codeword}
	if winner != nil {
		key = "duel.completed.winner"
		data["WinnerName"] = winner.Fullname
	}
	head, err := t.render(key, data)
	if err != nil {
		return err
	}
	lines = append(lines, head)

	for i, p := range info.Participants {
		var line string
		var rerr error
		if rep := info.Reports[i]; rep != nil {
			line, rerr = t.render("duel.completed.report_line", map[string]any{
				"Name": p.Fullname, "Stitches": rep.Stitches, "Note": rep.Note,
			})
		} else {
			line, rerr = t.render("duel.completed.no_report_line", map[string]any{"Name": p.Fullname})
		}
		if rerr != nil {
			return rerr
		}
		lines = append(lines, line)
	}

	var firstErr error
	if t.announce != 0 {
		if _, err := t.sender.SendMessage(ctx, t.announce, strings.Join(lines, "\n")); err != nil {
			firstErr = err
		}
		for _, photo := range photos {
			if _, err := t.sender.SendPhoto(ctx, t.announce, photo, info.Codeword); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if t.sticker != "" {
		for i, p := range info.Participants {
			if info.Reports[i] != nil {
				continue
			}
			if err := t.sender.SendSticker(ctx, p.ID, t.sticker); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// PostMonthlyRating publishes the standings for a finished month with
// its winner set.
func (t *Telegram) PostMonthlyRating(ctx context.Context, year int, month time.Month, rating []domain.RatingRecord, winners []domain.RatingRecord) error {
	if t.announce == 0 {
		return nil
	}
	head, err := t.render("rating.monthly.header", map[string]any{
		"Month": month.String(), "Year": year,
	})
	if err != nil {
		return err
	}
	lines := []string{head}
	for i, rec := range rating {
		line, err := t.render("rating.monthly.line", map[string]any{
			"Place": i + 1, "Name": rec.Fullname,
			"Won": rec.TotalDuelsWon, "Played": rec.TotalDuelsParticipated,
		})
		if err != nil {
			return err
		}
		lines = append(lines, line)
	}
	if len(winners) > 0 {
		names := make([]string, 0, len(winners))
		for _, w := range winners {
			names = append(names, w.Fullname)
		}
		tail, err := t.render("rating.monthly.winners", map[string]any{
			"Names": strings.Join(names, ", "),
		})
		if err != nil {
			return err
		}
		lines = append(lines, tail)
	}
	_, err = t.sender.SendMessage(ctx, t.announce, strings.Join(lines, "\n"))
	return err
}

func (t *Telegram) sendToUser(ctx context.Context, userID int64, key string, data any) error {
	text, err := t.render(key, data)
	if err != nil {
		return err
	}
	_, err = t.sender.SendMessage(ctx, userID, text)
	return err
}

func formatDeadline(t time.Time) string {
	return t.UTC().Format("Mon, Jan 2 15:04 UTC")
}
