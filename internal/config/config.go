package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	TelegramBotToken  string
	AnnounceChatID    int64
	NoReportStickerID string

	RedisURL    string
	DatabaseURL string

	MessageOverrideDir string

	DuelPeriod        time.Duration
	RequestValidity   time.Duration
	ReminderOffsets   []time.Duration
	WeeklyStagger     time.Duration
	PhotoCleanupDelay time.Duration

	// Cron expressions in UTC. The weekly one fires right after the
	// blackout window ends; the monthly one publishes last month's
	// standings.
	WeeklyCron  string
	MonthlyCron string

	NotifyMarkerless bool

	S3Endpoint        string
	S3Region          string
	S3Bucket          string
	S3AccessKeyID     string
	S3AccessKeySecret string
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		DuelPeriod:        24 * time.Hour,
		RequestValidity:   time.Hour,
		ReminderOffsets:   []time.Duration{20 * time.Hour, 23 * time.Hour, 23*time.Hour + 45*time.Minute},
		WeeklyStagger:     30 * time.Second,
		PhotoCleanupDelay: 7 * 24 * time.Hour,
		WeeklyCron:        "0 7 * * 6",
		MonthlyCron:       "0 9 1 * *",
	}

	cfg.TelegramBotToken = strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))
	cfg.NoReportStickerID = strings.TrimSpace(os.Getenv("NO_REPORT_STICKER_ID"))

	if v := strings.TrimSpace(os.Getenv("ANNOUNCE_CHAT_ID")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, errors.New("ANNOUNCE_CHAT_ID must be an integer chat id")
		}
		cfg.AnnounceChatID = n
	}

	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.MessageOverrideDir = strings.TrimSpace(os.Getenv("MESSAGE_OVERRIDE_DIR"))

	if d, ok, err := envDuration("DUEL_PERIOD"); err != nil {
		return nil, err
	} else if ok {
		cfg.DuelPeriod = d
	}
	if d, ok, err := envDuration("DUEL_REQUEST_VALIDITY"); err != nil {
		return nil, err
	} else if ok {
		cfg.RequestValidity = d
	}
	if d, ok, err := envDuration("WEEKLY_STAGGER"); err != nil {
		return nil, err
	} else if ok {
		cfg.WeeklyStagger = d
	}
	if d, ok, err := envDuration("PHOTO_CLEANUP_DELAY"); err != nil {
		return nil, err
	} else if ok {
		cfg.PhotoCleanupDelay = d
	}
	if v := strings.TrimSpace(os.Getenv("REMINDER_OFFSETS")); v != "" {
		var offsets []time.Duration
		for _, p := range strings.Split(v, ",") {
			s := strings.TrimSpace(p)
			if s == "" {
				continue
			}
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, errors.New("REMINDER_OFFSETS must be comma-separated durations")
			}
			offsets = append(offsets, d)
		}
		cfg.ReminderOffsets = offsets
	}

	if v := strings.TrimSpace(os.Getenv("WEEKLY_CRON")); v != "" {
		cfg.WeeklyCron = v
	}
	if v := strings.TrimSpace(os.Getenv("MONTHLY_CRON")); v != "" {
		cfg.MonthlyCron = v
	}

	if v := strings.TrimSpace(os.Getenv("NOTIFY_MARKERLESS")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.NotifyMarkerless = b
		}
	}

	cfg.S3Endpoint = strings.TrimSpace(os.Getenv("S3_ENDPOINT"))
	cfg.S3Region = strings.TrimSpace(os.Getenv("S3_REGION"))
	cfg.S3Bucket = strings.TrimSpace(os.Getenv("S3_BUCKET"))
	cfg.S3AccessKeyID = strings.TrimSpace(os.Getenv("S3_ACCESS_KEY_ID"))
	cfg.S3AccessKeySecret = strings.TrimSpace(os.Getenv("S3_ACCESS_KEY_SECRET"))

	if cfg.TelegramBotToken == "" {
		return nil, errors.New("TELEGRAM_BOT_TOKEN is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}

	return cfg, nil
}

func envDuration(key string) (time.Duration, bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false, errors.New(key + " must be a duration like 24h or 45m")
	}
	return d, true, nil
}
