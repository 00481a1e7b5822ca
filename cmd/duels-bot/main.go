package main

import (
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	appcfg "github.com/stitchparty/duels-bot/internal/config"
	"github.com/stitchparty/duels-bot/internal/duel"
	"github.com/stitchparty/duels-bot/internal/duelreq"
	"github.com/stitchparty/duels-bot/internal/media"
	"github.com/stitchparty/duels-bot/internal/msgcat"
	"github.com/stitchparty/duels-bot/internal/notify"
	"github.com/stitchparty/duels-bot/internal/obslog"
	"github.com/stitchparty/duels-bot/internal/rating"
	"github.com/stitchparty/duels-bot/internal/store"
	"github.com/stitchparty/duels-bot/internal/tasks"
	"github.com/stitchparty/duels-bot/internal/telegram"
)

func main() {
	_ = godotenv.Load()

	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence. Without a DATABASE_URL everything lives in memory,
	// which is good enough for local runs.
	var st store.Store
	var pg *store.Postgres
	if cfg.DatabaseURL != "" {
		pg, err = store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres init error: %v", err)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalf("postgres migrate error: %v", err)
		}
		st = pg
	} else {
		obslog.L().Warn("DATABASE_URL not set, using in-memory store")
		st = store.NewMemory()
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis url error: %v", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	cat, err := msgcat.New(cfg.MessageOverrideDir)
	if err != nil {
		log.Fatalf("message catalog error: %v", err)
	}

	var photos media.Store
	if cfg.S3Bucket != "" {
		photos, err = media.NewS3(ctx, media.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			AccessKeyID:     cfg.S3AccessKeyID,
			AccessKeySecret: cfg.S3AccessKeySecret,
		})
		if err != nil {
			log.Fatalf("media store init error: %v", err)
		}
	} else {
		obslog.L().Warn("S3_BUCKET not set, report photos kept in memory")
		photos = media.NewMemory()
	}

	tg := telegram.NewClient(cfg.TelegramBotToken)
	notifier := notify.NewTelegram(tg, cat, cfg.AnnounceChatID, cfg.NoReportStickerID)

	queue := tasks.NewQueue(rdb)
	runner := tasks.NewRunner(queue)

	ratingSvc := rating.NewService(st, notifier)
	engine := duel.NewEngine(st, queue, notifier, ratingSvc, photos, duel.Config{
		DuelPeriod:        cfg.DuelPeriod,
		ReminderOffsets:   cfg.ReminderOffsets,
		WeeklyStagger:     cfg.WeeklyStagger,
		PhotoCleanupDelay: cfg.PhotoCleanupDelay,
	}, rand.New(rand.NewSource(time.Now().UnixNano())))
	requests := duelreq.NewManager(st, queue, notifier, engine, duelreq.DefaultBlackout, cfg.RequestValidity)
	requests.NotifyMarkerless = cfg.NotifyMarkerless

	runner.Register(tasks.KindCompleteDuel, func(ctx context.Context, payload json.RawMessage) error {
		var t tasks.DuelTask
		if err := json.Unmarshal(payload, &t); err != nil {
			return err
		}
		return engine.Complete(ctx, t.DuelID)
	})
	runner.Register(tasks.KindReportReminder, func(ctx context.Context, payload json.RawMessage) error {
		var t tasks.ReminderTask
		if err := json.Unmarshal(payload, &t); err != nil {
			return err
		}
		return engine.Remind(ctx, t.DuelID, t.UserID)
	})
	runner.Register(tasks.KindRemoveExpiredRequest, func(ctx context.Context, payload json.RawMessage) error {
		var t tasks.RequestTask
		if err := json.Unmarshal(payload, &t); err != nil {
			return err
		}
		return requests.Expire(ctx, t.RequestID)
	})
	runner.Register(tasks.KindCleanupReportPhotos, func(ctx context.Context, payload json.RawMessage) error {
		var t tasks.DuelTask
		if err := json.Unmarshal(payload, &t); err != nil {
			return err
		}
		return engine.CleanupPhotos(ctx, t.DuelID)
	})

	sched, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		log.Fatalf("scheduler init error: %v", err)
	}
	if _, err := sched.NewJob(
		gocron.CronJob(cfg.WeeklyCron, false),
		gocron.NewTask(func() {
			if _, err := engine.StartWeekly(context.Background()); err != nil {
				obslog.L().Error("weekly duels", zap.Error(err))
			}
		}),
	); err != nil {
		log.Fatalf("weekly job error: %v", err)
	}
	if _, err := sched.NewJob(
		gocron.CronJob(cfg.MonthlyCron, false),
		gocron.NewTask(func() {
			if err := ratingSvc.PublishPreviousMonth(context.Background(), time.Now()); err != nil {
				obslog.L().Error("monthly rating", zap.Error(err))
			}
		}),
	); err != nil {
		log.Fatalf("monthly job error: %v", err)
	}
	sched.Start()

	go func() {
		if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
			obslog.L().Error("task runner stopped", zap.Error(err))
		}
	}()

	obslog.L().Info("duels bot started",
		zap.String("weekly_cron", cfg.WeeklyCron),
		zap.String("monthly_cron", cfg.MonthlyCron))

	<-ctx.Done()
	if err := sched.Shutdown(); err != nil {
		obslog.L().Warn("scheduler shutdown", zap.Error(err))
	}
	obslog.L().Info("duels bot stopped")
}
