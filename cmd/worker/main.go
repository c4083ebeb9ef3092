package main

import (
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/inteldesk/advisory-notifier/internal/advisory"
	"github.com/inteldesk/advisory-notifier/internal/config"
	"github.com/inteldesk/advisory-notifier/internal/delivery"
	"github.com/inteldesk/advisory-notifier/internal/template"
	"github.com/inteldesk/advisory-notifier/internal/tracking"
	"github.com/inteldesk/advisory-notifier/internal/worker"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := openDB(cfg)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	redisClient := openRedis(cfg)
	if redisClient != nil {
		defer redisClient.Close()
	}

	store := delivery.NewStore(db)
	advisories := advisory.NewStore(db)
	tracker := tracking.NewService(db, cfg.Tracking.BaseURL)

	renderer, err := template.NewRenderer()
	if err != nil {
		log.Fatalf("renderer: %v", err)
	}

	mailer, err := buildMailer(cfg)
	if err != nil {
		log.Fatalf("mailer: %v", err)
	}

	sched := worker.NewScheduler(store, advisories, tracker, renderer, mailer, worker.Options{
		PollInterval:  cfg.Scheduler.PollInterval(),
		MaxConcurrent: cfg.Scheduler.MaxConcurrentSends,
		MaxRetries:    cfg.Scheduler.MaxRetries,
		SendTimeout:   cfg.Scheduler.SendTimeout(),
	})
	if err := sched.Start(); err != nil {
		log.Fatalf("scheduler: %v", err)
	}

	maint := worker.NewMaintenance(store, tracker, db, redisClient,
		cfg.Scheduler.AbandonedGrace(), cfg.Tracking.RetentionDays)
	if err := maint.Start(); err != nil {
		log.Fatalf("maintenance: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("[Worker] Shutting down...")
	maint.Stop()
	sched.Stop()
}

func loadConfig() (*config.Config, error) {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return config.Load(path)
	}
	return config.LoadFromEnv()
}

func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return db, nil
}

func openRedis(cfg *config.Config) *redis.Client {
	if cfg.Redis.URL == "" {
		return nil
	}
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Printf("[Worker] Invalid REDIS_URL, falling back to advisory locks: %v", err)
		return nil
	}
	return redis.NewClient(opts)
}

func buildMailer(cfg *config.Config) (worker.Mailer, error) {
	switch cfg.Mailer.Provider {
	case "ses":
		return worker.NewSESMailer(cfg.Mailer.SES, cfg.Mailer.From, cfg.Mailer.FromName)
	default:
		return worker.NewSMTPMailer(cfg.Mailer.SMTP, cfg.Mailer.From, cfg.Mailer.FromName), nil
	}
}
