package main

import (
	"context"
	"log"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"stablescan/internal/api"
	"stablescan/internal/config"
	"stablescan/internal/eventbus"
	"stablescan/internal/processor"
	"stablescan/internal/queue"
	"stablescan/internal/ratelimit"
	"stablescan/internal/repository"
	"stablescan/internal/rollup"
	"stablescan/internal/scheduler"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	// 1. Config
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Println("Initializing StableScan Backend...")
	log.Printf("DB: %s", redactDatabaseURL(cfg.DatabaseURL))
	log.Printf("Redis: %s (db %d)", cfg.RedisAddr, cfg.RedisDB)
	log.Printf("API Port: %s", cfg.APIPort)

	// 2. Dependencies
	repo, err := repository.NewRepository(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer repo.Close()

	// 2a. Auto-Migration (skip with SKIP_MIGRATION=true for API-only containers)
	if cfg.SkipMigration {
		log.Println("Database Migration SKIPPED (SKIP_MIGRATION=true)")
	} else {
		log.Println("Running Database Migration...")
		if err := repo.Migrate(cfg.SchemaPath); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("Database Migration Complete.")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	waitForRedis(rdb)

	// 3. Services
	bus := eventbus.New()
	defer bus.Close()

	limits := ratelimit.NewRegistry(rdb)
	jobs := queue.New(rdb, "stablescan")
	proc := processor.New(repo, limits, bus)
	agg := rollup.New(repo)

	schedCfg := scheduler.DefaultConfig()
	if cfg.Workers > 0 {
		schedCfg.Workers = cfg.Workers
	}
	if cfg.CatchUpIntervalSec > 0 {
		schedCfg.CatchUpInterval = time.Duration(cfg.CatchUpIntervalSec) * time.Second
	}
	if cfg.StuckThresholdMin > 0 {
		schedCfg.StuckThreshold = time.Duration(cfg.StuckThresholdMin) * time.Minute
	}
	if cfg.AggregationIntervalMin > 0 {
		schedCfg.AggregationInterval = time.Duration(cfg.AggregationIntervalMin) * time.Minute
	}
	sched := scheduler.New(schedCfg, jobs, repo, proc, agg)

	apiServer := api.NewServer(repo, sched, bus)

	// 4. Run
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Scheduler failed to start: %v", err)
	}

	apiErr := make(chan error, 1)
	go func() {
		apiErr <- apiServer.Start(ctx, ":"+cfg.APIPort)
	}()

	// Block until shutdown signal or API failure.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Printf("Received %s, shutting down...", sig)
	case err := <-apiErr:
		if err != nil {
			log.Printf("API Server failed: %v", err)
		}
	}

	// Stop admitting jobs, cancel in-flight work, then drain workers. A
	// second signal (or the 10s guard) force-exits.
	go func() {
		select {
		case <-sigChan:
		case <-time.After(10 * time.Second):
		}
		log.Println("Forced shutdown")
		os.Exit(1)
	}()

	cancel()
	sched.Stop()
	log.Println("Shutdown complete.")
}

// waitForRedis pings until the queue backend answers, backing off up to
// 30s between attempts. The rate limiter alone can run degraded without
// Redis, but the job queue cannot.
func waitForRedis(rdb *redis.Client) {
	backoff := time.Second
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err == nil {
			return
		}
		log.Printf("Redis not ready (%v), retrying in %s", err, backoff)
		time.Sleep(backoff)
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func redactDatabaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err == nil && u.Scheme != "" {
		if u.User != nil {
			user := u.User.Username()
			if user == "" {
				user = "user"
			}
			u.User = url.UserPassword(user, "****")
		}
		// Avoid leaking secrets embedded in query params; keep only scheme/host/path for debugging.
		u.RawQuery = ""
		return u.String()
	}

	// Best-effort fallback for malformed/DSN-like URLs.
	re := regexp.MustCompile(`(?i)(postgres(?:ql)?://[^:/?#]+):([^@]+)@`)
	if re.MatchString(raw) {
		return re.ReplaceAllString(raw, `$1:****@`)
	}
	re = regexp.MustCompile(`(?i)(password=)([^\s]+)`)
	return re.ReplaceAllString(raw, `$1****`)
}
