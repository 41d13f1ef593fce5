package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"time"

	_ "github.com/lib/pq"

	"github.com/k8ika0s/island-registry/internal/api"
	"github.com/k8ika0s/island-registry/internal/config"
	"github.com/k8ika0s/island-registry/internal/probe"
	"github.com/k8ika0s/island-registry/internal/queue"
	"github.com/k8ika0s/island-registry/internal/server"
	"github.com/k8ika0s/island-registry/internal/settings"
	"github.com/k8ika0s/island-registry/internal/store"
)

func main() {
	cfg := config.FromEnv()
	s := settings.Load(cfg.SettingsPath)
	if s.RegistryURL != "" {
		cfg.RegistryURL = s.RegistryURL
	}

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("opening postgres: %v", err)
	}
	if !cfg.SkipMigrate {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := store.RunMigrations(ctx, db); err != nil {
			log.Fatalf("running migrations: %v", err)
		}
		cancel()
	}
	st := store.NewPostgres(db)

	handler := &api.Handler{Store: st, Config: cfg, Settings: s}
	mux := http.NewServeMux()
	handler.Routes(mux)

	// The settings file can enable the prober or retune its interval
	// without a redeploy; env config supplies the fallback.
	if settings.BoolValue(s.ProbeEnabled, cfg.ProbeEnabled) {
		interval := cfg.ProbeInterval
		if s.ProbeIntervalSec > 0 {
			interval = time.Duration(s.ProbeIntervalSec) * time.Second
		}
		prober := &probe.Prober{
			Store:    st,
			Queue:    probeQueue(cfg),
			Interval: interval,
			Batch:    cfg.ProbeBatch,
		}
		if prober.Queue != nil {
			// Queue-backed mode: one goroutine schedules jobs on the
			// interval, another drains them.
			go func() {
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for range ticker.C {
					if err := prober.Schedule(context.Background()); err != nil {
						log.Printf("probe: scheduling: %v", err)
					}
				}
			}()
			go func() {
				for {
					if err := prober.Work(context.Background(), cfg.ProbeBatch); err != nil {
						log.Printf("probe: worker: %v", err)
					}
					time.Sleep(time.Second)
				}
			}()
		} else {
			go prober.Run(context.Background())
		}
		log.Printf("url-health prober enabled, interval %s", interval)
	}

	svc := server.New(cfg, mux)
	log.Printf("island registry listening on %s", cfg.HTTPAddr)
	if err := svc.Start(); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}

// probeQueue selects the configured queue backend; nil means the prober
// runs its sweeps inline instead of through a worker queue.
func probeQueue(cfg config.Config) queue.Backend {
	switch cfg.QueueBackend {
	case "redis":
		return queue.NewRedisQueue(cfg.RedisURL, cfg.RedisKey)
	case "kafka":
		return queue.NewKafkaQueue(cfg.KafkaBrokers, cfg.KafkaTopic)
	default:
		return nil
	}
}
