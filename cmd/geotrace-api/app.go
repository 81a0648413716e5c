package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/northarch/geotrace/config"
	"github.com/northarch/geotrace/internal/api/targets_api"
	"github.com/northarch/geotrace/internal/broker/kafka"
	"github.com/northarch/geotrace/internal/cache"
	"github.com/northarch/geotrace/internal/cache/rediscache"
	"github.com/northarch/geotrace/internal/jobs"
	"github.com/northarch/geotrace/internal/services/querybroker"
	"github.com/northarch/geotrace/internal/services/resultcache"
	"github.com/northarch/geotrace/internal/session"
	"github.com/northarch/geotrace/internal/storage/pgresults"
	"github.com/northarch/geotrace/internal/telegram"
	"github.com/northarch/geotrace/internal/telegram/fake"
	"github.com/northarch/geotrace/internal/telegram/gotdclient"
)

type factories struct {
	newStorage        func(cfg *config.Config) (resultcache.Repository, func(), error)
	newHotCache       func(cfg *config.Config) cache.BytesCache
	newRateLimiter    func(cfg *config.Config) querybroker.RateLimiter
	newProducer       func(cfg *config.Config) querybroker.EventPublisher
	newTelegramClient func(cfg *config.Config) (telegram.Client, error)
}

func defaultFactories() factories {
	return factories{
		newStorage: func(cfg *config.Config) (resultcache.Repository, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := openPostgresWithRetry(connString, 60*time.Second)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newHotCache: func(cfg *config.Config) cache.BytesCache {
			return rediscache.New(fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port))
		},
		newRateLimiter: func(cfg *config.Config) querybroker.RateLimiter {
			return rediscache.NewRateLimiter(fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port))
		},
		newProducer: func(cfg *config.Config) querybroker.EventPublisher {
			return kafka.NewProducer([]string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)})
		},
		newTelegramClient: func(cfg *config.Config) (telegram.Client, error) {
			if cfg.Telegram.Mode == "fake" {
				// Credential-free dev mode: a scripted bot that always
				// answers with a fixed location.
				return fake.New(fake.Script{
					ButtonRows: [][]string{{"History", "CP Lokasi", "Call"}},
					ReplyText:  "Latitude: -6.1754 Longitude: 106.8272\nAlamat: Jakarta Pusat",
					ReplyDelay: 500 * time.Millisecond,
				}), nil
			}
			if cfg.Telegram.APIID == 0 || cfg.Telegram.APIHash == "" {
				return nil, fmt.Errorf("telegram api_id and api_hash are required")
			}
			if cfg.Telegram.SessionPath == "" {
				return nil, fmt.Errorf("telegram session_path is required")
			}
			return gotdclient.New(cfg.Telegram.APIID, cfg.Telegram.APIHash, cfg.Telegram.SessionPath), nil
		},
	}
}

func runGeoTraceAPI(ctx context.Context, cfg *config.Config, f factories) error {
	if cfg.Telegram.BotUsername == "" {
		return fmt.Errorf("telegram bot_username is required")
	}

	httpAddr := cfg.GeoTrace.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	topic := cfg.Kafka.LookupCompletedTopicName
	if topic == "" {
		topic = "lookup.completed"
	}
	cacheTTL := time.Duration(cfg.GeoTrace.CacheTTLSeconds) * time.Second
	if cfg.GeoTrace.CacheTTLSeconds == 0 {
		cacheTTL = 6 * time.Hour
	}
	retention := time.Duration(cfg.GeoTrace.JobRetentionSeconds) * time.Second
	if retention <= 0 {
		retention = 30 * time.Minute
	}

	repo, closeDB, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeDB != nil {
		defer closeDB()
	}

	resultSvc := resultcache.New(repo, f.newHotCache(cfg), cacheTTL)
	registry := jobs.New(retention)

	tgClient, err := f.newTelegramClient(cfg)
	if err != nil {
		return err
	}
	sup := session.New(tgClient, cfg.Telegram.BotUsername, slog.Default()).WithSettings(session.Settings{
		SessionWait: time.Duration(cfg.GeoTrace.SessionWaitSeconds) * time.Second,
	})

	broker := querybroker.New(registry, sup, resultSvc, slog.Default()).
		WithSettings(querybroker.Settings{
			JobDeadline:      time.Duration(cfg.GeoTrace.JobDeadlineSeconds) * time.Second,
			FirstReplyWait:   time.Duration(cfg.GeoTrace.FirstReplyWaitSeconds) * time.Second,
			StepWait:         time.Duration(cfg.GeoTrace.StepWaitSeconds) * time.Second,
			MaxPending:       cfg.GeoTrace.MaxPendingJobs,
			ButtonMatch:      cfg.GeoTrace.ButtonMatch,
			QueriesPerMinute: int64(cfg.GeoTrace.BotQueriesPerMinute),
		}).
		WithRateLimiter(f.newRateLimiter(cfg)).
		WithPublisher(f.newProducer(cfg), topic)

	api := targets_api.New(broker, registry, resultSvc, slog.Default())

	supErr := make(chan error, 1)
	go func() { supErr <- sup.Run(ctx) }()

	brokerErr := make(chan error, 1)
	go func() { brokerErr <- broker.Run(ctx) }()

	go registry.RunSweeper(ctx, time.Minute)

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runHTTPServer(ctx, httpOpts{
			addr:   httpAddr,
			api:    api,
			sup:    sup,
			broker: broker,
		})
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-supErr:
		return err
	case err := <-brokerErr:
		return err
	case err := <-httpErr:
		return err
	}
}

func openPostgresWithRetry(connString string, wait time.Duration) (*pgresults.Storage, error) {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgresults.New(connString)
		if err == nil {
			return st, nil
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	return nil, fmt.Errorf("postgres is not ready after %s: %v", wait, lastErr)
}
