package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/northarch/geotrace/config"
	"github.com/northarch/geotrace/internal/broker/kafka"
	"github.com/northarch/geotrace/internal/broker/messages"
	"github.com/northarch/geotrace/internal/storage/pgresults"
)

// historyRepo is the slice of storage the audit loop writes to.
type historyRepo interface {
	InsertLookup(ctx context.Context, rec pgresults.LookupRecord) error
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
	Close() error
}

type auditFactories struct {
	newStorage  func(cfg *config.Config) (historyRepo, func(), error)
	newConsumer func(cfg *config.Config, topic, group string) kafkaConsumer
}

func defaultAuditFactories() auditFactories {
	return auditFactories{
		newStorage: func(cfg *config.Config) (historyRepo, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := pgresults.New(connString)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newConsumer: func(cfg *config.Config, topic, group string) kafkaConsumer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewConsumer(brokers, topic, group)
		},
	}
}

// runAudit appends every lookup.completed event to the lookup_history
// table. Offsets commit after the insert and the insert is idempotent
// on job id, so replays after a crash are safe.
func runAudit(ctx context.Context, cfg *config.Config, f auditFactories) error {
	topic := cfg.Kafka.LookupCompletedTopicName
	if topic == "" {
		topic = "lookup.completed"
	}
	group := cfg.GeoTrace.KafkaConsumerGroup
	if group == "" {
		group = "geotrace-audit"
	}

	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	consumer := f.newConsumer(cfg, topic, group)
	defer func() { _ = consumer.Close() }()

	slog.Info("audit consumer started", "topic", topic, "group", group)
	return consumer.Consume(ctx, func(_ []byte, value []byte) error {
		var ev messages.LookupCompleted
		if err := json.Unmarshal(value, &ev); err != nil {
			// A poison message would wedge the partition; log and move on.
			slog.Error("skipping malformed event", "error", err)
			return nil
		}
		rec := pgresults.LookupRecord{
			JobID:      ev.JobID,
			Phone:      ev.Phone,
			Submitter:  ev.Submitter,
			Latitude:   ev.Latitude,
			Longitude:  ev.Longitude,
			AccuracyM:  ev.AccuracyMeters,
			Address:    ev.Address,
			Source:     ev.Source,
			FinishedAt: ev.FinishedAt,
		}
		insertCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return repo.InsertLookup(insertCtx, rec)
	})
}
