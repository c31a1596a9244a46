package main

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/crm_auditor/alerts"
	"bitbucket.org/mmdatafocus/crm_auditor/bitrix"
	"bitbucket.org/mmdatafocus/crm_auditor/checks"
	"bitbucket.org/mmdatafocus/crm_auditor/config"
	"bitbucket.org/mmdatafocus/crm_auditor/models"
	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// app holds the long-lived clients shared by the commands.
type app struct {
	cfg    *config.Config
	db     *gorm.DB
	store  *models.Store
	crm    *bitrix.Client
	runner *checks.Runner

	rdb    *redis.Client
	pubsub *pubsub.Client
	topic  *pubsub.Topic
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	config.SetLogLevel(cfg.LogLevel)
	return cfg, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}

	a.db, err = config.ConnectDatabaseWithRetry(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = models.NewStore(a.db)

	a.crm, err = bitrix.NewClient(cfg.WebhookURL, cfg.RatePerSecond)
	if err != nil {
		a.Close()
		return nil, err
	}

	rdb, locker, err := config.ConnectRedisWithRetry(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.rdb = rdb
	var names bitrix.NameCache
	if rdb != nil {
		names = bitrix.NewRedisNameCache(rdb)
	}

	sink, err := a.newSink(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.runner = checks.NewRunner(cfg, a.crm, names, a.store, sink, checks.NewRunGuard(locker))
	return a, nil
}

func (a *app) newSink(ctx context.Context) (*alerts.DedupSink, error) {
	logger := config.GetLogger()

	var store alerts.RowStore
	switch {
	case a.cfg.DryRun:
		logger.Warn("DRY_RUN enabled; alerts are kept in memory")
		store = &alerts.MemoryStore{}
	case a.cfg.SinkDriver == config.SinkDriverXLSX:
		store = alerts.NewXLSXStore(a.cfg.XLSXPath, a.cfg.WorksheetName)
	default:
		sheets, err := alerts.NewSheetsStore(ctx, a.cfg.CredentialsFile, a.cfg.SheetID, a.cfg.WorksheetName)
		if err != nil {
			return nil, fmt.Errorf("open alert sheet: %w", err)
		}
		store = sheets
	}

	var publisher alerts.Publisher
	if a.cfg.AlertTopic != "" {
		client, err := config.NewPubSubClient(ctx, a.cfg)
		if err != nil {
			logger.WithError(err).Warn("pubsub unavailable; alerts will not be published")
		} else {
			a.pubsub = client
			topic, err := config.TopicIfExists(ctx, client, a.cfg.AlertTopic)
			if err != nil {
				logger.WithError(err).WithField("topic", a.cfg.AlertTopic).Warn("alert topic unavailable; alerts will not be published")
			} else {
				a.topic = topic
				publisher = alerts.NewPubSubPublisher(topic)
			}
		}
	}
	return alerts.NewDedupSink(store, a.cfg.Location, publisher), nil
}

func (a *app) Close() {
	if a.topic != nil {
		a.topic.Stop()
	}
	if a.pubsub != nil {
		_ = a.pubsub.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
