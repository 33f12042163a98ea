// Package core assembles the platform: storage, caches, the ingest
// pipeline, the rule engine, alerting, escalation, dispatch, retention,
// realtime streaming, the intake adapters, and the HTTP surface.
package core

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tidemark-io/tidemark/internal/alerts"
	"github.com/tidemark-io/tidemark/internal/api"
	"github.com/tidemark-io/tidemark/internal/cache"
	"github.com/tidemark-io/tidemark/internal/conf"
	"github.com/tidemark-io/tidemark/internal/dispatch"
	"github.com/tidemark-io/tidemark/internal/escalation"
	"github.com/tidemark-io/tidemark/internal/identity"
	"github.com/tidemark-io/tidemark/internal/ingest"
	"github.com/tidemark-io/tidemark/internal/ingress"
	"github.com/tidemark-io/tidemark/internal/logger"
	"github.com/tidemark-io/tidemark/internal/metrics"
	"github.com/tidemark-io/tidemark/internal/realtime"
	"github.com/tidemark-io/tidemark/internal/repository"
	"github.com/tidemark-io/tidemark/internal/retention"
	"github.com/tidemark-io/tidemark/internal/rules"
	"github.com/tidemark-io/tidemark/internal/tsdb"
)

const drainTimeout = 30 * time.Second

// Runtime owns every long-lived component and their shutdown order.
type Runtime struct {
	Settings *conf.Settings
	Log      logger.Logger
	Metrics  *metrics.Metrics

	DB       *gorm.DB
	Gateway  tsdb.Gateway
	Resolver *identity.Resolver
	Quotas   *identity.QuotaManager

	Tenants       repository.TenantRepository
	Devices       repository.DeviceRepository
	Rules         repository.RuleRepository
	Alerts        repository.AlertRepository
	Escalations   repository.EscalationRepository
	Notifications repository.NotificationRepository
	Retention     repository.RetentionRepository
	Ops           repository.OpsRepository

	Pipeline   *ingest.Pipeline
	Engine     *rules.Engine
	Manager    *alerts.Manager
	Scanner    *alerts.Scanner
	Scheduler  *escalation.Scheduler
	Dispatcher *dispatch.Dispatcher
	Runner     *retention.Runner
	Hub        *realtime.Hub

	MQTT     *ingress.MQTTAdapter
	Datagram *ingress.DatagramAdapter
	Queue    *ingress.AMQPAdapter

	Controller *api.Controller
}

// NewRuntime builds the full component graph without starting anything.
func NewRuntime(settings *conf.Settings, log logger.Logger) (*Runtime, error) {
	db, err := repository.Open(settings.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := repository.Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}

	r := &Runtime{
		Settings:      settings,
		Log:           log,
		Metrics:       metrics.New(),
		DB:            db,
		Gateway:       tsdb.NewGormGateway(db),
		Tenants:       repository.NewTenantRepository(db),
		Devices:       repository.NewDeviceRepository(db),
		Rules:         repository.NewRuleRepository(db),
		Alerts:        repository.NewAlertRepository(db),
		Escalations:   repository.NewEscalationRepository(db),
		Notifications: repository.NewNotificationRepository(db),
		Retention:     repository.NewRetentionRepository(db),
		Ops:           repository.NewOpsRepository(db),
	}

	last := cache.NewMemoryLastValue()
	if settings.Cache.DSN != "" {
		last, err = cache.NewRedisLastValue(settings.Cache.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect cache: %w", err)
		}
	}
	queries := cache.NewQueryCache()

	r.Resolver = identity.NewResolver(r.Tenants, r.Devices, r.Ops, settings.Auth.JWTSigningKey, log)
	r.Quotas = identity.NewQuotaManager(r.Tenants)

	r.Pipeline = ingest.NewPipeline(settings.Ingest, r.Resolver, r.Quotas,
		r.Devices, r.Ops, r.Gateway, last, queries, r.Metrics, log)

	r.Dispatcher = dispatch.NewDispatcher(settings.Dispatch, r.Tenants,
		r.Notifications, settings.Auth.WebhookSecretSalt, r.Metrics, log)
	r.Scheduler = escalation.NewScheduler(r.Escalations, r.Alerts, r.Rules, r.Dispatcher, log)
	// A step whose delivery fails permanently reports back so escalation
	// advances without burning the failed step's ack window.
	r.Dispatcher.SetCompleter(r.Scheduler)

	r.Manager = alerts.NewManager(settings.Alerts, r.Alerts, r.Ops, r.Metrics, log)
	r.Manager.SetEscalator(r.Scheduler)
	r.Scanner = alerts.NewScanner(r.Manager)

	r.Engine = rules.NewEngine(settings.Rules, r.Rules, r.Devices, r.Ops, r.Manager, r.Metrics, log)
	r.Hub = realtime.NewHub(settings.Realtime, r.Metrics, log)

	// Persisted readings feed rule evaluation and live streams; alert
	// events feed live streams.
	r.Pipeline.Subscribe(r.Engine.HandleReading)
	r.Pipeline.Subscribe(r.Hub.PublishReading)
	r.Manager.AddListener(r.Hub.PublishAlert)

	r.Runner = retention.NewRunner(settings.Retention, r.Retention, r.Gateway, log)

	r.MQTT = ingress.NewMQTTAdapter(settings.Broker, r.Pipeline, r.Devices, log)
	r.Datagram = ingress.NewDatagramAdapter(settings.Datagram, r.Pipeline, log)
	r.Queue = ingress.NewAMQPAdapter(settings.Queue, r.Pipeline, log)

	r.Controller = api.New(api.Deps{
		Settings:      settings,
		Resolver:      r.Resolver,
		Quotas:        r.Quotas,
		Pipeline:      r.Pipeline,
		Manager:       r.Manager,
		Hub:           r.Hub,
		Runner:        r.Runner,
		Gateway:       r.Gateway,
		LastCache:     last,
		Queries:       queries,
		Metrics:       r.Metrics,
		Tenants:       r.Tenants,
		Devices:       r.Devices,
		Rules:         r.Rules,
		Alerts:        r.Alerts,
		Escalations:   r.Escalations,
		Notifications: r.Notifications,
		Retention:     r.Retention,
		Ops:           r.Ops,
		Log:           log,
	})
	return r, nil
}

// Start brings components up in dependency order and serves until the
// context is cancelled or a component fails.
func (r *Runtime) Start(ctx context.Context) error {
	r.Pipeline.Start(ctx)
	r.Dispatcher.Start(ctx)
	r.Scheduler.Start(ctx)
	if err := r.Engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start rule engine: %w", err)
	}
	r.Scanner.Start(ctx)
	if err := r.Runner.Start(ctx); err != nil {
		return fmt.Errorf("failed to start retention runner: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.MQTT.Start(gctx) })
	g.Go(func() error { return r.Datagram.Start(gctx) })
	g.Go(func() error { return r.Queue.Start(gctx) })
	g.Go(func() error {
		err := r.Controller.Start(r.Settings.Listen.Addr)
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.shutdown()
		return nil
	})

	r.Log.Info("tidemark started", logger.String("addr", r.Settings.Listen.Addr))
	return g.Wait()
}

// shutdown stops intake first, drains the pipeline so accepted readings
// reach the store, then quiesces the evaluation and delivery layers.
func (r *Runtime) shutdown() {
	r.Log.Info("shutting down")
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	r.MQTT.Stop()
	r.Datagram.Stop()
	r.Queue.Stop()

	r.Pipeline.Drain(drainCtx)
	r.Engine.Stop(drainCtx)
	r.Scanner.Stop()
	r.Scheduler.Stop()
	r.Dispatcher.Stop()
	r.Runner.Stop()

	if err := r.Controller.Shutdown(drainCtx); err != nil {
		r.Log.Warn("http shutdown failed", logger.Error(err))
	}
	r.Log.Info("shutdown complete")
}
