package main

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/pesio-ai/be-edu-approvals/internal/client"
	"github.com/pesio-ai/be-edu-approvals/internal/config"
	"github.com/pesio-ai/be-edu-approvals/internal/database"
	"github.com/pesio-ai/be-edu-approvals/internal/events"
	"github.com/pesio-ai/be-edu-approvals/internal/handler"
	"github.com/pesio-ai/be-edu-approvals/internal/jobs"
	"github.com/pesio-ai/be-edu-approvals/internal/logger"
	"github.com/pesio-ai/be-edu-approvals/internal/repository"
	"github.com/pesio-ai/be-edu-approvals/internal/service"
	"github.com/pesio-ai/be-edu-approvals/internal/telemetry"
)

// app holds the wired dependency graph shared by every command.
type app struct {
	cfg *config.Config
	log *logger.Logger

	db    *database.DB
	store *repository.PostgresStore
	bus   *events.Bus
	rdb   *redis.Client // nil without redis.addr
	nc    *nats.Conn    // nil without nats.url

	directory     service.Directory
	delegations   *service.DelegationService
	visibility    *service.VisibilityService
	engine        *service.ApprovalRoutingService
	workflows     *service.WorkflowService
	notifications *service.NotificationDispatcher
	escalation    *service.EscalationScheduler
	analytics     *service.AnalyticsAggregator

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.db, err = database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.closers = append(a.closers, a.db.Close)
	log.Info().Msg("Database connection established")

	a.store = repository.NewPostgresStore(a.db)
	a.bus = events.NewBus(log.Logger)

	dirClient, err := client.NewDirectoryGRPCClient(cfg.GRPC.DirectoryAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create directory gRPC client: %w", err)
	}
	a.closers = append(a.closers, func() { _ = dirClient.Close() })
	a.directory = dirClient

	if cfg.Redis.Addr != "" {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, func() { _ = a.rdb.Close() })
		a.directory = client.NewCachedDirectory(dirClient, a.rdb, cfg.Redis.DirectoryTTL, log.Logger)
	}
	log.Info().
		Str("directory_grpc", cfg.GRPC.DirectoryAddr).
		Bool("directory_cache", a.rdb != nil).
		Msg("Directory client initialized")

	var channel service.Channel = client.LogChannel{Log: log.Logger}
	if cfg.NATS.URL != "" {
		a.nc, err = client.ConnectNATS(cfg.NATS.URL, cfg.Service.Name)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = a.nc.Drain() })
		channel, err = client.NewNotificationPublisher(ctx, a.nc, cfg.NATS.Stream, cfg.NATS.SubjectPrefix, cfg.NATS.PublishTimeout, log.Logger)
		if err != nil {
			return nil, err
		}
		log.Info().Str("stream", cfg.NATS.Stream).Str("prefix", cfg.NATS.SubjectPrefix).Msg("NATS notification channel ready")
	}

	tel := telemetry.New()
	admins := cfg.Visibility.AdminRoles

	a.delegations = service.NewDelegationService(a.store, admins, log.Component("delegations"))
	a.visibility = service.NewVisibilityService(a.store, a.directory, cfg.Visibility.RoleHierarchy, admins, log.Component("visibility"))
	a.engine = service.NewApprovalRoutingService(a.store, a.directory, a.delegations, a.visibility, a.bus, tel, admins, log.Component("routing"))
	a.workflows = service.NewWorkflowService(a.store, log.Component("workflows"))
	a.notifications = service.NewNotificationDispatcher(a.store, a.directory, a.delegations, channel, service.DispatcherConfig{
		DeliveryTimeout: cfg.Notifications.DeliveryTimeout,
		MaxAttempts:     cfg.Notifications.MaxAttempts,
		SupervisorAfter: cfg.Escalation.SupervisorAfter,
	}, tel, log.Component("notifications"))
	a.escalation = service.NewEscalationScheduler(a.store, a.engine, a.delegations, a.bus, service.SchedulerConfig{
		RepeatInterval: cfg.Escalation.RepeatInterval,
		WarningWindow:  cfg.Escalation.WarningWindow,
		BatchSize:      cfg.Escalation.BatchSize,
	}, tel, log.Component("escalation"))
	a.analytics = service.NewAnalyticsAggregator(a.store, service.AggregatorConfig{
		BottleneckMultiple: cfg.Analytics.BottleneckMultiple,
		LongPending:        cfg.Analytics.LongPending,
	}, log.Component("analytics"))

	return a, nil
}

func (a *app) services() handler.Services {
	return handler.Services{
		Engine:        a.engine,
		Workflows:     a.workflows,
		Visibility:    a.visibility,
		Delegations:   a.delegations,
		Notifications: a.notifications,
		Analytics:     a.analytics,
		Directory:     a.directory,
		AdminRoles:    a.cfg.Visibility.AdminRoles,
		Health:        a.db,
	}
}

func (a *app) locker() jobs.Locker {
	if a.rdb != nil {
		return jobs.NewRedisLocker(a.rdb)
	}
	return jobs.LocalLocker{}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
