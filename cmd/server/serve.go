package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-edu-approvals/internal/client"
	"github.com/pesio-ai/be-edu-approvals/internal/events"
	"github.com/pesio-ai/be-edu-approvals/internal/handler"
	"github.com/pesio-ai/be-edu-approvals/internal/jobs"
	"github.com/pesio-ai/be-edu-approvals/internal/service"
	"github.com/pesio-ai/be-edu-approvals/pkg/approvalsapi"
)

func newServeCommand(load loader) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC APIs, the delivery queue and the scheduled tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			log.Info().
				Str("service", cfg.Service.Name).
				Str("version", cfg.Service.Version).
				Str("environment", cfg.Service.Environment).
				Msg("Starting Approvals Service")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			if migrate {
				if err := runMigrations(ctx, a); err != nil {
					return err
				}
			}
			return serve(ctx, a)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply schema and queue migrations before serving")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	cfg, log := a.cfg, a.log

	// ── Delivery queue ────────────────────────────────────────────────────────
	queue, err := jobs.NewQueue(a.db.Pool(), a.notifications, jobs.QueueConfig{
		Workers:     cfg.Jobs.Workers,
		JobTimeout:  cfg.Jobs.JobTimeout,
		MaxAttempts: cfg.Notifications.MaxAttempts,
	}, log.Logger)
	if err != nil {
		return err
	}
	a.notifications.SetEnqueuer(queue)

	// Subscribers and workers drain after the signal; shutdown stops them.
	background := context.WithoutCancel(ctx)

	// ── Event subscribers ─────────────────────────────────────────────────────
	buffer := cfg.Notifications.BusBuffer
	a.bus.Subscribe(background, "notifications", buffer, a.notifications.Handle)
	a.bus.Subscribe(background, "analytics", buffer, a.analytics.Handle)
	if len(cfg.Kafka.Brokers) > 0 {
		sink := events.NewKafkaSink(events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), log.Logger)
		a.bus.Subscribe(background, "kafka", buffer, sink.Handle)
		a.closers = append(a.closers, func() { _ = sink.Close() })
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("Kafka event export enabled")
	}
	if a.nc != nil {
		subject := client.ReportSubject(cfg.NATS.SubjectPrefix)
		sub, err := client.SubscribeReports(a.nc, subject, a.notifications.ReportDelivery, cfg.Notifications.DeliveryTimeout, log.Logger)
		if err != nil {
			return fmt.Errorf("failed to subscribe to delivery reports: %w", err)
		}
		a.closers = append(a.closers, func() { _ = sub.Unsubscribe() })
		log.Info().Str("subject", subject).Msg("Listening for delivery reports")
	}

	// ── Scheduled tasks ───────────────────────────────────────────────────────
	sched := jobs.NewScheduler(a.locker(), cfg.Escalation.LockTTL, log.Logger)
	tasks := []struct {
		name, spec string
		task       jobs.Task
	}{
		{"escalation", cfg.Escalation.Schedule, func(ctx context.Context) error {
			_, err := a.escalation.RunOnce(ctx)
			return err
		}},
		{"analytics_daily", cfg.Analytics.DailySchedule, func(ctx context.Context) error {
			_, err := a.analytics.RunDay(ctx, service.Day(time.Now()).AddDate(0, 0, -1))
			return err
		}},
		{"analytics_flush", cfg.Analytics.FlushSchedule, func(ctx context.Context) error {
			_, err := a.analytics.FlushDirty(ctx)
			return err
		}},
		{"notification_redelivery", cfg.Notifications.RedeliverySchedule, func(ctx context.Context) error {
			_, err := a.notifications.RedeliverPending(ctx)
			return err
		}},
	}
	for _, t := range tasks {
		if err := sched.Add(t.name, t.spec, t.task); err != nil {
			return err
		}
	}

	// ── HTTP ──────────────────────────────────────────────────────────────────
	svc := a.services()
	e := handler.NewHTTPHandler(svc, log).Echo(handler.ServerConfig{
		CORSOrigins:    cfg.Server.CORSOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
	})
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// ── gRPC ──────────────────────────────────────────────────────────────────
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		handler.RecoveryInterceptor(log.Logger),
		handler.LoggingInterceptor(log.Logger),
	))
	handler.NewGRPCHandler(svc, log.Logger).Register(grpcServer)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer) // Enable reflection for debugging

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		return fmt.Errorf("failed to create gRPC listener: %w", err)
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	if err := queue.Start(background); err != nil {
		return err
	}
	sched.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Int("port", cfg.GRPC.Port).Msg("Starting gRPC server")
		healthServer.SetServingStatus(approvalsapi.ServiceName, healthpb.HealthCheckResponse_SERVING)
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("gRPC server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		grpcServer.GracefulStop()
		sched.Stop(shutdownCtx)
		_ = queue.Stop(shutdownCtx)
		a.bus.Close()
		return nil
	})

	err = g.Wait()
	log.Info().Msg("Server stopped")
	return err
}
