package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-edu-approvals/internal/jobs"
	"github.com/pesio-ai/be-edu-approvals/internal/service"
)

// withApp loads configuration, wires the app and runs fn.
func withApp(cmd *cobra.Command, load loader, fn func(ctx context.Context, a *app) error) error {
	cfg, log, err := load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func runMigrations(ctx context.Context, a *app) error {
	if err := a.db.Migrate(ctx, a.log.Logger); err != nil {
		return err
	}
	return jobs.Migrate(ctx, a.db.Pool(), a.log.Logger)
}

func newMigrateCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema and job queue migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, load, runMigrations)
		},
	}
}

func newAggregateCommand(load loader) *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Recompute analytics snapshots for one day",
		RunE: func(cmd *cobra.Command, _ []string) error {
			target := service.Day(time.Now()).AddDate(0, 0, -1)
			if day != "" {
				t, err := time.Parse("2006-01-02", day)
				if err != nil {
					return fmt.Errorf("invalid --day %q: expected YYYY-MM-DD", day)
				}
				target = t
			}
			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				n, err := a.analytics.RunDay(ctx, target)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d snapshots computed for %s\n", n, target.Format("2006-01-02"))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "day to compute (YYYY-MM-DD, default yesterday UTC)")
	return cmd
}

func newEscalateCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "escalate",
		Short: "Run one escalation pass and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				// Escalation events still notify. Delivery jobs go to the
				// shared queue and are worked by the running server.
				queue, err := jobs.NewQueue(a.db.Pool(), a.notifications, jobs.QueueConfig{
					MaxAttempts: a.cfg.Notifications.MaxAttempts,
					InsertOnly:  true,
				}, a.log.Logger)
				if err != nil {
					return err
				}
				a.notifications.SetEnqueuer(queue)
				a.bus.Subscribe(ctx, "notifications", a.cfg.Notifications.BusBuffer, a.notifications.Handle)
				defer a.bus.Close()

				sum, err := a.escalation.RunOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(),
					"scanned=%d auto_advanced=%d escalated=%d warned=%d delegations_expired=%d skipped=%d errors=%d\n",
					sum.Scanned, sum.AutoAdvanced, sum.Escalated, sum.Warned, sum.Expired, sum.Skipped, sum.Errors)
				return nil
			})
		},
	}
}
