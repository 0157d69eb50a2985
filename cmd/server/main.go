package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pesio-ai/be-edu-approvals/internal/config"
	"github.com/pesio-ai/be-edu-approvals/internal/logger"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfgFile string
	root := &cobra.Command{
		Use:           "approvals",
		Short:         "Multi-level data approval service for educational institutions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a config file (default: ./config.yaml or ./config/config.yaml)")

	load := func() (*config.Config, *logger.Logger, error) {
		v := viper.New()
		if cfgFile != "" {
			v.SetConfigFile(cfgFile)
		}
		cfg, err := config.LoadFrom(v)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		log := logger.New(logger.Config{
			Level:       cfg.Log.Level,
			Environment: cfg.Service.Environment,
			ServiceName: cfg.Service.Name,
			Version:     cfg.Service.Version,
			File:        cfg.Log.File,
			MaxSizeMB:   cfg.Log.MaxSizeMB,
			MaxBackups:  cfg.Log.MaxBackups,
			MaxAgeDays:  cfg.Log.MaxAgeDays,
		})
		return cfg, log, nil
	}

	root.AddCommand(
		newServeCommand(load),
		newMigrateCommand(load),
		newAggregateCommand(load),
		newEscalateCommand(load),
	)
	return root
}

type loader func() (*config.Config, *logger.Logger, error)
