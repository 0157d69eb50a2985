package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the approvals service.
type Config struct {
	Service struct {
		Name        string `mapstructure:"name"`
		Version     string `mapstructure:"version"`
		Environment string `mapstructure:"environment"`
	} `mapstructure:"service"`

	Server struct {
		Port            int           `mapstructure:"port"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
		RequestTimeout  time.Duration `mapstructure:"request_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
		CORSOrigins     []string      `mapstructure:"cors_origins"`
	} `mapstructure:"server"`

	GRPC struct {
		Port          int    `mapstructure:"port"`
		DirectoryAddr string `mapstructure:"directory_addr"`
	} `mapstructure:"grpc"`

	Database struct {
		Host        string        `mapstructure:"host"`
		Port        int           `mapstructure:"port"`
		User        string        `mapstructure:"user"`
		Password    string        `mapstructure:"password"`
		Database    string        `mapstructure:"database"`
		SSLMode     string        `mapstructure:"sslmode"`
		MaxConns    int32         `mapstructure:"max_conns"`
		MinConns    int32         `mapstructure:"min_conns"`
		MaxConnTime time.Duration `mapstructure:"max_conn_time"`
		MaxIdleTime time.Duration `mapstructure:"max_idle_time"`
		HealthCheck time.Duration `mapstructure:"health_check"`
	} `mapstructure:"database"`

	Redis struct {
		Addr         string        `mapstructure:"addr"`
		Password     string        `mapstructure:"password"`
		DB           int           `mapstructure:"db"`
		DirectoryTTL time.Duration `mapstructure:"directory_ttl"`
	} `mapstructure:"redis"`

	NATS struct {
		URL            string        `mapstructure:"url"`
		Stream         string        `mapstructure:"stream"`
		SubjectPrefix  string        `mapstructure:"subject_prefix"`
		PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	} `mapstructure:"nats"`

	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`

	Jobs struct {
		Workers    int           `mapstructure:"workers"`
		JobTimeout time.Duration `mapstructure:"job_timeout"`
	} `mapstructure:"jobs"`

	Escalation struct {
		Schedule        string        `mapstructure:"schedule"`
		RepeatInterval  time.Duration `mapstructure:"repeat_interval"`
		WarningWindow   time.Duration `mapstructure:"warning_window"`
		SupervisorAfter int           `mapstructure:"supervisor_after"`
		LockTTL         time.Duration `mapstructure:"lock_ttl"`
		BatchSize       int           `mapstructure:"batch_size"`
	} `mapstructure:"escalation"`

	Analytics struct {
		DailySchedule      string        `mapstructure:"daily_schedule"`
		FlushSchedule      string        `mapstructure:"flush_schedule"`
		BottleneckMultiple float64       `mapstructure:"bottleneck_multiple"`
		LongPending        time.Duration `mapstructure:"long_pending"`
	} `mapstructure:"analytics"`

	Notifications struct {
		DeliveryTimeout    time.Duration `mapstructure:"delivery_timeout"`
		MaxAttempts        int           `mapstructure:"max_attempts"`
		BusBuffer          int           `mapstructure:"bus_buffer"`
		RedeliverySchedule string        `mapstructure:"redelivery_schedule"`
	} `mapstructure:"notifications"`

	Visibility struct {
		// RoleHierarchy maps a role to the roles it inherits from.
		RoleHierarchy map[string][]string `mapstructure:"role_hierarchy"`
		AdminRoles    []string            `mapstructure:"admin_roles"`
	} `mapstructure:"visibility"`

	Log struct {
		Level      string `mapstructure:"level"`
		File       string `mapstructure:"file"`
		MaxSizeMB  int    `mapstructure:"max_size_mb"`
		MaxBackups int    `mapstructure:"max_backups"`
		MaxAgeDays int    `mapstructure:"max_age_days"`
	} `mapstructure:"log"`
}

// Load reads config.yaml from . or ./config (optional) and overlays
// APPROVALS_* environment variables.
func Load() (*Config, error) {
	return LoadFrom(viper.New())
}

// LoadFrom loads configuration into the given viper instance.
func LoadFrom(v *viper.Viper) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("APPROVALS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "edu-approvals")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.environment", "development")

	v.SetDefault("server.port", 8085)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("grpc.port", 9085)
	v.SetDefault("grpc.directory_addr", "localhost:9081")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.database", "approvals")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_time", time.Hour)
	v.SetDefault("database.max_idle_time", 30*time.Minute)
	v.SetDefault("database.health_check", time.Minute)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.directory_ttl", 5*time.Minute)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.stream", "NOTIFICATIONS")
	v.SetDefault("nats.subject_prefix", "notifications.approvals")
	v.SetDefault("nats.publish_timeout", 5*time.Second)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "approvals.events")

	v.SetDefault("jobs.workers", 10)
	v.SetDefault("jobs.job_timeout", 30*time.Second)

	v.SetDefault("escalation.schedule", "@every 1m")
	v.SetDefault("escalation.repeat_interval", 6*time.Hour)
	v.SetDefault("escalation.warning_window", 24*time.Hour)
	v.SetDefault("escalation.supervisor_after", 2)
	v.SetDefault("escalation.lock_ttl", 55*time.Second)
	v.SetDefault("escalation.batch_size", 500)

	v.SetDefault("analytics.daily_schedule", "15 0 * * *")
	v.SetDefault("analytics.flush_schedule", "@every 5m")
	v.SetDefault("analytics.bottleneck_multiple", 2.0)
	v.SetDefault("analytics.long_pending", 72*time.Hour)

	v.SetDefault("notifications.delivery_timeout", 5*time.Second)
	v.SetDefault("notifications.max_attempts", 5)
	v.SetDefault("notifications.bus_buffer", 256)
	v.SetDefault("notifications.redelivery_schedule", "@every 10m")

	v.SetDefault("visibility.admin_roles", []string{"administrator"})
	v.SetDefault("visibility.role_hierarchy", map[string][]string{
		"director":      {"deputy_director"},
		"sector_head":   {"director"},
		"region_head":   {"sector_head"},
		"administrator": {"region_head"},
	})

	v.SetDefault("log.level", "info")
}

// Validate checks the fields the service cannot start without.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port <= 0:
		return errors.New("server.port must be positive")
	case c.GRPC.Port <= 0:
		return errors.New("grpc.port must be positive")
	case c.Database.Host == "" || c.Database.Database == "":
		return errors.New("database.host and database.database are required")
	case c.Notifications.MaxAttempts < 1:
		return errors.New("notifications.max_attempts must be at least 1")
	case c.Escalation.RepeatInterval <= 0:
		return errors.New("escalation.repeat_interval must be positive")
	case c.Analytics.BottleneckMultiple <= 0:
		return errors.New("analytics.bottleneck_multiple must be positive")
	}
	return nil
}

// DSN returns the postgres connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User, c.Database.Password, c.Database.Host,
		c.Database.Port, c.Database.Database, c.Database.SSLMode)
}
