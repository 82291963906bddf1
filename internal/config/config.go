// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
	DriverEtcd   = "etcd"
)

// EnvPrefix prefixes every environment variable, e.g. DISPATCH_STORE_DRIVER.
const EnvPrefix = "DISPATCH"

// Config holds all configuration for the dispatcher, the worker and the CLI.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	LogLevel          string        `mapstructure:"log_level"`
	TraceOutput       string        `mapstructure:"trace_output"`
	NodeID            string        `mapstructure:"node_id"`
	EtcdEndpoints     []string      `mapstructure:"etcd_endpoints"`
	EtcdTimeout       time.Duration `mapstructure:"etcd_timeout"`
	EtcdPrefix        string        `mapstructure:"etcd_prefix"`
	LeaderElectionTTL time.Duration `mapstructure:"leader_election_ttl"`
	GRPCListenAddr    string        `mapstructure:"grpc_listen_addr"`
	HttpListenAddr    string        `mapstructure:"http_listen_addr"`

	Store       StoreConfig       `mapstructure:"store"`
	Dispatcher  DispatcherConfig  `mapstructure:"dispatcher"`
	Failover    FailoverConfig    `mapstructure:"failover"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Worker      WorkerConfig      `mapstructure:"worker"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type DispatcherConfig struct {
	// Interval between cycles. Zero disables the periodic dispatcher.
	Interval             time.Duration `mapstructure:"interval"`
	BatchLimit           int           `mapstructure:"batch_limit"`
	ClaimsPerSecond      float64       `mapstructure:"claims_per_second"`
	LeaderOnly           bool          `mapstructure:"leader_only"`
	AllowWarningServices bool          `mapstructure:"allow_warning_services"`
}

type FailoverConfig struct {
	ErrorStatesEnabled       bool     `mapstructure:"error_states_enabled"`
	MaxAttemptsBeforeError   int      `mapstructure:"max_attempts_before_error"`
	NoErrorStateServiceTypes []string `mapstructure:"no_error_state_service_types"`
}

type RetryConfig struct {
	MaxAttempts int  `mapstructure:"max_attempts"`
	Automatic   bool `mapstructure:"automatic"`
}

type MaintenanceConfig struct {
	HeartbeatCheck   string        `mapstructure:"heartbeat_check"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	GCSchedule       string        `mapstructure:"gc_schedule"`
	JobLifetime      time.Duration `mapstructure:"job_lifetime"`
}

type WorkerConfig struct {
	Host         string        `mapstructure:"host"`
	MaxLoad      float64       `mapstructure:"max_load"`
	Services     []string      `mapstructure:"services"`
	GatewayAddr  string        `mapstructure:"gateway_addr"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	ShellTimeout time.Duration `mapstructure:"shell_timeout"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"`
	HTTPRetries  int           `mapstructure:"http_retries"`
	PresenceTTL  time.Duration `mapstructure:"presence_ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("trace_output", "")
	v.SetDefault("node_id", "")
	v.SetDefault("etcd_endpoints", []string{})
	v.SetDefault("etcd_timeout", "5s")
	v.SetDefault("etcd_prefix", "/dispatch")
	v.SetDefault("leader_election_ttl", "10s")
	v.SetDefault("grpc_listen_addr", ":50051")
	v.SetDefault("http_listen_addr", ":8080")

	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.dsn", "")

	v.SetDefault("dispatcher.interval", "2s")
	v.SetDefault("dispatcher.batch_limit", 100)
	v.SetDefault("dispatcher.claims_per_second", 0)
	v.SetDefault("dispatcher.leader_only", false)
	v.SetDefault("dispatcher.allow_warning_services", false)

	v.SetDefault("failover.error_states_enabled", false)
	v.SetDefault("failover.max_attempts_before_error", 10)
	v.SetDefault("failover.no_error_state_service_types", []string{})

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.automatic", false)

	v.SetDefault("maintenance.heartbeat_check", "@every 30s")
	v.SetDefault("maintenance.heartbeat_timeout", "2m")
	v.SetDefault("maintenance.gc_schedule", "@daily")
	v.SetDefault("maintenance.job_lifetime", "720h")

	v.SetDefault("worker.host", "")
	v.SetDefault("worker.max_load", 4)
	v.SetDefault("worker.services", []string{})
	v.SetDefault("worker.gateway_addr", "localhost:50051")
	v.SetDefault("worker.poll_interval", "2s")
	v.SetDefault("worker.shell_timeout", "0s")
	v.SetDefault("worker.http_timeout", "30s")
	v.SetDefault("worker.http_retries", 2)
	v.SetDefault("worker.presence_ttl", "10s")
}

// Load loads configuration from file and environment variables. An empty
// configFile searches config.yaml in ./configs and the working directory.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.EtcdEndpoints = compact(cfg.EtcdEndpoints)
	cfg.Worker.Services = compact(cfg.Worker.Services)
	cfg.Failover.NoErrorStateServiceTypes = compact(cfg.Failover.NoErrorStateServiceTypes)
	return &cfg, nil
}

// Validate reports every inconsistent setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Dispatcher.Interval != 0 && c.Dispatcher.Interval < time.Second {
		errs = append(errs, fmt.Errorf("dispatcher.interval must be 0 or at least 1s, got %s", c.Dispatcher.Interval))
	}
	if c.Dispatcher.BatchLimit < 0 {
		errs = append(errs, errors.New("dispatcher.batch_limit must not be negative"))
	}
	if c.Dispatcher.ClaimsPerSecond < 0 {
		errs = append(errs, errors.New("dispatcher.claims_per_second must not be negative"))
	}
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite:
	case DriverMySQL:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for mysql"))
		}
	case DriverEtcd:
		if len(c.EtcdEndpoints) == 0 {
			errs = append(errs, errors.New("etcd_endpoints are required for the etcd store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if c.Dispatcher.LeaderOnly && len(c.EtcdEndpoints) == 0 {
		errs = append(errs, errors.New("dispatcher.leader_only requires etcd_endpoints"))
	}
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("retry.max_attempts must not be negative"))
	}
	if c.Failover.MaxAttemptsBeforeError < 0 {
		errs = append(errs, errors.New("failover.max_attempts_before_error must not be negative"))
	}
	switch c.TraceOutput {
	case "", "stdout", "stderr":
	default:
		errs = append(errs, fmt.Errorf("trace_output must be stdout, stderr or empty, got %q", c.TraceOutput))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ValidateWorker checks the settings the worker needs on top of Validate.
func (c *Config) ValidateWorker() error {
	var errs []error
	if strings.TrimSpace(c.Worker.Host) == "" {
		errs = append(errs, errors.New("worker.host is required"))
	}
	if c.Worker.MaxLoad <= 0 {
		errs = append(errs, errors.New("worker.max_load must be positive"))
	}
	if len(c.Worker.Services) == 0 {
		errs = append(errs, errors.New("worker.services must list at least one service type"))
	}
	if c.Worker.GatewayAddr == "" {
		errs = append(errs, errors.New("worker.gateway_addr is required"))
	}
	return errors.Join(errs...)
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// compact trims entries and drops empty ones.
func compact(list []string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
