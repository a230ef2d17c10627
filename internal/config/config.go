package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for device-tasks.
// Values come from defaults, then an optional YAML file, then environment variables.
type Config struct {
	Data          DataConfig          `yaml:"data"`
	API           APIConfig           `yaml:"api"`
	WebSocket     WebSocketConfig     `yaml:"websocket"`
	Worker        WorkerConfig        `yaml:"worker"`
	Redis         RedisConfig         `yaml:"redis"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	Driver        DriverConfig        `yaml:"driver"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// DataConfig locates on-disk state.
type DataConfig struct {
	Dir string `yaml:"dir"`
	// DBPath defaults to <dir>/tasks.db
	DBPath string `yaml:"db_path"`
	// MediaRoot holds task_logs/<task id>/ screenshots, defaults to <dir>/media
	MediaRoot string `yaml:"media_root"`
	// AssetsDir holds template images referenced by scripts, defaults to <dir>/script_assets
	AssetsDir string `yaml:"assets_dir"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeouts in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains websocket relay settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// WorkerConfig controls the job pool.
type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`
	// Queue is "memory" (single process) or "redis"
	Queue string `yaml:"queue"`
	// TerminateGrace is how long a cancelled job may keep running before it is terminated
	TerminateGrace time.Duration `yaml:"terminate_grace"`
	// StatusInterval bounds how often a run re-reads its stored status for a cancel
	StatusInterval time.Duration `yaml:"status_interval"`
}

// RedisConfig is shared by the redis queue, relay and cancel bus.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// MQTTConfig configures the optional MQTT sink for task updates.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      int    `yaml:"qos"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// InfluxDBConfig configures run telemetry.
type InfluxDBConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

// DriverConfig points at the device automation agent.
type DriverConfig struct {
	AgentURL  string        `yaml:"agent_url"`
	Timeout   time.Duration `yaml:"timeout"`
	Threshold float64       `yaml:"threshold"`
}

// NotificationsConfig holds webhook targets for finished tasks.
type NotificationsConfig struct {
	DiscordWebhook string `yaml:"discord_webhook"`
	SlackWebhook   string `yaml:"slack_webhook"`
}

// SchedulerConfig controls cron-triggered script runs.
type SchedulerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	SyncInterval time.Duration `yaml:"sync_interval"`
}

// LoggingConfig contains process logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("config: invalid")

// DefaultPath returns the config file location used when none is given.
func DefaultPath() string {
	if p := os.Getenv("DEVICE_TASKS_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(DataDir(), "config.yaml")
}

// DataDir returns $DEVICE_TASKS_DATA or ~/.device-tasks
func DataDir() string {
	if dir := os.Getenv("DEVICE_TASKS_DATA"); dir != "" {
		return dir
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".device-tasks"
	}
	return filepath.Join(homeDir, ".device-tasks")
}

// Load reads configuration from path.
//
// An empty path means DefaultPath(), and a missing default file is not an error.
// The loading order is defaults, YAML file, environment overrides, then Validate.
func Load(path string) (*Config, error) {
	cfg := defaults()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// defaults only
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.fillPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config with defaults and derived paths filled in.
func Default() *Config {
	cfg := defaults()
	cfg.fillPaths()
	return cfg
}

// defaults leaves derived paths empty so a YAML data.dir can still move them.
func defaults() *Config {
	return &Config{
		Data: DataConfig{Dir: DataDir()},
		API: APIConfig{
			Host:     "0.0.0.0",
			Port:     8080,
			Timeouts: APITimeoutConfig{Read: 15, Write: 15, Idle: 60},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws/task_updates/",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Worker: WorkerConfig{
			Concurrency:    2,
			Queue:          "memory",
			TerminateGrace: 5 * time.Second,
			StatusInterval: time.Second,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "device-tasks",
		},
		MQTT: MQTTConfig{
			Broker:   "tcp://localhost:1883",
			ClientID: "device-tasks",
			Topic:    "device-tasks/task_updates",
			QoS:      1,
		},
		Driver: DriverConfig{
			AgentURL:  "http://localhost:8765",
			Timeout:   60 * time.Second,
			Threshold: 0.7,
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			SyncInterval: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

func (c *Config) fillPaths() {
	if c.Data.Dir == "" {
		c.Data.Dir = DataDir()
	}
	if c.Data.DBPath == "" {
		c.Data.DBPath = filepath.Join(c.Data.Dir, "tasks.db")
	}
	if c.Data.MediaRoot == "" {
		c.Data.MediaRoot = filepath.Join(c.Data.Dir, "media")
	}
	if c.Data.AssetsDir == "" {
		c.Data.AssetsDir = filepath.Join(c.Data.Dir, "script_assets")
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DEVICE_TASKS_DATA"); v != "" {
		cfg.Data.Dir = v
	}
	if v := os.Getenv("DEVICE_TASKS_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("DEVICE_TASKS_AGENT_URL"); v != "" {
		cfg.Driver.AgentURL = v
	}
	if v := os.Getenv("DEVICE_TASKS_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}
	if v := os.Getenv("DEVICE_TASKS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	var errs []string

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, fmt.Sprintf("api.port must be 1-65535, got %d", c.API.Port))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, "worker.concurrency must be at least 1")
	}
	switch c.Worker.Queue {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("worker.queue must be memory or redis, got %q", c.Worker.Queue))
	}
	if c.Worker.Queue == "redis" && c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required when worker.queue is redis")
	}
	if c.MQTT.Enabled && (c.MQTT.QoS < 0 || c.MQTT.QoS > 2) {
		errs = append(errs, "mqtt.qos must be 0, 1 or 2")
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}
	if c.Driver.AgentURL == "" {
		errs = append(errs, "driver.agent_url is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// Addr returns the API listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// GetReadTimeout returns the HTTP read timeout.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the HTTP write timeout.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the HTTP idle timeout.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
