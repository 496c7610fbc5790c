package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=json console"` // json or console
}

type AgentConfig struct {
	Name     string `mapstructure:"name"`
	DeviceID string `mapstructure:"device_id" validate:"required"`
	DataDir  string `mapstructure:"data_dir" validate:"required"`
}

type BackendConfig struct {
	URL                  string `mapstructure:"url" validate:"required,url"`
	Endpoint             string `mapstructure:"endpoint" validate:"required,startswith=/"`
	AuthTokenEnv         string `mapstructure:"auth_token_env"`  // e.g. TRACKER_BACKEND_TOKEN
	AuthTokenFile        string `mapstructure:"auth_token_file"` // written by the login collaborator
	SingleTimeoutSeconds int    `mapstructure:"single_timeout_seconds" validate:"gt=0"`
	BatchTimeoutSeconds  int    `mapstructure:"batch_timeout_seconds" validate:"gt=0"`
	InsecureSkipVerify   bool   `mapstructure:"insecure_skip_verify"`
}

type FilterConfig struct {
	MaxAccuracyM float64 `mapstructure:"max_accuracy_m" validate:"gt=0"`
	MinSpeedKmh  float64 `mapstructure:"min_speed_kmh" validate:"gte=0"`
}

type PolicyConfig struct {
	IntervalSeconds int     `mapstructure:"interval_seconds" validate:"gt=0"`
	DistanceM       float64 `mapstructure:"distance_m" validate:"gt=0"`
	HeadingDeg      float64 `mapstructure:"heading_deg" validate:"gt=0,lte=180"`
}

type TransmissionConfig struct {
	BatchSize        int `mapstructure:"batch_size" validate:"gt=0"`
	MaxBatches       int `mapstructure:"max_batches" validate:"gt=0"`
	MaxWaitSeconds   int `mapstructure:"max_wait_seconds" validate:"gte=0"`
	BatchPauseMs     int `mapstructure:"batch_pause_ms" validate:"gte=0"`
	InitialBackoffMs int `mapstructure:"initial_backoff_ms" validate:"gt=0"`
	MaxBackoffMs     int `mapstructure:"max_backoff_ms" validate:"gtefield=InitialBackoffMs"`
}

type MonitorConfig struct {
	Probe                string `mapstructure:"probe" validate:"oneof=http icmp"`
	HeartbeatURL         string `mapstructure:"heartbeat_url" validate:"omitempty,url"`
	PingHost             string `mapstructure:"ping_host"`
	CheckIntervalSeconds int    `mapstructure:"check_interval_seconds" validate:"gt=0"`
	PollIntervalSeconds  int    `mapstructure:"poll_interval_seconds" validate:"gt=0"`
	WakeIntervalSeconds  int    `mapstructure:"wake_interval_seconds" validate:"gt=0"`
	ReconnectDelayMs     int    `mapstructure:"reconnect_delay_ms" validate:"gte=0"`
	ProbeTimeoutSeconds  int    `mapstructure:"probe_timeout_seconds" validate:"gt=0"`
	LinkCheck            bool   `mapstructure:"link_check"`
}

type TrackingConfig struct {
	NotificationIntervalSeconds int    `mapstructure:"notification_interval_seconds" validate:"gt=0"`
	LocationPermission          bool   `mapstructure:"location_permission"`
	BackgroundPermission        bool   `mapstructure:"background_permission"`
	WakeLockTag                 string `mapstructure:"wake_lock_tag"`
	WakeLockDir                 string `mapstructure:"wake_lock_dir"`
	BatteryDir                  string `mapstructure:"battery_dir"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic" validate:"required_with=Brokers"`
}

type HealthConfig struct {
	Listen string `mapstructure:"listen" validate:"required,hostname_port"`
}

type Config struct {
	Agent        AgentConfig        `mapstructure:"agent"`
	Backend      BackendConfig      `mapstructure:"backend"`
	Filter       FilterConfig       `mapstructure:"filter"`
	Policy       PolicyConfig       `mapstructure:"policy"`
	Transmission TransmissionConfig `mapstructure:"transmission"`
	Monitor      MonitorConfig      `mapstructure:"monitor"`
	Tracking     TrackingConfig     `mapstructure:"tracking"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	Health       HealthConfig       `mapstructure:"health"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.name", "fleet-tracker")
	v.SetDefault("agent.data_dir", "./data")
	v.SetDefault("backend.endpoint", "/ejetrack/v1/devices/send_location")
	v.SetDefault("backend.auth_token_env", "TRACKER_BACKEND_TOKEN")
	v.SetDefault("backend.single_timeout_seconds", 5)
	v.SetDefault("backend.batch_timeout_seconds", 30)
	v.SetDefault("backend.insecure_skip_verify", false)
	v.SetDefault("filter.max_accuracy_m", 25.0)
	v.SetDefault("filter.min_speed_kmh", 0.1)
	v.SetDefault("policy.interval_seconds", 60)
	v.SetDefault("policy.distance_m", 3000.0)
	v.SetDefault("policy.heading_deg", 35.0)
	v.SetDefault("transmission.batch_size", 100)
	v.SetDefault("transmission.max_batches", 10)
	v.SetDefault("transmission.max_wait_seconds", 30)
	v.SetDefault("transmission.batch_pause_ms", 1000)
	v.SetDefault("transmission.initial_backoff_ms", 5000)
	v.SetDefault("transmission.max_backoff_ms", 300000)
	v.SetDefault("monitor.probe", "http")
	v.SetDefault("monitor.check_interval_seconds", 30)
	v.SetDefault("monitor.poll_interval_seconds", 120)
	v.SetDefault("monitor.wake_interval_seconds", 900)
	v.SetDefault("monitor.reconnect_delay_ms", 1500)
	v.SetDefault("monitor.probe_timeout_seconds", 8)
	v.SetDefault("monitor.link_check", true)
	v.SetDefault("tracking.notification_interval_seconds", 30)
	v.SetDefault("tracking.location_permission", true)
	v.SetDefault("tracking.background_permission", true)
	v.SetDefault("tracking.wake_lock_tag", "location-tracking")
	v.SetDefault("tracking.wake_lock_dir", "/sys/power")
	v.SetDefault("tracking.battery_dir", "/sys/class/power_supply")
	v.SetDefault("kafka.topic", "tracker.events")
	v.SetDefault("health.listen", "127.0.0.1:8085")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// env overrides: TRACKER_BACKEND_URL, TRACKER_AGENT_DEVICE_ID etc.
	v.SetEnvPrefix("TRACKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Monitor.HeartbeatURL == "" {
		cfg.Monitor.HeartbeatURL = cfg.Backend.URL
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if cfg.Monitor.Probe == "icmp" && cfg.Monitor.PingHost == "" {
		return fmt.Errorf("validate config: monitor.ping_host is required for icmp probe")
	}
	return nil
}

func seconds(n int) time.Duration      { return time.Duration(n) * time.Second }
func milliseconds(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (b BackendConfig) SingleTimeout() time.Duration { return seconds(b.SingleTimeoutSeconds) }
func (b BackendConfig) BatchTimeout() time.Duration  { return seconds(b.BatchTimeoutSeconds) }

func (p PolicyConfig) Interval() time.Duration { return seconds(p.IntervalSeconds) }

func (t TransmissionConfig) MaxWait() time.Duration        { return seconds(t.MaxWaitSeconds) }
func (t TransmissionConfig) BatchPause() time.Duration     { return milliseconds(t.BatchPauseMs) }
func (t TransmissionConfig) InitialBackoff() time.Duration { return milliseconds(t.InitialBackoffMs) }
func (t TransmissionConfig) MaxBackoff() time.Duration     { return milliseconds(t.MaxBackoffMs) }

func (m MonitorConfig) CheckInterval() time.Duration  { return seconds(m.CheckIntervalSeconds) }
func (m MonitorConfig) PollInterval() time.Duration   { return seconds(m.PollIntervalSeconds) }
func (m MonitorConfig) WakeInterval() time.Duration   { return seconds(m.WakeIntervalSeconds) }
func (m MonitorConfig) ReconnectDelay() time.Duration { return milliseconds(m.ReconnectDelayMs) }
func (m MonitorConfig) ProbeTimeout() time.Duration   { return seconds(m.ProbeTimeoutSeconds) }

func (t TrackingConfig) NotificationInterval() time.Duration {
	return seconds(t.NotificationIntervalSeconds)
}
