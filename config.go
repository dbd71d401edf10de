package vitalsguard

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "VITALSGUARD_"

// Storage backends for the replay window and rate limit counters.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`
	Freshness FreshnessConfig `yaml:"freshness"`
	Device    DeviceConfig    `yaml:"device"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Redis     RedisConfig     `yaml:"redis"`
	Keys      KeysConfig      `yaml:"keys"`
	Anomalies AnomalyConfig   `yaml:"anomalies"`
	Forward   ForwardConfig   `yaml:"forward"`
	Storage   StorageConfig   `yaml:"storage"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Webhooks  []WebhookConfig `yaml:"webhooks" validate:"dive"`
	Responses ResponsesConfig `yaml:"responses"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	Path            string        `yaml:"path" validate:"required,startswith=/"`
	BodyLimit       int           `yaml:"bodyLimit" validate:"gt=0"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	AdminToken      string        `yaml:"adminToken"`
	CORSOrigins     []string      `yaml:"corsOrigins"`
	TrustedProxies  []string      `yaml:"trustedProxies"`
}

type TransportConfig struct {
	Mode                 TransportMode `yaml:"mode" validate:"oneof=hmac aead"`
	RequireIntegrityHash bool          `yaml:"requireIntegrityHash"`
}

type FreshnessConfig struct {
	MaxSkew time.Duration `yaml:"maxSkew" validate:"gt=0"`
	Backend string        `yaml:"backend" validate:"oneof=memory redis"`
	Shards  int           `yaml:"shards" validate:"gte=0"`
}

type DeviceConfig struct {
	SkewMinutes     int  `yaml:"skewMinutes" validate:"gte=0,lte=10"`
	AllowDeviceless bool `yaml:"allowDeviceless"`
}

type RateLimitConfig struct {
	Algorithm string        `yaml:"algorithm" validate:"oneof=fixed sliding token"`
	Backend   string        `yaml:"backend" validate:"oneof=memory redis"`
	Limit     int           `yaml:"limit" validate:"gt=0"`
	Window    time.Duration `yaml:"window" validate:"gt=0"`
	KeyBy     string        `yaml:"keyBy" validate:"oneof=ip apiKey"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Prefix   string `yaml:"prefix"`
}

type KeysConfig struct {
	File  string `yaml:"file" validate:"required"`
	Watch bool   `yaml:"watch"`
}

type AnomalyConfig struct {
	QueueSize  int           `yaml:"queueSize" validate:"gte=0"`
	Workers    int           `yaml:"workers" validate:"gte=0"`
	LedgerSize int           `yaml:"ledgerSize" validate:"gte=0"`
	LedgerTTL  time.Duration `yaml:"ledgerTTL"`
	MaxPayload int           `yaml:"maxPayload" validate:"gte=0"`
}

type ForwardConfig struct {
	QueueSize int `yaml:"queueSize" validate:"gte=0"`
	Workers   int `yaml:"workers" validate:"gte=0"`
}

type StorageConfig struct {
	Driver      string `yaml:"driver" validate:"omitempty,oneof=sqlite3 postgres"`
	DSN         string `yaml:"dsn"`
	StoreVitals bool   `yaml:"storeVitals"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"clientId"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos" validate:"lte=2"`
}

type ResponsesConfig struct {
	ExposeReasons bool `yaml:"exposeReasons"`
}

type SweeperConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

// DefaultConfig returns a configuration that runs with only a key file.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			Path:            "/api/v1/vitals",
			BodyLimit:       64 * 1024,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Transport: TransportConfig{Mode: ModeHMAC},
		Freshness: FreshnessConfig{MaxSkew: 5 * time.Minute, Backend: BackendMemory},
		Device:    DeviceConfig{SkewMinutes: 1},
		RateLimit: RateLimitConfig{
			Algorithm: AlgorithmFixedWindow,
			Backend:   BackendMemory,
			Limit:     100,
			Window:    time.Second,
			KeyBy:     KeyByIP,
		},
		Redis:     RedisConfig{Prefix: "vg"},
		Keys:      KeysConfig{File: "keys.yaml", Watch: true},
		Anomalies: AnomalyConfig{QueueSize: 1024, Workers: 2, LedgerSize: 1024, LedgerTTL: time.Hour},
		Forward:   ForwardConfig{QueueSize: 1024, Workers: 2},
		MQTT:      MQTTConfig{ClientID: "vitalsguard", Topic: "vitals/{patientId}", QoS: 1},
		Responses: ResponsesConfig{ExposeReasons: true},
		Sweeper:   SweeperConfig{Interval: 10 * time.Second},
		Log:       LogConfig{Level: "info", Format: "json"},
	}
}

// LoadConfig reads a YAML file over the defaults, applies VITALSGUARD_*
// overrides and validates the result. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := NewDefaultConfigValidator().Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

type envBinding struct {
	name string
	set  func(c *Config, v string) error
}

var envBindings = []envBinding{
	{"ADDR", func(c *Config, v string) error { c.Server.Addr = v; return nil }},
	{"PATH", func(c *Config, v string) error { c.Server.Path = v; return nil }},
	{"ADMIN_TOKEN", func(c *Config, v string) error { c.Server.AdminToken = v; return nil }},
	{"TRUSTED_PROXIES", func(c *Config, v string) error { c.Server.TrustedProxies = splitList(v); return nil }},
	{"MODE", func(c *Config, v string) error { c.Transport.Mode = TransportMode(v); return nil }},
	{"MAX_SKEW", func(c *Config, v string) error { return setDuration(&c.Freshness.MaxSkew, v) }},
	{"REPLAY_BACKEND", func(c *Config, v string) error { c.Freshness.Backend = v; return nil }},
	{"DEVICE_SKEW_MINUTES", func(c *Config, v string) error { return setInt(&c.Device.SkewMinutes, v) }},
	{"ALLOW_DEVICELESS", func(c *Config, v string) error { return setBool(&c.Device.AllowDeviceless, v) }},
	{"RATE_LIMIT", func(c *Config, v string) error { return setInt(&c.RateLimit.Limit, v) }},
	{"RATE_WINDOW", func(c *Config, v string) error { return setDuration(&c.RateLimit.Window, v) }},
	{"RATE_ALGORITHM", func(c *Config, v string) error { c.RateLimit.Algorithm = v; return nil }},
	{"RATE_BACKEND", func(c *Config, v string) error { c.RateLimit.Backend = v; return nil }},
	{"RATE_KEY_BY", func(c *Config, v string) error { c.RateLimit.KeyBy = v; return nil }},
	{"REDIS_ADDR", func(c *Config, v string) error { c.Redis.Addr = v; return nil }},
	{"REDIS_PASSWORD", func(c *Config, v string) error { c.Redis.Password = v; return nil }},
	{"KEYS_FILE", func(c *Config, v string) error { c.Keys.File = v; return nil }},
	{"STORAGE_DRIVER", func(c *Config, v string) error { c.Storage.Driver = v; return nil }},
	{"STORAGE_DSN", func(c *Config, v string) error { c.Storage.DSN = v; return nil }},
	{"MQTT_BROKER", func(c *Config, v string) error { c.MQTT.Broker = v; return nil }},
	{"EXPOSE_REASONS", func(c *Config, v string) error { return setBool(&c.Responses.ExposeReasons, v) }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Log.Level = v; return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Log.Format = v; return nil }},
}

// ApplyEnv overrides fields from VITALSGUARD_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.name)
		if !ok {
			continue
		}
		if err := b.set(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, b.name, err)
		}
	}
	return nil
}

func setDuration(dst *time.Duration, v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setBool(dst *bool, v string) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
