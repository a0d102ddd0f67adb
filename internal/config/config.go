package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type AppConfig struct {
	Env            string `mapstructure:"env"`
	Port           int    `mapstructure:"port"`
	LogLevel       string `mapstructure:"log_level"`
	ShutdownSecond int    `mapstructure:"shutdown_seconds"`
	AllowOrigins   string `mapstructure:"allow_origins"`
}

func (a AppConfig) PortString() string { return fmt.Sprintf("%d", a.Port) }

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type RedisConfig struct {
	Addr               string `mapstructure:"addr"`
	Password           string `mapstructure:"password"`
	DB                 int    `mapstructure:"db"`
	Prefix             string `mapstructure:"prefix"`
	PresenceTTLSeconds int    `mapstructure:"presence_ttl_seconds"`
}

type KafkaConfig struct {
	Brokers           []string `mapstructure:"brokers"`
	TopicAppointments string   `mapstructure:"topic_appointments"`
	TopicMessages     string   `mapstructure:"topic_messages"`
	GroupID           string   `mapstructure:"group_id"`
}

type JWTConfig struct {
	Algorithm     string `mapstructure:"algorithm"`
	HSSecret      string `mapstructure:"hs_secret"`
	PublicKeyPath string `mapstructure:"public_key_path"`
}

type WSConfig struct {
	PingIntervalSeconds  int   `mapstructure:"ping_interval_seconds"`
	WriteDeadlineSeconds int   `mapstructure:"write_deadline_seconds"`
	MaxMessageSizeBytes  int64 `mapstructure:"max_message_size_bytes"`
	SendBuffer           int   `mapstructure:"send_buffer"`
	RateLimitPerSec      int   `mapstructure:"rate_limit_per_sec"`
}

type S3Config struct {
	Region     string `mapstructure:"region"`
	Bucket     string `mapstructure:"bucket"`
	PublicRead bool   `mapstructure:"public_read"`
}

type Config struct {
	App   AppConfig   `mapstructure:"app"`
	Mongo MongoConfig `mapstructure:"mongo"`
	Redis RedisConfig `mapstructure:"redis"`
	Kafka KafkaConfig `mapstructure:"kafka"`
	JWT   JWTConfig   `mapstructure:"jwt"`
	WS    WSConfig    `mapstructure:"ws"`
	S3    S3Config    `mapstructure:"s3"`

	// derived
	PingInterval    time.Duration `mapstructure:"-"`
	WriteDeadline   time.Duration `mapstructure:"-"`
	PresenceTTL     time.Duration `mapstructure:"-"`
	ShutdownTimeout time.Duration `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "dev")
	v.SetDefault("app.port", 8086)
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.shutdown_seconds", 10)
	v.SetDefault("app.allow_origins", "http://localhost:3000")

	v.SetDefault("mongo.database", "counsel")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.prefix", "rt")
	v.SetDefault("redis.presence_ttl_seconds", 86400)

	v.SetDefault("kafka.topic_appointments", "appointment.events")
	v.SetDefault("kafka.topic_messages", "message.events")
	v.SetDefault("kafka.group_id", "counsel-realtime")

	v.SetDefault("jwt.algorithm", "HS256")

	v.SetDefault("ws.ping_interval_seconds", 25)
	v.SetDefault("ws.write_deadline_seconds", 10)
	v.SetDefault("ws.max_message_size_bytes", 65536)
	v.SetDefault("ws.send_buffer", 256)
	v.SetDefault("ws.rate_limit_per_sec", 20)

	v.SetDefault("s3.region", "us-east-1")
}

// Load reads an optional config file, then .env, then REALTIME_* environment
// variables (REALTIME_APP_PORT overrides app.port).
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("REALTIME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	// AutomaticEnv only applies to keys viper already knows about; bind the
	// ones that have no default so env-only deployments work.
	for _, key := range []string{"mongo.uri", "redis.password", "redis.db", "kafka.brokers", "jwt.hs_secret", "jwt.public_key_path", "s3.bucket", "s3.public_read"} {
		_ = v.BindEnv(key)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if len(c.Kafka.Brokers) == 1 && strings.Contains(c.Kafka.Brokers[0], ",") {
		c.Kafka.Brokers = strings.Split(c.Kafka.Brokers[0], ",")
	}

	c.PingInterval = time.Duration(c.WS.PingIntervalSeconds) * time.Second
	c.WriteDeadline = time.Duration(c.WS.WriteDeadlineSeconds) * time.Second
	c.PresenceTTL = time.Duration(c.Redis.PresenceTTLSeconds) * time.Second
	c.ShutdownTimeout = time.Duration(c.App.ShutdownSecond) * time.Second

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c.App.Port <= 0 || c.App.Port > 65535 {
		return fmt.Errorf("app.port invalid: %d", c.App.Port)
	}
	if c.WS.SendBuffer <= 0 {
		return errors.New("ws.send_buffer must be positive")
	}
	if c.WS.RateLimitPerSec <= 0 {
		return errors.New("ws.rate_limit_per_sec must be positive")
	}
	switch strings.ToUpper(c.JWT.Algorithm) {
	case "HS256":
		if c.JWT.HSSecret == "" {
			return errors.New("jwt.hs_secret required for HS256")
		}
	case "RS256":
		if c.JWT.PublicKeyPath == "" {
			return errors.New("jwt.public_key_path required for RS256")
		}
	default:
		return fmt.Errorf("invalid jwt.algorithm %q (use RS256 or HS256)", c.JWT.Algorithm)
	}
	return nil
}

// UseMongo reports whether a Mongo URI is configured; otherwise the in-memory
// store is used.
func (c *Config) UseMongo() bool { return c.Mongo.URI != "" }

func (c *Config) UseKafka() bool { return len(c.Kafka.Brokers) > 0 && c.Kafka.Brokers[0] != "" }

func (c *Config) UseS3() bool { return c.S3.Bucket != "" }
