// Package config loads service configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Venue      VenueConfig      `mapstructure:"venue"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Websocket  WebsocketConfig  `mapstructure:"websocket"`
	MarketData MarketDataConfig `mapstructure:"market_data"`
	LogLevel   string           `mapstructure:"log_level"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type VenueConfig struct {
	// Mode selects the venue backend; "sim" is the only one wired.
	Mode       string        `mapstructure:"mode"`
	AckTimeout time.Duration `mapstructure:"ack_timeout"`
	SimLatency time.Duration `mapstructure:"sim_latency"`
}

type RiskConfig struct {
	DefaultMaxPositionSize    string `mapstructure:"default_max_position_size"`
	DefaultMaxOrderNotional   string `mapstructure:"default_max_order_notional"`
	DefaultMaxAccountExposure string `mapstructure:"default_max_account_exposure"`
}

type WebsocketConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

type MarketDataConfig struct {
	// Feed selects "sim" or "ws".
	Feed        string        `mapstructure:"feed"`
	URL         string        `mapstructure:"url"`
	Instruments []string      `mapstructure:"instruments"`
	SimInterval time.Duration `mapstructure:"sim_interval"`
}

// Load reads config.yaml from the given path (or the working directory) and
// overlays TRADECORE_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("TRADECORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "tradecore.events")
	v.SetDefault("kafka.group_id", "tradecore")

	v.SetDefault("venue.mode", "sim")
	v.SetDefault("venue.ack_timeout", "5s")
	v.SetDefault("venue.sim_latency", "50ms")

	v.SetDefault("risk.default_max_position_size", "1000")
	v.SetDefault("risk.default_max_order_notional", "1000000")
	v.SetDefault("risk.default_max_account_exposure", "5000000")

	v.SetDefault("websocket.queue_size", 256)

	v.SetDefault("market_data.feed", "sim")
	v.SetDefault("market_data.instruments", []string{"BTC-USD", "ETH-USD"})
	v.SetDefault("market_data.sim_interval", "500ms")

	v.SetDefault("log_level", "info")
}
