package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Server struct {
		Addr string `mapstructure:"addr"`
		TLS  struct {
			Enable    bool     `mapstructure:"enable"`
			CertFile  string   `mapstructure:"cert_file"`
			KeyFile   string   `mapstructure:"key_file"`
			Hostnames []string `mapstructure:"hostnames"`
		} `mapstructure:"tls"`
	} `mapstructure:"server"`
	AI struct {
		URL     string        `mapstructure:"url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"ai"`
	Messaging struct {
		URL     string        `mapstructure:"url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"messaging"`
	Accounts struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"accounts"`
	Engine struct {
		MaxRetries       uint64        `mapstructure:"max_retries"`
		BackoffInitial   time.Duration `mapstructure:"backoff_initial"`
		BackoffMax       time.Duration `mapstructure:"backoff_max"`
		AIMinuteEstimate int64         `mapstructure:"ai_minute_estimate"`
		ReplyTimeout     time.Duration `mapstructure:"reply_timeout"`
	} `mapstructure:"engine"`
	Supervisor struct {
		MaxConcurrentSessions int `mapstructure:"max_concurrent_sessions"`
		LaneBuffer            int `mapstructure:"lane_buffer"`
	} `mapstructure:"supervisor"`
	Payment struct {
		Window          time.Duration      `mapstructure:"window"`
		ReferencePrefix string             `mapstructure:"reference_prefix"`
		Keywords        []string           `mapstructure:"keywords"`
		AmountTolerance float64            `mapstructure:"amount_tolerance"`
		MaxCodeDistance int                `mapstructure:"max_code_distance"`
		SweepInterval   time.Duration      `mapstructure:"sweep_interval"`
		DisplayCurrency string             `mapstructure:"display_currency"`
		FxRates         map[string]float64 `mapstructure:"fx_rates"`
	} `mapstructure:"payment"`
}

// LoadConfig loads the configuration from a file and the environment.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("db.sslmode", "disable")
	viper.SetDefault("engine.max_retries", 3)
	viper.SetDefault("engine.backoff_initial", "500ms")
	viper.SetDefault("engine.backoff_max", "10s")
	viper.SetDefault("engine.ai_minute_estimate", 1)
	viper.SetDefault("engine.reply_timeout", "5m")
	viper.SetDefault("supervisor.max_concurrent_sessions", 64)
	viper.SetDefault("supervisor.lane_buffer", 16)
	viper.SetDefault("payment.window", "30m")
	viper.SetDefault("payment.reference_prefix", "PAY")
	viper.SetDefault("payment.keywords", []string{"received", "transferred", "confirmed", "payment"})
	viper.SetDefault("payment.amount_tolerance", 0.5)
	viper.SetDefault("payment.max_code_distance", 1)
	viper.SetDefault("payment.sweep_interval", "1m")
	viper.SetDefault("payment.display_currency", "USD")
}
