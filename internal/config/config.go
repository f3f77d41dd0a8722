package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode          string        `mapstructure:"mode"`
	Port          int           `mapstructure:"port"`
	ReadLimit     int64         `mapstructure:"read_limit"`
	PingPeriod    time.Duration `mapstructure:"ping_period"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	SendBuffer    int           `mapstructure:"send_buffer"`
	Secret        string        `mapstructure:"secret"`
	JanusSecret   string        `mapstructure:"janus_secret"`
	SessionTTL    time.Duration `mapstructure:"session_ttl"`
	ReapInterval  time.Duration `mapstructure:"reap_interval"`
	MaxPublishers int           `mapstructure:"max_publishers"`
	AudioCodecs   []string      `mapstructure:"audio_codecs"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 9191)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("write_timeout", "5s")
	v.SetDefault("send_buffer", 32)
	v.SetDefault("session_ttl", "60s")
	v.SetDefault("reap_interval", "10s")
	v.SetDefault("max_publishers", 3)
	v.SetDefault("audio_codecs", []string{"opus", "G722", "PCMA", "PCMU"})

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
