package main

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Addr           string        `mapstructure:"addr"`
	DBPath         string        `mapstructure:"db_path"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	AuthTimeout    time.Duration `mapstructure:"auth_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	HistoryLimit   int           `mapstructure:"history_limit"`
	InviteCodeTTL  time.Duration `mapstructure:"invite_code_ttl"`
	JoinRequestTTL time.Duration `mapstructure:"join_request_ttl"`
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("addr", ":8080")
	v.SetDefault("db_path", "parley.db")
	v.SetDefault("jwt_secret", "change-me-in-production")
	v.SetDefault("token_ttl", 24*time.Hour)
	v.SetDefault("auth_timeout", 10*time.Second)
	v.SetDefault("ping_interval", 54*time.Second)
	v.SetDefault("pong_wait", 60*time.Second)
	v.SetDefault("write_wait", 10*time.Second)
	v.SetDefault("send_buffer", 256)
	v.SetDefault("history_limit", 50)
	v.SetDefault("invite_code_ttl", 30*24*time.Hour)
	v.SetDefault("join_request_ttl", 7*24*time.Hour)

	v.SetEnvPrefix("PARLEY")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
