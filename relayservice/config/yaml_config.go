package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlStoreConfig struct {
	Backend    string `yaml:"backend"`
	SQLitePath string `yaml:"sqlite_path"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
	TTL      string `yaml:"ttl"`
}

type YamlGatewayConfig struct {
	Channel         string `yaml:"channel"`
	SendURL         string `yaml:"send_url"`
	AuthURL         string `yaml:"auth_url"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	Timeout         string `yaml:"timeout"`
	RefreshOnReject bool   `yaml:"refresh_on_reject"`
	TokenTTL        string `yaml:"token_ttl"`
}

type YamlDispatchConfig struct {
	MaxSources      int `yaml:"max_sources"`
	MaxBodyBytes    int `yaml:"max_body_bytes"`
	DeliveryWorkers int `yaml:"delivery_workers"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID              string             `yaml:"project_id"`
	ListenAddr             string             `yaml:"listen_addr"`
	IdentityServiceURL     string             `yaml:"identity_service_url"`
	TopicID                string             `yaml:"topic_id"`
	SubscriptionID         string             `yaml:"subscription_id"`
	SubscriptionDLQTopicID string             `yaml:"subscription_dlq_topic_id"`
	NumPipelineWorkers     int                `yaml:"num_pipeline_workers"`
	CorsConfig             YamlCorsConfig     `yaml:"cors"`
	StoreConfig            YamlStoreConfig    `yaml:"store"`
	RedisConfig            YamlRedisConfig    `yaml:"redis"`
	GatewayConfig          YamlGatewayConfig  `yaml:"gateway"`
	DispatchConfig         YamlDispatchConfig `yaml:"dispatch"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	redisTTL, err := parseDuration("redis.ttl", baseCfg.RedisConfig.TTL)
	if err != nil {
		return nil, err
	}
	timeout, err := parseDuration("gateway.timeout", baseCfg.GatewayConfig.Timeout)
	if err != nil {
		return nil, err
	}
	tokenTTL, err := parseDuration("gateway.token_ttl", baseCfg.GatewayConfig.TokenTTL)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ProjectID:              baseCfg.ProjectID,
		ListenAddr:             baseCfg.ListenAddr,
		IdentityServiceURL:     baseCfg.IdentityServiceURL,
		TopicID:                baseCfg.TopicID,
		SubscriptionID:         baseCfg.SubscriptionID,
		SubscriptionDLQTopicID: baseCfg.SubscriptionDLQTopicID,
		NumPipelineWorkers:     baseCfg.NumPipelineWorkers,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		Store: StoreConfig{
			Backend:    baseCfg.StoreConfig.Backend,
			SQLitePath: baseCfg.StoreConfig.SQLitePath,
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			Enabled:  baseCfg.RedisConfig.Enabled,
			TTL:      redisTTL,
		},
		Gateway: GatewayConfig{
			Channel:         baseCfg.GatewayConfig.Channel,
			SendURL:         baseCfg.GatewayConfig.SendURL,
			AuthURL:         baseCfg.GatewayConfig.AuthURL,
			Username:        baseCfg.GatewayConfig.Username,
			Password:        baseCfg.GatewayConfig.Password,
			Timeout:         timeout,
			RefreshOnReject: baseCfg.GatewayConfig.RefreshOnReject,
			TokenTTL:        tokenTTL,
		},
		Dispatch: DispatchConfig{
			MaxSources:      baseCfg.DispatchConfig.MaxSources,
			MaxBodyBytes:    baseCfg.DispatchConfig.MaxBodyBytes,
			DeliveryWorkers: baseCfg.DispatchConfig.DeliveryWorkers,
		},
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"store", cfg.Store.Backend,
		"channel", cfg.Gateway.Channel,
	)

	return cfg, nil
}

func parseDuration(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", field, err)
	}
	return d, nil
}
