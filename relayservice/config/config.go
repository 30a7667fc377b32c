package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

const (
	StoreFirestore = "firestore"
	StoreSQLite    = "sqlite"

	ChannelGateway = "gateway"
	ChannelFCM     = "fcm"
)

type StoreConfig struct {
	Backend    string
	SQLitePath string
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// GatewayConfig selects and configures the push channel.
type GatewayConfig struct {
	Channel         string
	SendURL         string
	AuthURL         string
	Username        string
	Password        string
	Timeout         time.Duration
	RefreshOnReject bool
	TokenTTL        time.Duration
}

type DispatchConfig struct {
	MaxSources      int
	MaxBodyBytes    int
	DeliveryWorkers int
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID              string
	ListenAddr             string
	IdentityServiceURL     string
	TopicID                string
	SubscriptionID         string
	SubscriptionDLQTopicID string
	NumPipelineWorkers     int

	CorsConfig middleware.CorsConfig
	Store      StoreConfig
	Redis      RedisConfig
	Gateway    GatewayConfig
	Dispatch   DispatchConfig

	PubsubConsumerConfig *messagepipeline.GooglePubsubConsumerConfig
}

// IngestionEnabled reports whether queued dispatch requests are consumed.
func (c *Config) IngestionEnabled() bool {
	return c.SubscriptionID != ""
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	overrideString := func(key string, target *string) {
		if val := os.Getenv(key); val != "" {
			logger.Debug("Overriding config value", "key", key, "source", "env")
			*target = val
		}
	}
	overrideInt := func(key string, target *int) {
		if val := os.Getenv(key); val != "" {
			if n, err := strconv.Atoi(val); err == nil {
				logger.Debug("Overriding config value", "key", key, "source", "env")
				*target = n
			}
		}
	}
	overrideBool := func(key string, target *bool) {
		if val := os.Getenv(key); val != "" {
			if b, err := strconv.ParseBool(val); err == nil {
				logger.Debug("Overriding config value", "key", key, "source", "env")
				*target = b
			}
		}
	}
	overrideDuration := func(key string, target *time.Duration) {
		if val := os.Getenv(key); val != "" {
			if d, err := time.ParseDuration(val); err == nil {
				logger.Debug("Overriding config value", "key", key, "source", "env")
				*target = d
			}
		}
	}

	// 1. Apply Environment Overrides
	overrideString("PROJECT_ID", &cfg.ProjectID)
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	overrideString("IDENTITY_SERVICE_URL", &cfg.IdentityServiceURL)
	overrideString("TOPIC_ID", &cfg.TopicID)
	overrideString("SUBSCRIPTION_ID", &cfg.SubscriptionID)
	overrideString("SUBSCRIPTION_DLQ_TOPIC_ID", &cfg.SubscriptionDLQTopicID)
	overrideInt("NUM_PIPELINE_WORKERS", &cfg.NumPipelineWorkers)

	overrideString("STORE_BACKEND", &cfg.Store.Backend)
	overrideString("SQLITE_PATH", &cfg.Store.SQLitePath)

	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	overrideString("REDIS_PASSWORD", &cfg.Redis.Password)
	overrideInt("REDIS_DB", &cfg.Redis.DB)
	overrideBool("REDIS_ENABLED", &cfg.Redis.Enabled)
	overrideDuration("REDIS_TTL", &cfg.Redis.TTL)

	overrideString("PUSH_CHANNEL", &cfg.Gateway.Channel)
	overrideString("GATEWAY_SEND_URL", &cfg.Gateway.SendURL)
	overrideString("GATEWAY_AUTH_URL", &cfg.Gateway.AuthURL)
	overrideString("GATEWAY_USERNAME", &cfg.Gateway.Username)
	overrideString("GATEWAY_PASSWORD", &cfg.Gateway.Password)
	overrideDuration("GATEWAY_TIMEOUT", &cfg.Gateway.Timeout)
	overrideBool("GATEWAY_REFRESH_ON_REJECT", &cfg.Gateway.RefreshOnReject)
	overrideDuration("GATEWAY_TOKEN_TTL", &cfg.Gateway.TokenTTL)

	overrideInt("DISPATCH_MAX_SOURCES", &cfg.Dispatch.MaxSources)
	overrideInt("DISPATCH_MAX_BODY_BYTES", &cfg.Dispatch.MaxBodyBytes)
	overrideInt("DELIVERY_WORKERS", &cfg.Dispatch.DeliveryWorkers)

	// CORS Overrides
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		var cleanOrigins []string
		for _, o := range strings.Split(corsOrigins, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	}

	// 2. Defaults
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.IdentityServiceURL == "" {
		cfg.IdentityServiceURL = "http://localhost:3000"
	}
	if cfg.NumPipelineWorkers <= 0 {
		cfg.NumPipelineWorkers = 1
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreFirestore
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = "pushrelay.db"
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = 10 * time.Minute
	}
	if cfg.Gateway.Channel == "" {
		cfg.Gateway.Channel = ChannelGateway
	}
	if cfg.Gateway.TokenTTL <= 0 {
		cfg.Gateway.TokenTTL = time.Minute
	}
	if cfg.Dispatch.MaxSources <= 0 {
		cfg.Dispatch.MaxSources = 10
	}
	if cfg.Dispatch.MaxBodyBytes <= 0 {
		cfg.Dispatch.MaxBodyBytes = 1000
	}
	if cfg.Dispatch.DeliveryWorkers <= 0 {
		cfg.Dispatch.DeliveryWorkers = 8
	}

	// 3. Final Validation
	switch cfg.Store.Backend {
	case StoreFirestore, StoreSQLite:
	default:
		return nil, fmt.Errorf("store backend %q is not supported (firestore or sqlite)", cfg.Store.Backend)
	}
	switch cfg.Gateway.Channel {
	case ChannelGateway, ChannelFCM:
	default:
		return nil, fmt.Errorf("push channel %q is not supported (gateway or fcm)", cfg.Gateway.Channel)
	}
	needsProject := cfg.Store.Backend == StoreFirestore || cfg.Gateway.Channel == ChannelFCM || cfg.IngestionEnabled()
	if needsProject && cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required (set via YAML or PROJECT_ID env var)")
	}

	if cfg.IngestionEnabled() {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	} else {
		cfg.PubsubConsumerConfig = nil
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}
