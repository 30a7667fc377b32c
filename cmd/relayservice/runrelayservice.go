package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"

	firebase "firebase.google.com/go/v4"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-pushrelay-service/internal/platform/fcm"
	"github.com/tinywideclouds/go-pushrelay-service/internal/platform/gateway"
	"github.com/tinywideclouds/go-pushrelay-service/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-pushrelay-service/internal/storage/firestore"
	"github.com/tinywideclouds/go-pushrelay-service/internal/storage/sqlite"
	"github.com/tinywideclouds/go-pushrelay-service/pkg/datastore"
	"github.com/tinywideclouds/go-pushrelay-service/pkg/dispatch"
	"github.com/tinywideclouds/go-pushrelay-service/relayservice"
	"github.com/tinywideclouds/go-pushrelay-service/relayservice/config"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"
)

//go:embed local.yaml
var configFile []byte

const usage = `usage: relayservice [command]

commands:
  serve                 run the relay (default)
  acquire-token         exchange the configured gateway credentials for a token
  set-token <token>     store a gateway token obtained elsewhere`

func main() {
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-pushrelay-service")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		logger.Error("Config mapping failed", "err", err)
		os.Exit(1)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	// --- Entity Store ---
	store, closeStore, err := newEntityStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Entity store failed", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	// --- Push Channel ---
	channel, err := newPushChannel(ctx, cfg, logger)
	if err != nil {
		logger.Error("Push channel failed", "err", err)
		os.Exit(1)
	}

	// --- Device Cache ---
	var cacheClient cache.CacheClient
	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
		redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("Failed to connect to Redis", "err", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		cacheClient = redisClient
	}

	components := relayservice.NewComponents(store, channel, cacheClient, cfg, logger)

	switch command {
	case "serve":
		if err := serve(ctx, cfg, components, logger); err != nil {
			logger.Error("Service shutdown with error", "err", err)
			os.Exit(1)
		}
	case "acquire-token":
		tok, err := components.Tokens.Acquire(ctx, cfg.Gateway.Username, cfg.Gateway.Password)
		if err != nil {
			logger.Error("Token acquisition failed", "err", err)
			os.Exit(1)
		}
		logger.Info("Gateway token stored", "token_id", tok.ID)
	case "set-token":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(2)
		}
		tok, err := components.Tokens.Save(ctx, os.Args[2], "set manually")
		if err != nil {
			logger.Error("Token save failed", "err", err)
			os.Exit(1)
		}
		logger.Info("Gateway token stored", "token_id", tok.ID)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
}

func serve(ctx context.Context, cfg *config.Config, components *relayservice.Components, logger *slog.Logger) error {
	// --- Auth ---
	jwksURL, err := middleware.DiscoverAndValidateJWTConfig(cfg.IdentityServiceURL, middleware.RSA256, logger)
	if err != nil {
		return fmt.Errorf("identity discovery failed: %w", err)
	}
	authMiddleware, err := middleware.NewJWKSAuthMiddleware(jwksURL, logger)
	if err != nil {
		return fmt.Errorf("auth middleware failed: %w", err)
	}

	// --- Consumer ---
	var consumer messagepipeline.MessageConsumer
	if cfg.IngestionEnabled() {
		psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client failed: %w", err)
		}
		defer psClient.Close()

		consumer, err = newIngestionConsumer(ctx, cfg, psClient, logger)
		if err != nil {
			return err
		}
	} else {
		logger.Info("Queue ingestion disabled; no subscription configured")
	}

	service, err := relayservice.New(cfg, consumer, components, authMiddleware, logger)
	if err != nil {
		return fmt.Errorf("service creation failed: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting service...", "addr", cfg.ListenAddr)
		errCh <- service.Start(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return service.Shutdown(shutdownCtx)
}

func newEntityStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (datastore.Store, func(), error) {
	switch cfg.Store.Backend {
	case config.StoreSQLite:
		store, err := sqlite.Open(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Entity store initialized", "type", "sqlite", "path", cfg.Store.SQLitePath)
		return store, func() { _ = store.Close() }, nil
	default:
		fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("firestore client failed: %w", err)
		}
		logger.Info("Entity store initialized", "type", "firestore")
		return fsStore.NewEntityStore(fsClient), func() { _ = fsClient.Close() }, nil
	}
}

func newPushChannel(ctx context.Context, cfg *config.Config, logger *slog.Logger) (dispatch.PushChannel, error) {
	switch cfg.Gateway.Channel {
	case config.ChannelFCM:
		fbApp, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Firebase App: %w", err)
		}
		fcmMessaging, err := fbApp.Messaging(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create FCM messaging client: %w", err)
		}
		logger.Info("Push channel initialized", "type", "fcm")
		return fcm.NewChannel(fcmMessaging, logger), nil
	default:
		if cfg.Gateway.Username == "" {
			logger.Warn("Gateway credentials missing; tokens must be set manually")
		}
		logger.Info("Push channel initialized", "type", "gateway")
		return gateway.NewChannel(gateway.Config{
			SendURL: cfg.Gateway.SendURL,
			AuthURL: cfg.Gateway.AuthURL,
			Timeout: cfg.Gateway.Timeout,
		}, logger), nil
	}
}

func newIngestionConsumer(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (messagepipeline.MessageConsumer, error) {
	subConfig := &pubsubpb.Subscription{
		Name:               convertPubsub(cfg.ProjectID, cfg.SubscriptionID, "subscriptions"),
		Topic:              convertPubsub(cfg.ProjectID, cfg.TopicID, "topics"),
		AckDeadlineSeconds: 10,
	}
	if cfg.SubscriptionDLQTopicID != "" {
		subConfig.DeadLetterPolicy = &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     convertPubsub(cfg.ProjectID, cfg.SubscriptionDLQTopicID, "topics"),
			MaxDeliveryAttempts: 5,
		}
	}

	logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
	_, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
	if err != nil && status.Code(err) != codes.AlreadyExists {
		logger.Error("Failed to create subscription", "sub", subConfig.Name, "err", err)
		return nil, errors.New("could not create subscription " + subConfig.Name)
	}

	return messagepipeline.NewGooglePubsubConsumer(
		messagepipeline.NewGooglePubsubConsumerDefaults(subConfig.Name), psClient, logger,
	)
}

type pubsubKind string

func convertPubsub(project, id string, kind pubsubKind) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, kind, id)
}
