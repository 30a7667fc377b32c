package relayservice

import (
	"log/slog"

	"github.com/tinywideclouds/go-pushrelay-service/internal/authtoken"
	"github.com/tinywideclouds/go-pushrelay-service/internal/collection"
	"github.com/tinywideclouds/go-pushrelay-service/internal/delivery"
	"github.com/tinywideclouds/go-pushrelay-service/internal/devices"
	"github.com/tinywideclouds/go-pushrelay-service/internal/dispatch"
	"github.com/tinywideclouds/go-pushrelay-service/internal/sources"
	"github.com/tinywideclouds/go-pushrelay-service/internal/storage/cache"
	"github.com/tinywideclouds/go-pushrelay-service/pkg/datastore"
	pushapi "github.com/tinywideclouds/go-pushrelay-service/pkg/dispatch"
	"github.com/tinywideclouds/go-pushrelay-service/relayservice/config"
)

// Components is the assembled relay core.
type Components struct {
	Tokens  *authtoken.Manager
	Devices pushapi.DeviceDirectory
	Sources *sources.Service
	Engine  *dispatch.Engine
}

// NewComponents wires the relay core over an entity store and a push
// channel. cacheClient may be nil, in which case device lists are read
// straight from the store.
func NewComponents(
	store datastore.Store,
	channel pushapi.PushChannel,
	cacheClient cache.CacheClient,
	cfg *config.Config,
	logger *slog.Logger,
) *Components {
	collections := collection.NewManager(store, logger)
	tokens := authtoken.NewManager(store, channel, cfg.Gateway.TokenTTL, logger)

	sender := delivery.NewDeliverer(channel, tokens, delivery.Config{
		Workers:         cfg.Dispatch.DeliveryWorkers,
		Timeout:         cfg.Gateway.Timeout,
		RefreshOnReject: cfg.Gateway.RefreshOnReject,
		Username:        cfg.Gateway.Username,
		Password:        cfg.Gateway.Password,
	}, logger)

	var directory pushapi.DeviceDirectory = devices.NewRegistry(collections, sender, logger)
	if cacheClient != nil {
		directory = cache.NewCachedDeviceDirectory(directory, cacheClient, cfg.Redis.TTL, logger)
		logger.Info("Device directory upgraded", "type", "redis_cached")
	}

	srcs := sources.NewService(collections, directory, sender, logger)
	engine := dispatch.NewEngine(collections, srcs, directory, sender, dispatch.Config{
		MaxSources:   cfg.Dispatch.MaxSources,
		MaxBodyBytes: cfg.Dispatch.MaxBodyBytes,
	}, logger)

	return &Components{
		Tokens:  tokens,
		Devices: directory,
		Sources: srcs,
		Engine:  engine,
	}
}
