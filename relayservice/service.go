// Package relayservice assembles the push relay: the HTTP API, the optional
// queue ingestion pipeline and the base server they run on.
package relayservice

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-pushrelay-service/internal/api"
	"github.com/tinywideclouds/go-pushrelay-service/internal/dispatch"
	"github.com/tinywideclouds/go-pushrelay-service/internal/pipeline"
	"github.com/tinywideclouds/go-pushrelay-service/relayservice/config"
)

type Wrapper struct {
	*microservice.BaseServer
	pipelineService *messagepipeline.StreamingService[dispatch.Request]
	logger          *slog.Logger
}

// Mux is the route registration surface of an HTTP multiplexer.
type Mux interface {
	Handle(pattern string, handler http.Handler)
}

// New assembles the service. consumer may be nil, which disables queue
// ingestion.
func New(
	cfg *config.Config,
	consumer messagepipeline.MessageConsumer,
	components *Components,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) (*Wrapper, error) {

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. Pipeline
	var streamingService *messagepipeline.StreamingService[dispatch.Request]
	if consumer != nil {
		var err error
		streamingService, err = messagepipeline.NewStreamingService(
			messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
			consumer,
			pipeline.DispatchRequestTransformer,
			pipeline.NewProcessor(components.Engine, logger),
			logger,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create streaming service: %w", err)
		}
	}

	// 3. Routes
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)
	RegisterRoutes(baseServer.Mux(), components, corsMiddleware, authMiddleware, logger)

	return &Wrapper{
		BaseServer:      baseServer,
		pipelineService: streamingService,
		logger:          logger,
	}, nil
}

// RegisterRoutes mounts the relay API on mux. Everything under /api/v1 is
// authenticated; /notify is public because source keys imply the owner.
func RegisterRoutes(
	mux Mux,
	components *Components,
	corsMiddleware func(http.Handler) http.Handler,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) {
	deviceAPI := api.NewDeviceAPI(components.Devices, logger)
	sourceAPI := api.NewSourceAPI(components.Sources, components.Engine, logger)
	messageAPI := api.NewMessageAPI(components.Engine, logger)

	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(authMiddleware(handlerFunc)))
	}

	// 1. Devices
	handle("GET /api/v1/devices", deviceAPI.List)
	handle("POST /api/v1/devices/register", deviceAPI.Register)
	handle("POST /api/v1/devices/deregister", deviceAPI.Deregister)
	handle("POST /api/v1/devices/delete", deviceAPI.Delete)

	// 2. Sources
	handle("GET /api/v1/sources", sourceAPI.List)
	handle("GET /api/v1/sources/get", sourceAPI.Get)
	handle("POST /api/v1/sources/save", sourceAPI.Save)
	handle("POST /api/v1/sources/delete", sourceAPI.Delete)
	handle("POST /api/v1/sources/test", sourceAPI.Test)

	// 3. Messages
	handle("GET /api/v1/messages", messageAPI.List)

	// 4. Public dispatch
	mux.Handle("GET /notify", http.HandlerFunc(messageAPI.Notify))
	mux.Handle("POST /notify", http.HandlerFunc(messageAPI.Notify))

	// 5. CORS preflight for the API namespace
	mux.Handle("OPTIONS /api/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))
}

func (w *Wrapper) Start(ctx context.Context) error {
	if w.pipelineService != nil {
		w.logger.Info("Core processing pipeline starting...")
		if err := w.pipelineService.Start(ctx); err != nil {
			return fmt.Errorf("failed to start processing service: %w", err)
		}
	}
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error
	if w.pipelineService != nil {
		if err := w.pipelineService.Stop(ctx); err != nil {
			w.logger.Error("Processing pipeline shutdown failed.", "err", err)
			finalErr = err
		}
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
