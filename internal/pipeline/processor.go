package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-pushrelay-service/internal/dispatch"
	"github.com/tinywideclouds/go-pushrelay-service/pkg/relay"
)

// Dispatcher runs one dispatch request.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

// NewProcessor hands each queued request to the dispatcher. Requests the
// engine refuses outright are acknowledged and dropped, since redelivery
// cannot fix them. A dispatch that could store nothing because the store
// failed returns that error, so the message is retried.
func NewProcessor(dispatcher Dispatcher, logger *slog.Logger) messagepipeline.StreamProcessor[dispatch.Request] {
	logger = logger.With("component", "DispatchProcessor")

	return func(ctx context.Context, original messagepipeline.Message, request *dispatch.Request) error {
		procLogger := logger.With("pubsub_msg_id", original.ID)

		result, err := dispatcher.Dispatch(ctx, *request)
		if err != nil {
			var relayErr *relay.Error
			if errors.As(err, &relayErr) {
				procLogger.Warn("Dropping rejected dispatch request", "kind", relayErr.Kind, "err", err)
				return nil
			}
			procLogger.Error("Dispatch failed", "err", err)
			return err
		}

		if text := result.ErrorText(); text != "" {
			procLogger.Warn("Dispatch completed with errors", "messages", result.Messages, "errors", text)
			return nil
		}
		procLogger.Info("Dispatch completed", "messages", result.Messages)
		return nil
	}
}
