package pipeline_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-pushrelay-service/internal/dispatch"
	"github.com/tinywideclouds/go-pushrelay-service/internal/pipeline"
	"github.com/tinywideclouds/go-pushrelay-service/pkg/relay"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dispatch.Result), args.Error(1)
}

func TestDispatchRequestTransformer(t *testing.T) {
	ctx := context.Background()

	t.Run("Success - maps wire fields", func(t *testing.T) {
		msg := &messagepipeline.Message{MessageData: messagepipeline.MessageData{
			ID:      "msg-1",
			Payload: []byte(`{"source":"k1,k2","title":"Build","message":"green","url":"https://ci.example.com"}`),
		}}

		req, skip, err := pipeline.DispatchRequestTransformer(ctx, msg)
		require.NoError(t, err)
		assert.False(t, skip)
		assert.Equal(t, dispatch.Request{Sources: "k1,k2", Title: "Build", Body: "green", URL: "https://ci.example.com"}, *req)
	})

	t.Run("Failure - malformed JSON is skipped", func(t *testing.T) {
		msg := &messagepipeline.Message{MessageData: messagepipeline.MessageData{ID: "msg-2", Payload: []byte(`{not json`)}}

		req, skip, err := pipeline.DispatchRequestTransformer(ctx, msg)
		assert.Error(t, err)
		assert.True(t, skip)
		assert.Nil(t, req)
	})

	t.Run("Failure - missing source is skipped", func(t *testing.T) {
		msg := &messagepipeline.Message{MessageData: messagepipeline.MessageData{ID: "msg-3", Payload: []byte(`{"title":"x"}`)}}

		_, skip, err := pipeline.DispatchRequestTransformer(ctx, msg)
		assert.Error(t, err)
		assert.True(t, skip)
	})
}

func TestProcessor(t *testing.T) {
	ctx := context.Background()
	req := &dispatch.Request{Sources: "k1", Title: "Hi"}

	t.Run("Success - dispatches request", func(t *testing.T) {
		disp := new(mockDispatcher)
		disp.On("Dispatch", mock.Anything, *req).Return(&dispatch.Result{Messages: 1}, nil)

		err := pipeline.NewProcessor(disp, newTestLogger())(ctx, messagepipeline.Message{}, req)
		require.NoError(t, err)
		disp.AssertExpectations(t)
	})

	t.Run("Rejected request is acknowledged", func(t *testing.T) {
		disp := new(mockDispatcher)
		disp.On("Dispatch", mock.Anything, *req).Return(nil, relay.Errorf(relay.KindTooManySources, "too many"))

		err := pipeline.NewProcessor(disp, newTestLogger())(ctx, messagepipeline.Message{}, req)
		assert.NoError(t, err)
	})

	t.Run("Partial failure is acknowledged", func(t *testing.T) {
		disp := new(mockDispatcher)
		disp.On("Dispatch", mock.Anything, *req).Return(&dispatch.Result{
			Errors: []error{relay.Errorf(relay.KindSourceNotFound, "no source with key k1")},
		}, nil)

		err := pipeline.NewProcessor(disp, newTestLogger())(ctx, messagepipeline.Message{}, req)
		assert.NoError(t, err)
	})

	t.Run("Store failure is retried", func(t *testing.T) {
		disp := new(mockDispatcher)
		disp.On("Dispatch", mock.Anything, *req).Return(nil, assert.AnError)

		err := pipeline.NewProcessor(disp, newTestLogger())(ctx, messagepipeline.Message{}, req)
		assert.ErrorIs(t, err, assert.AnError)
	})
}
