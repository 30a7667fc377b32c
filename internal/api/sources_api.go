package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-pushrelay-service/internal/dispatch"
	"github.com/tinywideclouds/go-pushrelay-service/internal/sources"
	"github.com/tinywideclouds/go-pushrelay-service/pkg/relay"
)

// SourceManager is the source service as the handlers use it.
type SourceManager interface {
	ListSources(ctx context.Context, owner string) ([]*relay.Source, error)
	GetSource(ctx context.Context, owner, id string) (*relay.Source, error)
	Save(ctx context.Context, owner string, req sources.SaveRequest) (*relay.Source, error)
	Delete(ctx context.Context, owner, id, originDeviceID string) error
}

// Dispatcher is the dispatch engine as the handlers use it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
	SendTest(ctx context.Context, owner, sourceID, originIP string) (*dispatch.Result, error)
	ListMessages(ctx context.Context, owner, sourceID string) (*dispatch.MessageList, error)
}

type SourceAPI struct {
	Sources    SourceManager
	Dispatcher Dispatcher
	Logger     *slog.Logger
}

func NewSourceAPI(srcs SourceManager, dispatcher Dispatcher, logger *slog.Logger) *SourceAPI {
	return &SourceAPI{
		Sources:    srcs,
		Dispatcher: dispatcher,
		Logger:     logger.With("component", "SourceAPI"),
	}
}

func (api *SourceAPI) List(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromRequest(w, r)
	if !ok {
		return
	}
	srcs, err := api.Sources.ListSources(r.Context(), owner)
	if err != nil {
		writeError(w, api.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": views(srcs)})
}

func (api *SourceAPI) Get(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromRequest(w, r)
	if !ok {
		return
	}
	src, err := api.Sources.GetSource(r.Context(), owner, r.FormValue("id"))
	if err != nil {
		writeError(w, api.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": src.View()})
}

// Save creates a source, or updates the one named by the id form value.
// The optional device value names the device making the change.
func (api *SourceAPI) Save(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromRequest(w, r)
	if !ok {
		return
	}
	src, err := api.Sources.Save(r.Context(), owner, sources.SaveRequest{
		ID:             r.FormValue("id"),
		Title:          r.FormValue("title"),
		Description:    r.FormValue("description"),
		Enabled:        formBool(r, "enabled"),
		OriginDeviceID: r.FormValue("device"),
	})
	if err != nil {
		writeError(w, api.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": src.View()})
}

func (api *SourceAPI) Delete(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromRequest(w, r)
	if !ok {
		return
	}
	if err := api.Sources.Delete(r.Context(), owner, r.FormValue("id"), r.FormValue("device")); err != nil {
		writeError(w, api.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// Test sends the fixed test message to every device of the owner.
func (api *SourceAPI) Test(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromRequest(w, r)
	if !ok {
		return
	}
	result, err := api.Dispatcher.SendTest(r.Context(), owner, r.FormValue("id"), clientIP(r))
	if err != nil {
		writeError(w, api.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resultBody(result))
}
