package api

import (
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-pushrelay-service/internal/dispatch"
)

type MessageAPI struct {
	Dispatcher Dispatcher
	Logger     *slog.Logger
}

func NewMessageAPI(dispatcher Dispatcher, logger *slog.Logger) *MessageAPI {
	return &MessageAPI{
		Dispatcher: dispatcher,
		Logger:     logger.With("component", "MessageAPI"),
	}
}

// List returns the owner's newest messages, optionally only those of the
// source named by the sid form value.
func (api *MessageAPI) List(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromRequest(w, r)
	if !ok {
		return
	}
	sid := r.FormValue("sid")
	list, err := api.Dispatcher.ListMessages(r.Context(), owner, sid)
	if err != nil {
		writeError(w, api.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages":       views(list.Messages),
		"storedMessages": list.Stored,
		"filtersource":   sid,
	})
}

// Notify is the public dispatch endpoint. The owner is implied by the
// source keys, so it needs no authentication.
func (api *MessageAPI) Notify(w http.ResponseWriter, r *http.Request) {
	result, err := api.Dispatcher.Dispatch(r.Context(), dispatch.Request{
		Sources:  r.FormValue("source"),
		Title:    r.FormValue("title"),
		Body:     r.FormValue("message"),
		URL:      r.FormValue("url"),
		OriginIP: clientIP(r),
	})
	if err != nil {
		writeError(w, api.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resultBody(result))
}

// resultBody renders a dispatch result. The error field is present only
// when something failed, which is what command line clients test for.
func resultBody(result *dispatch.Result) map[string]any {
	body := map[string]any{
		"messages": result.Messages,
		"results":  result.Results,
	}
	if len(result.Results) > 0 {
		last := result.Results[len(result.Results)-1]
		body["size"] = last.Size
		body["truncated"] = last.Truncated
	}
	if text := result.ErrorText(); text != "" {
		body["error"] = text
	}
	return body
}
