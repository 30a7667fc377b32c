// Package api holds the HTTP handlers of the relay. Requests carry their
// parameters as form values (query string or urlencoded body); responses
// are JSON.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-pushrelay-service/pkg/relay"
)

// ownerFromRequest returns the authenticated owner, writing a 401 when the
// request carries none.
func ownerFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.GetUserHandleFromContext(r.Context())
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	owner, err := urn.Parse(userID)
	if err != nil {
		response.WriteJSONError(w, http.StatusUnauthorized, "invalid user identity")
		return "", false
	}
	return owner.String(), true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps relay error kinds to HTTP statuses. Unknown ids and ids
// of another owner both read as 404.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var relayErr *relay.Error
	if !errors.As(err, &relayErr) {
		logger.Error("Request failed", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	switch relayErr.Kind {
	case relay.KindValidationFailed:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": relayErr.Message, "fields": relayErr.Fields})
	case relay.KindMissingParameters, relay.KindUnsupportedDeviceType, relay.KindTooManySources:
		response.WriteJSONError(w, http.StatusBadRequest, relayErr.Error())
	case relay.KindNotFound, relay.KindForbidden, relay.KindSourceNotFound:
		response.WriteJSONError(w, http.StatusNotFound, "not found")
	case relay.KindGatewayAuth:
		logger.Error("Gateway authentication failed", "err", err)
		response.WriteJSONError(w, http.StatusBadGateway, relayErr.Error())
	default:
		logger.Error("Request failed", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

// clientIP prefers the first X-Forwarded-For hop, as the service normally
// runs behind a load balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func formBool(r *http.Request, name string) bool {
	switch strings.ToLower(r.FormValue(name)) {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}

func views[T interface{ View() relay.View }](items []T) []relay.View {
	out := make([]relay.View, 0, len(items))
	for _, item := range items {
		out = append(out, item.View())
	}
	return out
}
