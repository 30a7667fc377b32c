// Package pipeline feeds dispatch requests arriving on a message queue into
// the dispatch engine.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-pushrelay-service/internal/dispatch"
)

// DispatchMessage is the JSON shape of a queued dispatch request. The field
// names match the form fields of the HTTP notify endpoint.
type DispatchMessage struct {
	Source   string `json:"source"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	URL      string `json:"url,omitempty"`
	OriginIP string `json:"origin_ip,omitempty"`
}

// DispatchRequestTransformer unmarshals a queued payload into a
// dispatch.Request. Payloads that cannot be decoded are skipped so the
// streaming service can dead-letter them.
func DispatchRequestTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*dispatch.Request, bool, error) {
	var wire DispatchMessage
	if err := json.Unmarshal(msg.Payload, &wire); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal dispatch request from message %s: %w", msg.ID, err)
	}
	if wire.Source == "" {
		return nil, true, fmt.Errorf("dispatch request in message %s names no source", msg.ID)
	}

	return &dispatch.Request{
		Sources:  wire.Source,
		Title:    wire.Title,
		Body:     wire.Message,
		URL:      wire.URL,
		OriginIP: wire.OriginIP,
	}, false, nil
}
