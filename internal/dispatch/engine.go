// Package dispatch turns notification requests into stored messages and
// device pushes: validate, construct, persist, deliver, respond.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/tinywideclouds/go-pushrelay-service/internal/collection"
	"github.com/tinywideclouds/go-pushrelay-service/internal/delivery"
	"github.com/tinywideclouds/go-pushrelay-service/pkg/datastore"
	"github.com/tinywideclouds/go-pushrelay-service/pkg/relay"
)

const (
	DefaultMaxSources   = 10
	DefaultMaxBodyBytes = 1000

	testTitle = "Test message"
	testBody  = "This is a test message sent to all of your devices."
)

type Config struct {
	MaxSources   int
	MaxBodyBytes int
}

// SourceResolver is the part of the source service dispatch needs.
type SourceResolver interface {
	Resolve(ctx context.Context, externalKey string) (*relay.Source, error)
	GetSource(ctx context.Context, owner, id string) (*relay.Source, error)
	PersistPointer(ctx context.Context, src *relay.Source) error
}

type DeviceLister interface {
	ListDevices(ctx context.Context, owner string) ([]*relay.Device, error)
}

// Request is one inbound notification. Sources is a comma separated list
// of source external keys.
type Request struct {
	Sources  string
	Title    string
	Body     string
	URL      string
	OriginIP string
}

// MessageResult describes one stored message.
type MessageResult struct {
	MessageID string `json:"message_id"`
	SourceKey string `json:"source_key"`
	Size      int    `json:"size"`
	Truncated bool   `json:"truncated"`
	Delivered int    `json:"delivered"`
	Failures  int    `json:"failures"`
}

// Result is the aggregate outcome of a dispatch. Errors holds per-source
// and persist failures; per-device delivery failures are only counted in
// Results. Neither makes the dispatch fail.
type Result struct {
	Messages int
	Errors   []error
	Results  []MessageResult
}

// ErrorText joins the collected errors, or returns "" when there are none.
func (r *Result) ErrorText() string {
	if len(r.Errors) == 0 {
		return ""
	}
	parts := make([]string, 0, len(r.Errors))
	for _, err := range r.Errors {
		parts = append(parts, err.Error())
	}
	return strings.Join(parts, ", ")
}

// MessageList is the message listing of one owner.
type MessageList struct {
	Messages []*relay.Message
	// Stored counts every message held for the owner, beyond those listed.
	Stored int
}

type Engine struct {
	collections *collection.Manager
	sources     SourceResolver
	devices     DeviceLister
	sender      delivery.Sender
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time
}

func NewEngine(collections *collection.Manager, sources SourceResolver, devices DeviceLister, sender delivery.Sender, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxSources <= 0 {
		cfg.MaxSources = DefaultMaxSources
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Engine{
		collections: collections,
		sources:     sources,
		devices:     devices,
		sender:      sender,
		cfg:         cfg,
		logger:      logger.With("component", "DispatchEngine"),
		now:         time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Dispatch stores one message per resolvable source key and pushes each to
// every device of the source's owner. A request without sources or title
// fails as a whole, as does one where store failures left nothing stored.
func (e *Engine) Dispatch(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Sources) == "" || strings.TrimSpace(req.Title) == "" {
		return nil, relay.Errorf(relay.KindMissingParameters, "Missing required parameters - need at least source and title.")
	}

	var keys []string
	for _, k := range strings.Split(req.Sources, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil, relay.Errorf(relay.KindMissingParameters, "Missing required parameters - need at least source and title.")
	}

	result := &Result{}
	if len(keys) > e.cfg.MaxSources {
		result.Errors = append(result.Errors,
			relay.Errorf(relay.KindTooManySources, "You can not send to more than %d sources at a time.", e.cfg.MaxSources))
		keys = keys[:e.cfg.MaxSources]
	}

	// storeErr keeps the first store failure; callers only see a generic
	// error per source.
	var storeErr error
	var pending []*relay.Message
	var pendingKeys []string
	for _, key := range keys {
		src, err := e.sources.Resolve(ctx, key)
		if err != nil {
			var relayErr *relay.Error
			if errors.As(err, &relayErr) {
				result.Errors = append(result.Errors, err)
				continue
			}
			e.logger.Error("Failed to resolve source", "key", key, "err", err)
			if storeErr == nil {
				storeErr = err
			}
			result.Errors = append(result.Errors, fmt.Errorf("could not process source %s", key))
			continue
		}
		if !src.Enabled {
			result.Errors = append(result.Errors, relay.Errorf(relay.KindSourceNotFound, "source %s is disabled", key))
			continue
		}
		pending = append(pending, e.newMessage(src, req.Title, req.Body, req.URL, req.OriginIP))
		pendingKeys = append(pendingKeys, key)
	}

	// Persist everything before delivering anything.
	var stored []*relay.Message
	var storedKeys []string
	for i, msg := range pending {
		if err := e.persist(ctx, msg); err != nil {
			e.logger.Error("Failed to store message", "owner", msg.Owner, "source_id", msg.SourceID, "err", err)
			if storeErr == nil {
				storeErr = err
			}
			result.Errors = append(result.Errors, fmt.Errorf("could not store message for source %s", pendingKeys[i]))
			continue
		}
		stored = append(stored, msg)
		storedKeys = append(storedKeys, pendingKeys[i])
	}
	if len(stored) == 0 && storeErr != nil {
		return nil, storeErr
	}

	for i, msg := range stored {
		result.Results = append(result.Results, e.deliver(ctx, msg, storedKeys[i]))
	}
	result.Messages = len(stored)

	e.logger.Info("Dispatch complete", "messages", result.Messages, "errors", len(result.Errors))
	return result, nil
}

// SendTest stores and delivers a fixed test message for one of the owner's
// sources. It also rewrites the source pointer, which repairs a pointer lost
// after a failed save.
func (e *Engine) SendTest(ctx context.Context, owner, sourceID, originIP string) (*Result, error) {
	src, err := e.sources.GetSource(ctx, owner, sourceID)
	if err != nil {
		return nil, err
	}
	if err := e.sources.PersistPointer(ctx, src); err != nil {
		return nil, err
	}

	msg := e.newMessage(src, testTitle, testBody, "", originIP)
	if err := e.persist(ctx, msg); err != nil {
		return nil, err
	}

	result := &Result{Messages: 1}
	result.Results = append(result.Results, e.deliver(ctx, msg, src.ExternalKey))
	return result, nil
}

// ListMessages returns the owner's newest messages, newest first,
// optionally restricted to one source.
func (e *Engine) ListMessages(ctx context.Context, owner, sourceID string) (*MessageList, error) {
	if sourceID != "" {
		_, err := e.sources.GetSource(ctx, owner, sourceID)
		if errors.Is(err, relay.ErrNotFound) {
			// A deleted source had its messages purged with it.
			stored, err := e.collections.Count(ctx, owner, relay.KindMessage)
			if err != nil {
				return nil, err
			}
			return &MessageList{Messages: []*relay.Message{}, Stored: stored}, nil
		}
		if err != nil {
			return nil, err
		}
	}

	msgs, err := collection.ReadEntities[relay.Message](ctx, e.collections, owner, relay.KindMessage, collection.MessageReadLimit)
	if err != nil {
		return nil, err
	}
	if sourceID != "" {
		msgs = slices.DeleteFunc(msgs, func(m *relay.Message) bool { return m.SourceID != sourceID })
	}
	// Collection order is insertion order, so ties keep the newest first.
	slices.Reverse(msgs)
	slices.SortStableFunc(msgs, func(a, b *relay.Message) int {
		return b.Timestamp.Compare(a.Timestamp)
	})

	stored, err := e.collections.Count(ctx, owner, relay.KindMessage)
	if err != nil {
		return nil, err
	}
	return &MessageList{Messages: msgs, Stored: stored}, nil
}

func (e *Engine) newMessage(src *relay.Source, title, body, url, originIP string) *relay.Message {
	body, truncated := truncate(body, e.cfg.MaxBodyBytes)
	return &relay.Message{
		ID:        uuid.NewString(),
		Owner:     src.Owner,
		SourceID:  src.ID,
		Title:     title,
		Body:      body,
		URL:       url,
		OriginIP:  originIP,
		Timestamp: e.now().UTC(),
		Size:      len(title) + len(body) + len(url),
		Truncated: truncated,
	}
}

func (e *Engine) persist(ctx context.Context, msg *relay.Message) error {
	err := e.collections.Transact(ctx, msg.Owner, []relay.Kind{relay.KindMessage}, func(tx *collection.Txn) error {
		if err := tx.Put(datastore.Key{Owner: msg.Owner, Kind: relay.KindMessage, ID: msg.ID}, msg); err != nil {
			return err
		}
		return tx.Add(relay.KindMessage, msg.ID)
	})
	if err != nil {
		return fmt.Errorf("store message for source %s: %w", msg.SourceID, err)
	}
	return nil
}

// deliver pushes a stored message. Failures are logged and counted; the
// message stays stored either way.
func (e *Engine) deliver(ctx context.Context, msg *relay.Message, key string) MessageResult {
	mr := MessageResult{MessageID: msg.ID, SourceKey: key, Size: msg.Size, Truncated: msg.Truncated}

	devs, err := e.devices.ListDevices(ctx, msg.Owner)
	if err != nil {
		e.logger.Error("Failed to list devices for message", "owner", msg.Owner, "message_id", msg.ID, "err", err)
		return mr
	}

	report := e.sender.Deliver(ctx, devs, delivery.MessagePayload(msg))
	mr.Delivered = report.Sent
	mr.Failures = len(report.Failures)
	for _, f := range report.Failures {
		e.logger.Warn("Message delivery failed", "owner", msg.Owner, "message_id", msg.ID, "device_id", f.DeviceID, "err", f.Err)
	}
	return mr
}

// truncate cuts s to at most limit bytes without splitting a UTF-8 sequence.
func truncate(s string, limit int) (string, bool) {
	if len(s) <= limit {
		return s, false
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}
