// Package gateway is the push channel for a C2DM-style HTTP gateway: a
// ClientLogin credential exchange yields a bearer token, and each device
// send is a form POST authorised with that token.
package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tinywideclouds/go-pushrelay-service/pkg/dispatch"
	"github.com/tinywideclouds/go-pushrelay-service/pkg/relay"
)

const (
	DefaultSendURL = "https://android.apis.google.com/c2dm/send"
	DefaultAuthURL = "https://www.google.com/accounts/ClientLogin"
)

// Config holds the gateway endpoints.
type Config struct {
	SendURL string
	AuthURL string
	// AppName is reported to the auth endpoint as the request source.
	AppName string
	Timeout time.Duration
}

// HTTPDoer is the subset of *http.Client the channel uses.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Channel struct {
	cfg    Config
	client HTTPDoer
	logger *slog.Logger
}

func NewChannel(cfg Config, logger *slog.Logger) *Channel {
	if cfg.SendURL == "" {
		cfg.SendURL = DefaultSendURL
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = DefaultAuthURL
	}
	if cfg.AppName == "" {
		cfg.AppName = "pushrelay"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Channel{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "GatewayChannel"),
	}
}

// WithHTTPClient swaps the HTTP client, mainly for tests.
func (c *Channel) WithHTTPClient(client HTTPDoer) *Channel {
	c.client = client
	return c
}

// Authenticate performs the ClientLogin exchange and returns the Auth token.
func (c *Channel) Authenticate(ctx context.Context, username, password string) (string, error) {
	form := url.Values{}
	form.Set("accountType", "HOSTED_OR_GOOGLE")
	form.Set("Email", username)
	form.Set("Passwd", password)
	form.Set("service", "ac2dm")
	form.Set("source", c.cfg.AppName)

	status, body, err := c.postForm(ctx, c.cfg.AuthURL, form, "")
	if err != nil {
		return "", fmt.Errorf("gateway auth request failed: %w", err)
	}
	if status != http.StatusOK {
		return "", relay.GatewayAuthError(status, body)
	}

	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		if token, ok := strings.CutPrefix(scanner.Text(), "Auth="); ok {
			return token, nil
		}
	}
	return "", relay.GatewayAuthError(status, "response had no Auth line")
}

// Send pushes payload to one device. Failures wrap dispatch.ErrTokenInvalid,
// dispatch.ErrUnknownDevice or dispatch.ErrTransient.
func (c *Channel) Send(ctx context.Context, token, deviceKey string, payload dispatch.Payload) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: no token acquired", dispatch.ErrTokenInvalid)
	}

	form := url.Values{}
	form.Set("registration_id", deviceKey)
	collapseKey := payload["type"]
	if collapseKey == "" {
		collapseKey = "relay"
	}
	form.Set("collapse_key", collapseKey)
	for k, v := range payload {
		form.Set("data."+k, v)
	}

	status, body, err := c.postForm(ctx, c.cfg.SendURL, form, token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", dispatch.ErrTransient, err)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "", fmt.Errorf("%w: status %d", dispatch.ErrTokenInvalid, status)
	case status >= 500:
		return "", fmt.Errorf("%w: status %d", dispatch.ErrTransient, status)
	case status != http.StatusOK:
		return "", fmt.Errorf("%w: unexpected status %d: %s", dispatch.ErrTransient, status, body)
	}

	line := strings.TrimSpace(body)
	if id, ok := strings.CutPrefix(line, "id="); ok {
		return id, nil
	}
	if reason, ok := strings.CutPrefix(line, "Error="); ok {
		return "", classify(reason)
	}
	return "", fmt.Errorf("%w: unparseable response %q", dispatch.ErrTransient, line)
}

func classify(reason string) error {
	switch reason {
	case "InvalidRegistration", "NotRegistered", "MismatchSenderId":
		return fmt.Errorf("%w: %s", dispatch.ErrUnknownDevice, reason)
	case "InvalidAuthToken", "Unauthorized":
		return fmt.Errorf("%w: %s", dispatch.ErrTokenInvalid, reason)
	default:
		// QuotaExceeded, DeviceQuotaExceeded, MessageTooBig, MissingCollapseKey.
		return fmt.Errorf("%w: %s", dispatch.ErrTransient, reason)
	}
}

func (c *Channel) postForm(ctx context.Context, endpoint string, form url.Values, token string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if token != "" {
		req.Header.Set("Authorization", "GoogleLogin auth="+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.logger.Warn("Gateway request timed out", "endpoint", endpoint)
		}
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return resp.StatusCode, "", err
	}
	return resp.StatusCode, string(body), nil
}
