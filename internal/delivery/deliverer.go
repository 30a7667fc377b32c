// Package delivery fans a payload out to an owner's devices through the
// push channel with bounded concurrency and a per-device timeout.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinywideclouds/go-pushrelay-service/pkg/dispatch"
	"github.com/tinywideclouds/go-pushrelay-service/pkg/relay"
)

// Config controls fan-out behaviour.
type Config struct {
	Workers int
	Timeout time.Duration
	// RefreshOnReject re-acquires the gateway token once per Deliver call
	// when the gateway rejects it, then retries the rejected devices.
	// Username and Password must be set for it to take effect.
	RefreshOnReject bool
	Username        string
	Password        string
}

// Failure is a per-device delivery failure.
type Failure struct {
	DeviceID string
	Err      error
}

// Report summarises one Deliver call.
type Report struct {
	Sent     int
	Failures []Failure
}

// Errors renders the failures as relay delivery errors.
func (r Report) Errors() []error {
	out := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		out = append(out, &relay.Error{
			Kind:    relay.KindDelivery,
			Message: fmt.Sprintf("delivery to device %s failed: %v", f.DeviceID, f.Err),
			Err:     f.Err,
		})
	}
	return out
}

// PayloadFunc builds the payload for one device.
type PayloadFunc func(d *relay.Device) dispatch.Payload

// Sender is what the relay services need from delivery.
type Sender interface {
	Deliver(ctx context.Context, devices []*relay.Device, payload PayloadFunc) Report
	DeliverOne(ctx context.Context, device *relay.Device, payload dispatch.Payload) error
}

type Deliverer struct {
	channel dispatch.PushChannel
	tokens  dispatch.TokenSource
	cfg     Config
	logger  *slog.Logger
}

func NewDeliverer(channel dispatch.PushChannel, tokens dispatch.TokenSource, cfg Config, logger *slog.Logger) *Deliverer {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Deliverer{
		channel: channel,
		tokens:  tokens,
		cfg:     cfg,
		logger:  logger.With("component", "Deliverer"),
	}
}

// Deliver sends one payload per device. It never fails as a whole: every
// problem is reported as a per-device Failure.
func (d *Deliverer) Deliver(ctx context.Context, devices []*relay.Device, payload PayloadFunc) Report {
	if len(devices) == 0 {
		return Report{}
	}

	token, err := d.currentToken(ctx)
	if err != nil {
		d.logger.Error("Could not load gateway token", "err", err)
		report := Report{}
		for _, dev := range devices {
			report.Failures = append(report.Failures, Failure{DeviceID: dev.ID, Err: err})
		}
		return report
	}

	errs := d.fanOut(ctx, token, devices, payload)

	if d.canRefresh() {
		var rejected []*relay.Device
		for i, err := range errs {
			if errors.Is(err, dispatch.ErrTokenInvalid) {
				rejected = append(rejected, devices[i])
			}
		}
		if len(rejected) > 0 {
			d.retryWithFreshToken(ctx, devices, rejected, errs, payload)
		}
	}

	report := Report{}
	for i, err := range errs {
		if err == nil {
			report.Sent++
			continue
		}
		if errors.Is(err, dispatch.ErrUnknownDevice) {
			d.logger.Warn("Gateway does not know device", "device_id", devices[i].ID, "owner", devices[i].Owner)
		}
		report.Failures = append(report.Failures, Failure{DeviceID: devices[i].ID, Err: err})
	}
	return report
}

// DeliverOne sends a single payload to one device.
func (d *Deliverer) DeliverOne(ctx context.Context, device *relay.Device, payload dispatch.Payload) error {
	report := d.Deliver(ctx, []*relay.Device{device}, func(*relay.Device) dispatch.Payload { return payload })
	if len(report.Failures) > 0 {
		return report.Errors()[0]
	}
	return nil
}

func (d *Deliverer) canRefresh() bool {
	return d.cfg.RefreshOnReject && d.cfg.Username != "" && d.cfg.Password != ""
}

func (d *Deliverer) currentToken(ctx context.Context) (string, error) {
	tok, err := d.tokens.Current(ctx)
	if err != nil {
		return "", err
	}
	if tok == nil {
		return "", nil
	}
	return tok.Token, nil
}

// fanOut returns one error slot per device, nil on success.
func (d *Deliverer) fanOut(ctx context.Context, token string, devices []*relay.Device, payload PayloadFunc) []error {
	errs := make([]error, len(devices))
	var g errgroup.Group
	g.SetLimit(d.cfg.Workers)
	for i, dev := range devices {
		g.Go(func() error {
			errs[i] = d.send(ctx, token, dev, payload(dev))
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func (d *Deliverer) send(ctx context.Context, token string, dev *relay.Device, payload dispatch.Payload) error {
	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	receipt, err := d.channel.Send(sendCtx, token, dev.DeviceKey, payload)
	if err != nil {
		if errors.Is(sendCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, dispatch.ErrTransient) {
			err = fmt.Errorf("%w: %v", dispatch.ErrTransient, err)
		}
		d.logger.Debug("Push failed", "device_id", dev.ID, "err", err)
		return err
	}
	d.logger.Debug("Push sent", "device_id", dev.ID, "receipt", receipt)
	return nil
}

func (d *Deliverer) retryWithFreshToken(ctx context.Context, all, rejected []*relay.Device, errs []error, payload PayloadFunc) {
	tok, err := d.tokens.Acquire(ctx, d.cfg.Username, d.cfg.Password)
	if err != nil {
		d.logger.Error("Gateway token refresh failed", "err", err)
		return
	}
	d.logger.Info("Gateway token refreshed after rejection", "retrying", len(rejected))

	retryErrs := d.fanOut(ctx, tok.Token, rejected, payload)
	index := make(map[*relay.Device]int, len(all))
	for i, dev := range all {
		index[dev] = i
	}
	for j, dev := range rejected {
		errs[index[dev]] = retryErrs[j]
	}
}
