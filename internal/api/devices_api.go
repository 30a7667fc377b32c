package api

import (
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-pushrelay-service/pkg/dispatch"
	"github.com/tinywideclouds/go-pushrelay-service/pkg/relay"
)

type DeviceAPI struct {
	Directory dispatch.DeviceDirectory
	Logger    *slog.Logger
}

func NewDeviceAPI(directory dispatch.DeviceDirectory, logger *slog.Logger) *DeviceAPI {
	return &DeviceAPI{
		Directory: directory,
		Logger:    logger.With("component", "DeviceAPI"),
	}
}

func (api *DeviceAPI) List(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromRequest(w, r)
	if !ok {
		return
	}
	devs, err := api.Directory.ListDevices(r.Context(), owner)
	if err != nil {
		writeError(w, api.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": views(devs)})
}

// Register upserts a device from the devicekey, devicetype, deviceversion,
// nickname and optional id form values.
func (api *DeviceAPI) Register(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromRequest(w, r)
	if !ok {
		return
	}
	reg := dispatch.DeviceRegistration{
		DeviceKey:     r.FormValue("devicekey"),
		DeviceType:    r.FormValue("devicetype"),
		DeviceVersion: r.FormValue("deviceversion"),
		Nickname:      r.FormValue("nickname"),
		ExistingID:    r.FormValue("id"),
	}
	if reg.DeviceKey == "" && reg.DeviceType == "" {
		writeError(w, api.Logger, relay.Errorf(relay.KindMissingParameters, `Missing required parameters "devicekey" and "devicetype".`))
		return
	}

	dev, err := api.Directory.RegisterDevice(r.Context(), owner, reg)
	if err != nil {
		writeError(w, api.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device": dev.View()})
}

// Deregister removes a device at the device's own request, without
// signalling it.
func (api *DeviceAPI) Deregister(w http.ResponseWriter, r *http.Request) {
	api.remove(w, r, false)
}

// Delete removes a device at the owner's request and tells the device.
func (api *DeviceAPI) Delete(w http.ResponseWriter, r *http.Request) {
	api.remove(w, r, true)
}

func (api *DeviceAPI) remove(w http.ResponseWriter, r *http.Request, notify bool) {
	owner, ok := ownerFromRequest(w, r)
	if !ok {
		return
	}
	if err := api.Directory.DeregisterDevice(r.Context(), owner, r.FormValue("id"), notify); err != nil {
		writeError(w, api.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
