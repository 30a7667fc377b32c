package delivery

import (
	"encoding/base64"
	"strconv"
	"time"

	"github.com/tinywideclouds/go-pushrelay-service/pkg/dispatch"
	"github.com/tinywideclouds/go-pushrelay-service/pkg/relay"
)

// Payload types understood by the device client.
const (
	TypeMessage      = "message"
	TypeSourceChange = "sourcechange"
	TypeSourceDelete = "sourcedelete"
	TypeDeviceDelete = "devicedelete"
)

// MessagePayload carries a stored message. Free text is base64 encoded so
// the gateway form encoding cannot mangle it.
func MessagePayload(msg *relay.Message) PayloadFunc {
	return func(dev *relay.Device) dispatch.Payload {
		return dispatch.Payload{
			"type":      TypeMessage,
			"server_id": msg.ID,
			"source_id": msg.SourceID,
			"device_id": dev.ID,
			"timestamp": unix(msg.Timestamp),
			"title":     encode(msg.Title),
			"message":   encode(msg.Body),
			"url":       encode(msg.URL),
		}
	}
}

// SourceChangePayload tells devices to resync a created or updated source.
func SourceChangePayload(src *relay.Source, at time.Time) PayloadFunc {
	return sourcePayload(TypeSourceChange, src, at)
}

// SourceDeletePayload tells devices a source is about to disappear.
func SourceDeletePayload(src *relay.Source, at time.Time) PayloadFunc {
	return sourcePayload(TypeSourceDelete, src, at)
}

func sourcePayload(kind string, src *relay.Source, at time.Time) PayloadFunc {
	return func(dev *relay.Device) dispatch.Payload {
		return dispatch.Payload{
			"type":      kind,
			"source_id": src.ID,
			"device_id": dev.ID,
			"timestamp": unix(at),
		}
	}
}

// DeviceDeletePayload tells a device it has been removed from its owner.
func DeviceDeletePayload(dev *relay.Device, at time.Time) dispatch.Payload {
	return dispatch.Payload{
		"type":      TypeDeviceDelete,
		"device_id": dev.ID,
		"timestamp": unix(at),
	}
}

func encode(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func unix(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
