package relay

import "time"

// View is the serialized form of an entity handed to API clients.
type View map[string]any

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// View returns the fixed client-facing field set of a source.
func (s *Source) View() View {
	return View{
		"type":        "source",
		"id":          s.ID,
		"title":       s.Title,
		"created":     formatTime(s.Created),
		"updated":     formatTime(s.Updated),
		"description": s.Description,
		"key":         s.ExternalKey,
		"enabled":     s.Enabled,
	}
}

// View returns the fixed client-facing field set of a device. The device
// key is deliberately omitted.
func (d *Device) View() View {
	return View{
		"type":           "device",
		"id":             d.ID,
		"created":        formatTime(d.Created),
		"updated":        formatTime(d.Updated),
		"deviceType":     d.DeviceType,
		"deviceVersion":  d.DeviceVersion,
		"deviceNickname": d.Nickname,
	}
}

// View returns the fixed client-facing field set of a message.
func (m *Message) View() View {
	return View{
		"type":      "message",
		"id":        m.ID,
		"source_id": m.SourceID,
		"title":     m.Title,
		"message":   m.Body,
		"url":       m.URL,
		"origin_ip": m.OriginIP,
		"timestamp": formatTime(m.Timestamp),
		"size":      m.Size,
		"truncated": m.Truncated,
	}
}

// View returns the fixed field set of a token. The token value itself is
// never exposed.
func (t *AuthToken) View() View {
	return View{
		"type":    "authtoken",
		"id":      t.ID,
		"created": formatTime(t.Created),
		"updated": formatTime(t.Updated),
		"comment": t.Comment,
	}
}
