package pwacache

import (
	"encoding/json"
	"fmt"
	"time"
)

// Notification is what the push handler asks the host to display.
type Notification struct {
	Title   string           `json:"title"`
	Body    string           `json:"body"`
	Icon    string           `json:"icon,omitempty"`
	Badge   string           `json:"badge,omitempty"`
	Vibrate []int            `json:"vibrate,omitempty"`
	Data    NotificationData `json:"data"`
}

// NotificationData is attached to every notification.
type NotificationData struct {
	DateOfArrival int64  `json:"dateOfArrival"`
	PrimaryKey    string `json:"primaryKey"`
}

// PushPayload is the recognized shape of a push message body. Unknown fields
// are ignored.
type PushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// BuildNotification decodes a push payload and fills in the defaults. An
// empty payload yields a notification made entirely of defaults.
func BuildNotification(payload []byte, defaults NotificationConfig, now time.Time) (Notification, error) {
	var p PushPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return Notification{}, fmt.Errorf("decode push payload: %w", err)
		}
	}
	n := Notification{
		Title:   p.Title,
		Body:    p.Body,
		Icon:    defaults.Icon,
		Badge:   defaults.Badge,
		Vibrate: append([]int(nil), defaults.Vibrate...),
		Data: NotificationData{
			DateOfArrival: now.UnixMilli(),
			PrimaryKey:    "1",
		},
	}
	if n.Title == "" {
		n.Title = defaults.Title
	}
	if n.Body == "" {
		n.Body = defaults.Body
	}
	return n, nil
}
