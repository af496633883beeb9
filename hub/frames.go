package hub

import (
	"github.com/bytedance/sonic"

	"taskhub/domain"
)

type dataFrame struct {
	Event domain.EventKind `json:"event"`
	Data  any              `json:"data"`
}

func EncodeChange(ev domain.ChangeEvent) ([]byte, error) {
	return sonic.Marshal(ev)
}

func EncodeNotification(n domain.Notification) ([]byte, error) {
	return sonic.Marshal(dataFrame{Event: domain.EventNotification, Data: n.View()})
}

// EncodeSnapshot renders the unread list pushed right after a connection
// is accepted.
func EncodeSnapshot(ns []domain.Notification) ([]byte, error) {
	views := make([]domain.NotificationView, 0, len(ns))
	for _, n := range ns {
		views = append(views, n.View())
	}
	return sonic.Marshal(dataFrame{Event: domain.EventNotificationList, Data: views})
}

// notificationID reports the id of a targeted notification frame.
func notificationID(frame []byte) (int64, bool) {
	var f struct {
		Event domain.EventKind `json:"event"`
		Data  struct {
			ID int64 `json:"id"`
		} `json:"data"`
	}
	if err := sonic.Unmarshal(frame, &f); err != nil || f.Event != domain.EventNotification {
		return 0, false
	}
	return f.Data.ID, true
}
