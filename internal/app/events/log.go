package events

import (
	"github.com/R3E-Network/custody_layer/pkg/logger"
)

// LogTo subscribes log to every lifecycle event on hub. Errors are logged at
// warn level, transitions at info.
func LogTo(hub *Hub, log *logger.Logger) func() {
	return hub.Subscribe(func(e Event) {
		entry := log.WithField("event", string(e.Name)).
			WithField("account_id", e.AccountID).
			WithField("event_id", e.ID)
		if e.Name == UndockingError {
			entry.WithField("error", e.Error).Warn(e.Message)
			return
		}
		entry.Info(e.Message)
	})
}
