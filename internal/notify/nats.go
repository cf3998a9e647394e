package notify

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/terminal-bench/tokensettle/internal/models"
	"github.com/terminal-bench/tokensettle/pkg/messaging"
	"go.uber.org/zap"
)

// NATSSender publishes notifications on notify.<userID> for downstream
// email/SMS/push relays.
type NATSSender struct {
	pub messaging.Publisher
}

func NewNATSSender(pub messaging.Publisher) *NATSSender {
	return &NATSSender{pub: pub}
}

func (s *NATSSender) Name() string { return "nats" }

func (s *NATSSender) Send(ctx context.Context, n *models.Notification) error {
	return s.pub.Publish(ctx, messaging.SubjectNotificationPrefix+n.UserID, n)
}

// RelayToHub feeds notifications published by any process into the local
// hub. group must be unique per process so every instance sees every message.
func RelayToHub(client *messaging.Client, group string, hub *Hub, logger *zap.Logger) error {
	return client.QueueSubscribe(messaging.SubjectNotificationPrefix+"*", group, func(msg *nats.Msg) {
		var n models.Notification
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			logger.Warn("dropping malformed notification", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		_ = hub.Send(context.Background(), &n)
	})
}
