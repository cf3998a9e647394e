package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/terminal-bench/tokensettle/internal/models"
)

const (
	inboxSize = 100
	inboxTTL  = 30 * 24 * time.Hour
)

// Inbox keeps the most recent notifications per user in a Redis list
type Inbox struct {
	rdb redis.Cmdable
}

func NewInbox(rdb redis.Cmdable) *Inbox {
	return &Inbox{rdb: rdb}
}

func inboxKey(userID string) string {
	return fmt.Sprintf("notifications:%s", userID)
}

func (i *Inbox) Name() string { return "inbox" }

func (i *Inbox) Send(ctx context.Context, n *models.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	key := inboxKey(n.UserID)
	_, err = i.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, inboxSize-1)
		pipe.Expire(ctx, key, inboxTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store notification: %w", err)
	}
	return nil
}

// List returns up to limit notifications, newest first
func (i *Inbox) List(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > inboxSize {
		limit = inboxSize
	}

	items, err := i.rdb.LRange(ctx, inboxKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get notifications: %w", err)
	}

	out := make([]models.Notification, 0, len(items))
	for _, item := range items {
		var n models.Notification
		if err := json.Unmarshal([]byte(item), &n); err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}
