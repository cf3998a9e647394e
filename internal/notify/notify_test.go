package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/tokensettle/internal/models"
	"go.uber.org/zap"
)

type recordingSender struct {
	mu    sync.Mutex
	sent  []*models.Notification
	err   error
	block chan struct{}
}

func (s *recordingSender) Name() string { return "recording" }

func (s *recordingSender) Send(ctx context.Context, n *models.Notification) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, n)
	return s.err
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func TestFanout(t *testing.T) {
	t.Run("should deliver to every sender", func(t *testing.T) {
		a, b := &recordingSender{}, &recordingSender{err: errors.New("smtp down")}
		f := NewFanout(8, time.Second, zap.NewNop(), a, b)
		f.Start()

		assert.True(t, f.Notify(&models.Notification{UserID: "user-1", Event: "order.completed"}))
		f.Close()

		assert.Equal(t, 1, a.count())
		assert.Equal(t, 1, b.count())
		assert.NotEmpty(t, a.sent[0].ID)
		assert.False(t, a.sent[0].CreatedAt.IsZero())
	})

	t.Run("should drop instead of blocking when the queue is full", func(t *testing.T) {
		slow := &recordingSender{block: make(chan struct{})}
		f := NewFanout(1, time.Second, zap.NewNop(), slow)
		f.Start()

		done := make(chan struct{})
		var accepted int
		go func() {
			defer close(done)
			for i := 0; i < 10; i++ {
				if f.Notify(&models.Notification{UserID: "user-1"}) {
					accepted++
				}
			}
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Notify blocked on a full queue")
		}
		assert.Less(t, accepted, 10)

		close(slow.block)
		f.Close()
	})

	t.Run("should reject after close", func(t *testing.T) {
		f := NewFanout(1, time.Second, zap.NewNop())
		f.Start()
		f.Close()
		assert.False(t, f.Notify(&models.Notification{UserID: "user-1"}))
	})
}

func TestHub(t *testing.T) {
	hub := NewHub(func(*http.Request) bool { return true }, zap.NewNop())
	defer hub.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.ServeWS(w, r, r.URL.Query().Get("user"))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?user=user-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Connections("user-1") == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Send(context.Background(), &models.Notification{UserID: "user-2", Event: "ignored"}))
	require.NoError(t, hub.Send(context.Background(), &models.Notification{UserID: "user-1", Event: "order.completed"}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), "order.completed")
}
