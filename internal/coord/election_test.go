package coord

import (
	"context"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStandalone(t *testing.T) {
	ran := false
	err := Standalone{}.RunAsLeader(context.Background(), func(ctx context.Context) { ran = true })
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestElectorSingleLeader(t *testing.T) {
	endpoints := os.Getenv("ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("ETCD_ENDPOINTS not set")
	}
	client, err := Connect(strings.Split(endpoints, ","), 2*time.Second)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var leaders, maxLeaders int32
	lead := func(ctx context.Context) {
		n := atomic.AddInt32(&leaders, 1)
		for {
			m := atomic.LoadInt32(&maxLeaders)
			if n <= m || atomic.CompareAndSwapInt32(&maxLeaders, m, n) {
				break
			}
		}
		select {
		case <-ctx.Done():
		case <-time.After(500 * time.Millisecond):
		}
		atomic.AddInt32(&leaders, -1)
	}

	done := make(chan struct{}, 2)
	for _, id := range []string{"a", "b"} {
		e := NewElector(client, "/tokensettle/test-election", id, 5, zap.NewNop())
		go func() {
			_ = e.RunAsLeader(ctx, lead)
			done <- struct{}{}
		}()
	}
	<-done
	<-done
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxLeaders))
}
