package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

var _ Recorder = Nop{}
var _ Recorder = (*Influx)(nil)

func TestInflux(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m := NewInflux(srv.URL, "token", "org", "bucket", "test", zaptest.NewLogger(t))
	m.OrderTransition("executing", "completed", "")
	m.JobFinished("transfer", "completed", 3, 250*time.Millisecond)
	m.Close()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		all := strings.Join(bodies, "\n")
		return strings.Contains(all, "order_transition") && strings.Contains(all, "job_finished")
	}, 2*time.Second, 20*time.Millisecond)
}
