// Package metrics writes pipeline outcome points to InfluxDB.
package metrics

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"go.uber.org/zap"
)

// Recorder receives pipeline outcomes. Implementations must not block.
type Recorder interface {
	GateDecision(allowed bool, reason string)
	OrderTransition(from, to, reason string)
	JobFinished(jobType, outcome string, attempts int, latency time.Duration)
	Refund(outcome string)
}

// Nop discards everything
type Nop struct{}

func (Nop) GateDecision(bool, string)                      {}
func (Nop) OrderTransition(string, string, string)         {}
func (Nop) JobFinished(string, string, int, time.Duration) {}
func (Nop) Refund(string)                                  {}

// Influx batches points through the non-blocking write API
type Influx struct {
	client influxdb2.Client
	writer api.WriteAPI
	done   chan struct{}
	logger *zap.Logger
}

// NewInflux connects to url and starts draining write errors into the log
func NewInflux(url, token, org, bucket, service string, logger *zap.Logger) *Influx {
	opts := influxdb2.DefaultOptions().
		SetBatchSize(200).
		SetFlushInterval(1000).
		AddDefaultTag("service", service)
	client := influxdb2.NewClientWithOptions(url, token, opts)

	m := &Influx{
		client: client,
		writer: client.WriteAPI(org, bucket),
		done:   make(chan struct{}),
		logger: logger.Named("metrics"),
	}
	go m.drainErrors()
	return m
}

func (m *Influx) drainErrors() {
	errs := m.writer.Errors()
	for {
		select {
		case err := <-errs:
			m.logger.Warn("influx write failed", zap.Error(err))
		case <-m.done:
			return
		}
	}
}

func (m *Influx) GateDecision(allowed bool, reason string) {
	m.writer.WritePoint(influxdb2.NewPoint("gate_decision",
		map[string]string{"reason": reason},
		map[string]interface{}{"allowed": allowed, "count": 1},
		time.Now()))
}

func (m *Influx) OrderTransition(from, to, reason string) {
	tags := map[string]string{"from": from, "to": to}
	if reason != "" {
		tags["reason"] = reason
	}
	m.writer.WritePoint(influxdb2.NewPoint("order_transition", tags,
		map[string]interface{}{"count": 1}, time.Now()))
}

func (m *Influx) JobFinished(jobType, outcome string, attempts int, latency time.Duration) {
	m.writer.WritePoint(influxdb2.NewPoint("job_finished",
		map[string]string{"type": jobType, "outcome": outcome},
		map[string]interface{}{"attempts": attempts, "latency_ms": latency.Milliseconds()},
		time.Now()))
}

func (m *Influx) Refund(outcome string) {
	m.writer.WritePoint(influxdb2.NewPoint("refund",
		map[string]string{"outcome": outcome},
		map[string]interface{}{"count": 1}, time.Now()))
}

// Close flushes pending points and releases the client
func (m *Influx) Close() {
	m.writer.Flush()
	close(m.done)
	m.client.Close()
}
