// Package metrics exposes prometheus counters for gateway activity.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rgateway"

// Collector holds the gateway metrics on a private registry
type Collector struct {
	registry *prometheus.Registry

	rpcRequests     *prometheus.CounterVec
	toolCalls       *prometheus.CounterVec
	toolDuration    *prometheus.HistogramVec
	processes       *prometheus.CounterVec
	securityEvents  *prometheus.CounterVec
	droppedEvents   prometheus.Counter
	uploads         *prometheus.CounterVec
	activeProcesses prometheus.Gauge
}

// New creates a collector with its own registry
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	f := promauto.With(reg)
	return &Collector{
		registry: reg,
		rpcRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "JSON-RPC requests by method and outcome",
		}, []string{"method", "outcome"}),
		toolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and outcome",
		}, []string{"tool", "outcome"}),
		toolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool invocation latency",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"tool"}),
		processes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_transitions_total",
			Help:      "Interpreter process lifecycle transitions",
		}, []string{"state"}),
		securityEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_events_total",
			Help:      "Security events by category and severity",
		}, []string{"category", "severity"}),
		droppedEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_events_dropped_total",
			Help:      "Security events dropped because the write queue was full",
		}),
		uploads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Uploaded files by final status",
		}, []string{"status"}),
		activeProcesses: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_processes",
			Help:      "Interpreter processes currently tracked",
		}),
	}
}

// Registry returns the private registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RPCRequest counts one dispatched request
func (c *Collector) RPCRequest(method, outcome string) {
	c.rpcRequests.WithLabelValues(method, outcome).Inc()
}

// ToolCall counts a tool invocation and records its latency
func (c *Collector) ToolCall(tool, outcome string, d time.Duration) {
	c.toolCalls.WithLabelValues(tool, outcome).Inc()
	c.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// ProcessState counts a lifecycle transition and tracks live processes
func (c *Collector) ProcessState(state string) {
	c.processes.WithLabelValues(state).Inc()
	switch state {
	case "spawned":
		c.activeProcesses.Inc()
	case "reaped":
		c.activeProcesses.Dec()
	}
}

// SecurityEvent counts an audit event
func (c *Collector) SecurityEvent(category, severity string) {
	c.securityEvents.WithLabelValues(category, severity).Inc()
}

// SecurityEventDropped counts an event lost to a full queue
func (c *Collector) SecurityEventDropped() {
	c.droppedEvents.Inc()
}

// Upload counts a processed upload
func (c *Collector) Upload(status string) {
	c.uploads.WithLabelValues(status).Inc()
}

// Serve exposes /metrics on listen until ctx is done
func (c *Collector) Serve(ctx context.Context, listen string, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx) //nolint:errcheck // best effort on exit
	}()

	logger.Info("metrics listening", slog.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
