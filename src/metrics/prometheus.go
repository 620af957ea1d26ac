// Package metrics reports metrics about pogo runs to an external server,
// currently a Prometheus pushgateway. pogo is a transient process so Prometheus
// can't scrape it; completed runs get pushed instead.
package metrics

import (
	"net/http"
	"os"
	"os/user"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	logger "github.com/please-build/pogo/src/cli/logging"
	"github.com/please-build/pogo/src/core"
)

var log = logger.Log

type metrics struct {
	pusher           *push.Pusher
	newMetrics       bool
	commandCounter   *prometheus.CounterVec
	toolCounter      *prometheus.CounterVec
	commandHistogram *prometheus.HistogramVec
	toolHistogram    *prometheus.HistogramVec
}

// m is the singleton metrics instance.
var m *metrics

// InitFromConfig sets up metrics reporting if the config enables it.
func InitFromConfig(config *core.Configuration) {
	if config.Metrics.PushGatewayURL != "" {
		m = initMetrics(config.Metrics.PushGatewayURL.String(), time.Duration(config.Metrics.PushTimeout))
		prometheus.MustRegister(m.commandCounter)
		prometheus.MustRegister(m.toolCounter)
		prometheus.MustRegister(m.commandHistogram)
		prometheus.MustRegister(m.toolHistogram)
	}
}

// initMetrics initialises a new metrics instance.
// This is deliberately not exposed but is useful for testing.
func initMetrics(url string, timeout time.Duration) *metrics {
	u, err := user.Current()
	if err != nil {
		log.Warning("Can't determine current user name for metrics")
		u = &user.User{Username: "unknown"}
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	constLabels := prometheus.Labels{
		"user": u.Username,
		"arch": runtime.GOOS + "_" + runtime.GOARCH,
	}

	m = &metrics{
		pusher: push.New(url, "pogo").
			Gatherer(prometheus.DefaultGatherer).
			Grouping("instance", hostname).
			Client(&http.Client{Timeout: timeout}),
	}

	// Count of pogo invocations by command and outcome.
	m.commandCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "pogo_runs_total",
		Help:        "Count of pogo invocations",
		ConstLabels: constLabels,
	}, []string{"command", "success"})

	// Count of external tool invocations by tool and outcome.
	m.toolCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "pogo_tool_runs_total",
		Help:        "Count of external tool invocations",
		ConstLabels: constLabels,
	}, []string{"tool", "success"})

	// Durations of entire pogo invocations.
	m.commandHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "pogo_run_duration_seconds",
		Help:        "Durations of successful pogo invocations",
		Buckets:     prometheus.ExponentialBuckets(0.1, 2, 14),
		ConstLabels: constLabels,
	}, []string{"command"})

	// Durations of the external tools we drive; cargo builds dominate these.
	m.toolHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "pogo_tool_duration_seconds",
		Help:        "Durations of successful external tool invocations",
		Buckets:     prometheus.ExponentialBuckets(0.1, 2, 14),
		ConstLabels: constLabels,
	}, []string{"tool"})

	return m
}

// Stop pushes any collected metrics before the process exits.
func Stop() {
	if m != nil {
		m.stop()
	}
}

func (m *metrics) stop() {
	if m.newMetrics {
		m.pushMetrics()
	}
}

// RecordCommand records the overall outcome of one pogo invocation.
func RecordCommand(command string, success bool, duration time.Duration) {
	if m != nil {
		m.commandCounter.WithLabelValues(command, b(success)).Inc()
		if success {
			m.commandHistogram.WithLabelValues(command).Observe(duration.Seconds())
		}
		m.newMetrics = true
	}
}

// RecordTool records one invocation of an external tool.
func RecordTool(tool string, success bool, duration time.Duration) {
	if m != nil {
		m.toolCounter.WithLabelValues(tool, b(success)).Inc()
		if success {
			m.toolHistogram.WithLabelValues(tool).Observe(duration.Seconds())
		}
		m.newMetrics = true
	}
}

func b(value bool) string {
	if value {
		return "true"
	}
	return "false"
}

// pushMetrics attempts to send the collected metrics to the server.
func (m *metrics) pushMetrics() {
	start := time.Now()
	m.newMetrics = false
	if err := m.pusher.Add(); err != nil {
		log.Warning("Could not push metrics: %s", err)
		return
	}
	log.Debug("Pushed metrics in %0.3fs", time.Since(start).Seconds())
}
