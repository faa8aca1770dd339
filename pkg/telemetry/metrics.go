// Package telemetry exports scenesync statistics to Prometheus and wraps
// work in OpenTelemetry spans.
//
// Metrics implements the Recorder interfaces of the messenger, bufmess and
// syncer packages, so one value can be handed to all three:
//
//	metrics := telemetry.New(telemetry.WithNamespace("scenesync"))
//	m := messenger.New(messenger.WithRecorder(metrics))
//	s := syncer.New(m, syncer.WithRecorder(metrics))
//	http.Handle("/metrics", metrics.Handler())
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-dev/scenesync/pkg/protocol"
)

// Config configures the Prometheus metrics.
type Config struct {
	// Namespace is the metrics namespace (default: "scenesync").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for durations.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the metrics.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the duration histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "scenesync",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the scenesync collectors.
type Metrics struct {
	registry prometheus.Registerer

	packetsApplied  *prometheus.CounterVec
	packetBytes     *prometheus.CounterVec
	packetsRejected *prometheus.CounterVec
	objectsCreated  *prometheus.CounterVec
	buffersSealed   *prometheus.CounterVec
	bufferBytes     *prometheus.HistogramVec
	poolWait        prometheus.Histogram
	peersOpen       prometheus.Gauge
	remapsSent      *prometheus.CounterVec
	sendFailures    *prometheus.CounterVec
	frameDuration   prometheus.Histogram
}

// New registers the collectors. Registering twice on one registry panics,
// so tests use a fresh prometheus.NewRegistry().
func New(opts ...Option) *Metrics {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}, labels)
	}

	return &Metrics{
		registry: config.Registry,

		packetsApplied:  counter("packets_applied_total", "Packets applied to the object graph", "source"),
		packetBytes:     counter("packet_bytes_total", "Bytes of applied packet bodies", "source"),
		packetsRejected: counter("packets_rejected_total", "Packets rejected without effect", "reason"),
		objectsCreated:  counter("objects_created_total", "Objects constructed from the wire", "class"),
		buffersSealed:   counter("buffers_sealed_total", "Transport buffers sealed", "log"),
		remapsSent:      counter("remaps_total", "Remap records queued for peers", "kind"),
		sendFailures:    counter("send_failures_total", "Frame sends that will be retried", "host"),

		bufferBytes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "buffer_fill_bytes",
			Help:        "Bytes used in sealed transport buffers",
			ConstLabels: config.ConstLabels,
			Buckets:     []float64{256, 1024, 2048, 4096, 8192, 16384, 65536},
		}, []string{"log"}),

		poolWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "pool_wait_seconds",
			Help:        "Time writers blocked waiting for a free buffer",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}),

		peersOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "peers_open",
			Help:        "Number of open peer connections",
			ConstLabels: config.ConstLabels,
		}),

		frameDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "frame_sync_seconds",
			Help:        "Time to send one frame to every peer",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}),
	}
}

// Handler serves the registry the metrics were registered on.
func (m *Metrics) Handler() http.Handler {
	if g, ok := m.registry.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// PacketApplied records an applied packet.
func (m *Metrics) PacketApplied(source string, bytes int) {
	m.packetsApplied.WithLabelValues(source).Inc()
	m.packetBytes.WithLabelValues(source).Add(float64(bytes))
}

// PacketRejected records a rejected packet by wire error code, keeping the
// label set small.
func (m *Metrics) PacketRejected(_ string, err error) {
	m.packetsRejected.WithLabelValues(protocol.CodeOf(err).String()).Inc()
}

// ObjectCreated records an object built from the wire.
func (m *Metrics) ObjectCreated(class string) {
	m.objectsCreated.WithLabelValues(class).Inc()
}

// BufferSealed records a sealed transport buffer.
func (m *Metrics) BufferSealed(log string, bytes int) {
	m.buffersSealed.WithLabelValues(log).Inc()
	m.bufferBytes.WithLabelValues(log).Observe(float64(bytes))
}

// PoolWait records a blocked buffer request.
func (m *Metrics) PoolWait(d time.Duration) {
	m.poolWait.Observe(d.Seconds())
}

// PeersOpen sets the number of open peers.
func (m *Metrics) PeersOpen(n int) {
	m.peersOpen.Set(float64(n))
}

// RemapSent records a queued remap or acknowledgement.
func (m *Metrics) RemapSent(ack bool) {
	kind := "issued"
	if ack {
		kind = "ack"
	}
	m.remapsSent.WithLabelValues(kind).Inc()
}

// SendFailed records a failed frame send.
func (m *Metrics) SendFailed(host string) {
	m.sendFailures.WithLabelValues(host).Inc()
}

// FrameSynced records the duration of one Sync.
func (m *Metrics) FrameSynced(d time.Duration) {
	m.frameDuration.Observe(d.Seconds())
}
