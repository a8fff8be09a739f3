package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Event names recorded by the signaling server and its sweepers.
const (
	ClientConnected          = "client_connected"
	ClientReconnected        = "client_reconnected"
	ClientDisconnected       = "client_disconnected"
	AdmissionInvalidParams   = "admission_invalid_parameters"
	AdmissionInvalidKey      = "admission_invalid_key"
	AdmissionIDTaken         = "admission_id_taken"
	AdmissionLimitReached    = "admission_concurrent_limit"
	MessageReceived          = "message_received"
	MessageForwarded         = "message_forwarded"
	MessageDropped           = "message_dropped"
	MessageQueued            = "message_queued"
	MessageDecodeFailed      = "message_decode_failed"
	MessageRateLimited       = "message_rate_limited"
	UnsupportedMessageType   = "unsupported_message_type"
	DeliveryFailed           = "delivery_failed"
	LeaveSynthesized         = "leave_synthesized"
	ZombieEvicted            = "zombie_evicted"
	QueueExpired             = "queue_expired"
	ExpireNotificationIssued = "expire_notification"
	SweepFailed              = "sweep_failed"
)

const namespace = "aero_peerjs_signaling"

// Metrics is a concurrency-safe event counter registry backed by a private
// Prometheus registry.
type Metrics struct {
	reg    *prometheus.Registry
	events *prometheus.CounterVec

	mu     sync.Mutex
	gauges map[string]struct{}
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Internal event counters.",
	}, []string{"event"})
	reg.MustRegister(events)

	return &Metrics{
		reg:    reg,
		events: events,
		gauges: make(map[string]struct{}),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta int) {
	if m == nil || delta <= 0 {
		return
	}
	m.events.WithLabelValues(name).Add(float64(delta))
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	var pb dto.Metric
	if err := m.events.WithLabelValues(name).Write(&pb); err != nil {
		return 0
	}
	return uint64(pb.GetCounter().GetValue())
}

// Snapshot returns every event counter recorded so far.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	families, err := m.reg.Gather()
	if err != nil {
		return out
	}
	want := prometheus.BuildFQName(namespace, "", "events_total")
	for _, fam := range families {
		if fam.GetName() != want {
			continue
		}
		for _, metric := range fam.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "event" {
					out[label.GetValue()] = uint64(metric.GetCounter().GetValue())
				}
			}
		}
	}
	return out
}

// GaugeFunc registers a gauge whose value is sampled from fn at scrape time.
// Registering the same name twice is a no-op.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.gauges[name]; ok {
		return
	}
	m.gauges[name] = struct{}{}
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Registry exposes the underlying registry for scraping and tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}
