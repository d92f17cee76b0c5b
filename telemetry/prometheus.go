package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	logging "github.com/sirupsen/logrus"
)

// defaults
const (
	DefaultCollectionAddress = ":8080"
	defaultCollectionPath    = "/metrics"
)

// message kinds
const (
	KindUnicast   = "unicast"
	KindBroadcast = "broadcast"
)

// Metrics are the cluster transport collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	sent             *prometheus.CounterVec
	received         prometheus.Counter
	sendFailures     *prometheus.CounterVec
	deliveryFailures prometheus.Counter
	purged           prometheus.Counter
	blacklisted      prometheus.Counter
	pending          prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cluster_messages_sent_total",
			Help: "number of messages accepted for delivery, per message kind",
		}, []string{"kind"}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cluster_messages_received_total",
			Help: "number of inbound messages dispatched to sessions",
		}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cluster_send_failures_total",
			Help: "number of sends rejected before queueing, per reason",
		}, []string{"reason"}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cluster_delivery_failures_total",
			Help: "number of queued messages given up after all attempts",
		}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cluster_messages_purged_total",
			Help: "number of pending messages discarded by blacklisting or shutdown",
		}),
		blacklisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cluster_blacklisted_total",
			Help: "number of nodes blacklisted",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cluster_pending_messages",
			Help: "number of messages waiting in outbound queues",
		}),
	}
	collectors := []prometheus.Collector{m.sent, m.received, m.sendFailures, m.deliveryFailures, m.purged, m.blacklisted, m.pending}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

var defaultMetrics *Metrics
var once sync.Once

// Default returns the metrics registered with the prometheus default registry.
func Default() *Metrics {
	once.Do(func() {
		m, err := NewMetrics(prometheus.DefaultRegisterer)
		if err != nil {
			logging.WithError(err).Error("telemetry: could not register default metrics")
			return
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

func (m *Metrics) MessageSent(kind string) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(kind).Inc()
}

func (m *Metrics) MessageReceived() {
	if m == nil {
		return
	}
	m.received.Inc()
}

func (m *Metrics) SendFailed(reason string) {
	if m == nil {
		return
	}
	m.sendFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) DeliveryFailed() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

func (m *Metrics) Purged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.purged.Add(float64(n))
}

func (m *Metrics) Blacklisted() {
	if m == nil {
		return
	}
	m.blacklisted.Inc()
}

// PendingChanged moves the pending gauge by delta.
func (m *Metrics) PendingChanged(delta int) {
	if m == nil || delta == 0 {
		return
	}
	m.pending.Add(float64(delta))
}

// Server exposes a gatherer over http.
type Server struct {
	sync.Mutex
	addr     string
	gatherer prometheus.Gatherer
	server   *http.Server
}

func NewServer(addr string, gatherer prometheus.Gatherer) *Server {
	if addr == "" {
		addr = DefaultCollectionAddress
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{addr: addr, gatherer: gatherer}
}

// Handler serves the metrics page.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(defaultCollectionPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Serve blocks serving metrics until Close is called.
func (s *Server) Serve() error {
	s.Lock()
	s.server = &http.Server{Addr: s.addr, Handler: s.Handler()}
	srv := s.server
	s.Unlock()
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Close() error {
	s.Lock()
	defer s.Unlock()
	if s.server == nil {
		return nil
	}
	return s.server.Close()
}
