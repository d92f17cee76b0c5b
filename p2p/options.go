package p2p

import (
	"time"

	logging "github.com/sirupsen/logrus"

	"github.com/torusresearch/torus-cluster/cluster"
	"github.com/torusresearch/torus-cluster/msgqueue"
	"github.com/torusresearch/torus-cluster/telemetry"
)

const (
	DefaultTeardownTimeout = 5 * time.Second
	DefaultSendTimeout     = 10 * time.Second
)

// DeliveryFailureHook is told about messages given up after every attempt.
// Sessions that care can use it to decide on blacklisting.
type DeliveryFailureHook func(to cluster.NodeID, msg cluster.Message, err error)

type options struct {
	handler         Handler
	queueSize       int
	attempts        uint
	delay           time.Duration
	sendTimeout     time.Duration
	teardownTimeout time.Duration
	emptyBroadcast  bool
	metrics         *telemetry.Metrics
	onFailure       DeliveryFailureHook
	log             *logging.Entry
}

func defaultOptions() options {
	return options{
		queueSize:       msgqueue.DefaultCapacity,
		attempts:        msgqueue.DefaultAttempts,
		delay:           msgqueue.DefaultDelay,
		sendTimeout:     DefaultSendTimeout,
		teardownTimeout: DefaultTeardownTimeout,
		log:             logging.WithField("component", "p2p"),
	}
}

type Option func(*options)

// WithHandler sets where inbound messages from known peers go.
func WithHandler(h Handler) Option {
	return func(o *options) { o.handler = h }
}

func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithRetry sets the delivery attempts per message and the pause between them.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(o *options) {
		if attempts > 0 {
			o.attempts = attempts
		}
		o.delay = delay
	}
}

func WithSendTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.sendTimeout = d
		}
	}
}

// WithTeardownTimeout bounds how long a blacklisted connection is waited on
// before the teardown is abandoned with a warning.
func WithTeardownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.teardownTimeout = d
		}
	}
}

// WithEmptyBroadcast makes Broadcast succeed when there is nobody to send to.
// By default it fails with cluster.ErrNoPeers.
func WithEmptyBroadcast(allow bool) Option {
	return func(o *options) { o.emptyBroadcast = allow }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithDeliveryFailureHook(fn DeliveryFailureHook) Option {
	return func(o *options) { o.onFailure = fn }
}

func WithLogger(log *logging.Entry) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}
