// Package msgqueue holds the outbound messages for one peer and delivers them
// in order from a single worker goroutine.
package msgqueue

import (
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	logging "github.com/sirupsen/logrus"

	"github.com/torusresearch/torus-cluster/cluster"
)

var (
	ErrQueueFull = errors.New("msgqueue: queue is full")
	ErrClosed    = errors.New("msgqueue: queue is closed")
)

const (
	DefaultCapacity = 1024
	DefaultAttempts = 5
	DefaultDelay    = 200 * time.Millisecond
)

// Item is a queued message. ID is assigned on Push and stays the same across
// delivery attempts, so receivers can drop copies produced by retries.
type Item struct {
	ID      string
	Message cluster.Message
}

// DeliverFunc hands one item to the wire. It is only ever called from the
// queue's worker, so calls never overlap.
type DeliverFunc func(item Item) error

type Option func(*Queue)

func WithCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

// WithRetry sets how often a failed delivery is tried before it is given up.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(q *Queue) {
		if attempts > 0 {
			q.attempts = attempts
		}
		q.delay = delay
	}
}

func WithOnSuccess(fn func(Item)) Option {
	return func(q *Queue) { q.onSuccess = fn }
}

// WithOnFailure is called with the last error once a message has exhausted
// its attempts.
func WithOnFailure(fn func(Item, error)) Option {
	return func(q *Queue) { q.onFailure = fn }
}

func WithLogger(log *logging.Entry) Option {
	return func(q *Queue) { q.log = log }
}

// Queue is a bounded FIFO of messages for a single recipient.
type Queue struct {
	mu      sync.Mutex
	pending []Item
	closed  bool
	started bool

	capacity  int
	attempts  uint
	delay     time.Duration
	deliver   DeliverFunc
	onSuccess func(Item)
	onFailure func(Item, error)
	log       *logging.Entry

	notify chan struct{}
	quit   chan struct{}
	done   chan struct{}
}

func New(deliver DeliverFunc, opts ...Option) *Queue {
	q := &Queue{
		capacity: DefaultCapacity,
		attempts: DefaultAttempts,
		delay:    DefaultDelay,
		deliver:  deliver,
		log:      logging.WithField("component", "msgqueue"),
		notify:   make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start launches the delivery worker. Calling it more than once is a no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	go q.run()
}

// Push appends msg to the tail of the queue.
func (q *Queue) Push(msg cluster.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if len(q.pending) >= q.capacity {
		return ErrQueueFull
	}
	q.pending = append(q.pending, Item{ID: uuid.New().String(), Message: msg})
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close stops the worker after its in-flight delivery and drops whatever is
// still pending. It returns the number of dropped messages.
func (q *Queue) Close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	q.closed = true
	n := len(q.pending)
	q.pending = nil
	close(q.quit)
	if !q.started {
		close(q.done)
	}
	return n
}

// Done is closed once the worker has exited.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		item, ok := q.next()
		if !ok {
			return
		}
		q.process(item)
	}
}

func (q *Queue) next() (Item, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Item{}, false
		}
		if len(q.pending) > 0 {
			item := q.pending[0]
			q.pending[0] = Item{}
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-q.notify:
		case <-q.quit:
		}
	}
}

func (q *Queue) process(item Item) {
	err := retry.Do(func() error {
		return q.deliver(item)
	},
		retry.Attempts(q.attempts),
		retry.Delay(q.delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(error) bool { return !q.isClosed() }),
		retry.OnRetry(func(n uint, err error) {
			q.log.WithError(err).WithFields(logging.Fields{
				"attempt": n + 1,
				"id":      item.ID,
				"method":  item.Message.Method,
			}).Debug("retrying delivery")
		}),
	)
	if err != nil {
		if q.onFailure != nil {
			q.onFailure(item, err)
		} else {
			q.log.WithError(err).WithField("id", item.ID).Error("could not deliver message")
		}
		return
	}
	if q.onSuccess != nil {
		q.onSuccess(item)
	}
}
