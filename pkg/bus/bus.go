// Package bus is the message hand-off between intake, the event
// processor, the query executor and the facet batch workers. Queues
// are FIFO; multiple subscribers on one queue compete for messages.
package bus

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// defaultDepth bounds how much burst a queue absorbs before
	// Publish blocks. Backpressure past this point is intentional.
	defaultDepth = 4096

	// deliveryAttempts caps handler retries before a message is dropped.
	deliveryAttempts = 3
)

var (
	metricPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "errata",
		Name:      "bus_published_total",
		Help:      "Messages published per queue.",
	}, []string{"queue"})
	metricDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "errata",
		Name:      "bus_dropped_total",
		Help:      "Messages dropped after exhausting delivery attempts.",
	}, []string{"queue"})
)

// Handler processes one message. Handlers must be idempotent under
// redelivery; the idempotency key identifies duplicates.
type Handler func(ctx context.Context, msg Message) error

type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(queue string, concurrency int, h Handler)
	Stop()
}

// InProcess is a channel-backed Bus for single-node deployments. The
// interface is the seam where a broker-backed implementation would go.
type InProcess struct {
	logger log.Logger

	mtx     sync.Mutex
	queues  map[string]chan Message
	stopped bool

	workers sync.WaitGroup
	stopCh  chan struct{}
}

func NewInProcess(logger log.Logger) *InProcess {
	return &InProcess{
		logger: logger,
		queues: make(map[string]chan Message),
		stopCh: make(chan struct{}),
	}
}

func (b *InProcess) queue(name string) chan Message {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	q, ok := b.queues[name]
	if !ok {
		q = make(chan Message, defaultDepth)
		b.queues[name] = q
	}
	return q
}

func (b *InProcess) Publish(ctx context.Context, msg Message) error {
	b.mtx.Lock()
	if b.stopped {
		b.mtx.Unlock()
		return ErrStopped
	}
	b.mtx.Unlock()

	select {
	case b.queue(msg.Queue()) <- msg:
		metricPublished.WithLabelValues(msg.Queue()).Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stopCh:
		return ErrStopped
	}
}

// Subscribe starts concurrency workers draining the queue. Messages
// published before the first Subscribe are retained.
func (b *InProcess) Subscribe(queue string, concurrency int, h Handler) {
	if concurrency < 1 {
		concurrency = 1
	}

	q := b.queue(queue)
	for i := 0; i < concurrency; i++ {
		b.workers.Add(1)
		go b.worker(queue, q, h)
	}
}

func (b *InProcess) worker(queue string, q chan Message, h Handler) {
	defer b.workers.Done()

	for {
		select {
		case <-b.stopCh:
			return
		case msg := <-q:
			b.deliver(queue, msg, h)
		}
	}
}

func (b *InProcess) deliver(queue string, msg Message, h Handler) {
	var err error
	for attempt := 0; attempt < deliveryAttempts; attempt++ {
		if err = h(context.Background(), msg); err == nil {
			return
		}
		level.Warn(b.logger).Log("msg", "message handler failed", "queue", queue, "key", msg.IdempotencyKey(), "attempt", attempt+1, "err", err)
	}

	metricDropped.WithLabelValues(queue).Inc()
	level.Error(b.logger).Log("msg", "dropping message after repeated failures", "queue", queue, "key", msg.IdempotencyKey(), "err", err)
}

func (b *InProcess) Stop() {
	b.mtx.Lock()
	if b.stopped {
		b.mtx.Unlock()
		return
	}
	b.stopped = true
	b.mtx.Unlock()

	close(b.stopCh)
	b.workers.Wait()
}

// Drain synchronously processes everything currently queued. Test
// helper: lets a test drive consumers deterministically without
// subscribing workers.
func (b *InProcess) Drain(queue string, h Handler) int {
	q := b.queue(queue)
	n := 0
	for {
		select {
		case msg := <-q:
			b.deliver(queue, msg, h)
			n++
		default:
			return n
		}
	}
}
