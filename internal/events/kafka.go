package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mbd888/auroraguard/internal/metrics"
	"github.com/mbd888/auroraguard/internal/retry"
)

// DefaultKafkaBuffer bounds events queued for publishing.
const DefaultKafkaBuffer = 1024

const kafkaSink = "kafka"

// ErrPublisherClosed is returned by Close when called twice.
var ErrPublisherClosed = errors.New("events: publisher closed")

// messageWriter is the subset of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher ships decision events to a topic off the request path.
// Publish enqueues without blocking; a full buffer drops the event.
type KafkaPublisher struct {
	writer messageWriter
	queue  chan *DecisionEvent
	policy retry.Policy
	logger *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewKafkaWriter builds the writer used in production. Keys hash to
// partitions so one transaction's events stay ordered.
func NewKafkaWriter(brokers []string, topic string) (*kafka.Writer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}, nil
}

// NewKafkaPublisher wraps w with a bounded buffer of size buffer.
func NewKafkaPublisher(w messageWriter, buffer int, logger *slog.Logger) *KafkaPublisher {
	if buffer <= 0 {
		buffer = DefaultKafkaBuffer
	}
	return &KafkaPublisher{
		writer: w,
		queue:  make(chan *DecisionEvent, buffer),
		policy: retry.DefaultPolicy(),
		logger: logger,
		closed: make(chan struct{}),
	}
}

// WithRetryPolicy overrides the per-event retry policy.
func (p *KafkaPublisher) WithRetryPolicy(policy retry.Policy) *KafkaPublisher {
	p.policy = policy
	return p
}

// Publish implements Sink.
func (p *KafkaPublisher) Publish(_ context.Context, ev *DecisionEvent) {
	select {
	case <-p.closed:
		metrics.EventsPublishedTotal.WithLabelValues(kafkaSink, "dropped").Inc()
		return
	default:
	}
	select {
	case p.queue <- ev:
	default:
		metrics.EventsPublishedTotal.WithLabelValues(kafkaSink, "dropped").Inc()
		p.logger.Warn("decision event buffer full, dropping", "transaction_id", ev.TransactionID)
	}
}

// Start launches the delivery loop. It drains the buffer until ctx is
// cancelled or Close is called.
func (p *KafkaPublisher) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case ev := <-p.queue:
				p.deliver(ctx, ev)
			case <-ctx.Done():
				return
			case <-p.closed:
				p.drain(ctx)
				return
			}
		}
	}()
}

func (p *KafkaPublisher) drain(ctx context.Context) {
	for {
		select {
		case ev := <-p.queue:
			p.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (p *KafkaPublisher) deliver(ctx context.Context, ev *DecisionEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(kafkaSink, "error").Inc()
		p.logger.Error("encode decision event", "error", err)
		return
	}
	msg := kafka.Message{
		Key:   []byte(ev.TransactionID),
		Value: body,
		Time:  ev.Timestamp.UTC(),
	}

	err = retry.Do(ctx, p.policy, func(ctx context.Context) error {
		return p.writer.WriteMessages(ctx, msg)
	})
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(kafkaSink, "error").Inc()
		p.logger.Error("publish decision event", "transaction_id", ev.TransactionID, "error", err)
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues(kafkaSink, "ok").Inc()
}

// Close stops accepting events, flushes what is buffered and closes the
// writer.
func (p *KafkaPublisher) Close() error {
	err := ErrPublisherClosed
	p.closeOnce.Do(func() {
		close(p.closed)
		p.wg.Wait()
		err = p.writer.Close()
	})
	return err
}

// Pending returns the number of buffered events.
func (p *KafkaPublisher) Pending() int {
	return len(p.queue)
}
