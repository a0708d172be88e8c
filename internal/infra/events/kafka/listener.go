// Package kafka publishes committed entity mutations to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"entitycore/pkg/domain"
)

const defaultWriteTimeout = 5 * time.Second

var _ domain.Listener = (*Listener)(nil)

// Logger is the subset of the core logger the listener reports failures to.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...writerMessage) error
	Close() error
}

type writerMessage struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

type kafkaGoWriter struct {
	w *kafka.Writer
}

func (k *kafkaGoWriter) WriteMessages(ctx context.Context, msgs ...writerMessage) error {
	out := make([]kafka.Message, len(msgs))
	for i, m := range msgs {
		headers := make([]kafka.Header, 0, len(m.Headers))
		for key, value := range m.Headers {
			headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
		}
		out[i] = kafka.Message{Topic: m.Topic, Key: m.Key, Value: m.Value, Headers: headers}
	}
	return k.w.WriteMessages(ctx, out...)
}

func (k *kafkaGoWriter) Close() error {
	return k.w.Close()
}

// Config selects the brokers and topic change events are written to.
type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// Listener writes one message per notification, keyed by the entity
// reference so that every change of an entity lands on the same partition.
type Listener struct {
	writer  messageWriter
	topic   string
	timeout time.Duration
	logger  Logger
}

// Option configures a Listener.
type Option func(*Listener)

// WithLogger routes delivery failures to logger.
func WithLogger(logger Logger) Option {
	return func(l *Listener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewListener builds a listener over a synchronous kafka-go writer.
func NewListener(cfg Config, opts ...Option) (*Listener, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
	return newListener(&kafkaGoWriter{w: w}, cfg, opts...), nil
}

func newListener(w messageWriter, cfg Config, opts ...Option) *Listener {
	l := &Listener{writer: w, topic: cfg.Topic, timeout: cfg.WriteTimeout, logger: noopLogger{}}
	if l.timeout <= 0 {
		l.timeout = defaultWriteTimeout
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Event is the message body written for each notification.
type Event struct {
	EventID    string            `json:"event_id"`
	Operation  domain.Operation  `json:"operation"`
	EntityType domain.EntityType `json:"entity_type"`
	EntityID   int64             `json:"entity_id"`
	RecordID   int64             `json:"record_id"`
	ActorID    *int64            `json:"actor_id,omitempty"`
	Changes    domain.Diff       `json:"changes"`
	At         time.Time         `json:"at"`
}

// EventFrom converts a notification into its wire form.
func EventFrom(n domain.Notification) Event {
	return Event{
		EventID:    n.EventID,
		Operation:  n.Operation,
		EntityType: n.Ref.Type,
		EntityID:   n.Ref.ID,
		RecordID:   n.RecordID,
		ActorID:    n.ActorID,
		Changes:    n.Payload,
		At:         n.At.UTC(),
	}
}

// Notify publishes n. Delivery failures are logged, never returned.
func (l *Listener) Notify(ctx context.Context, n domain.Notification) {
	if err := l.Publish(ctx, n); err != nil {
		l.logger.Warn("kafka change event not delivered", "ref", n.Ref.String(), "event_id", n.EventID, "error", err)
	}
}

// Publish writes n and reports delivery failures.
func (l *Listener) Publish(ctx context.Context, n domain.Notification) error {
	data, err := json.Marshal(EventFrom(n))
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}
	msg := writerMessage{
		Topic: l.topic,
		Key:   []byte(n.Ref.String()),
		Value: data,
		Headers: map[string]string{
			"event_id":  n.EventID,
			"operation": string(n.Operation),
		},
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if err := l.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (l *Listener) Close() error {
	return l.writer.Close()
}
