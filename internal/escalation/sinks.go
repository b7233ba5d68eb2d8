package escalation

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
	skafka "github.com/segmentio/kafka-go"
)

// Publisher is the pub/sub subset used by RedisSink. redis.PubSub satisfies it.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisSink publishes threats as JSON on a pub/sub channel.
type RedisSink struct {
	pub     Publisher
	channel string
}

func NewRedisSink(pub Publisher, channel string) *RedisSink {
	return &RedisSink{pub: pub, channel: channel}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Send(ctx context.Context, t *Threat) error {
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("escalation.RedisSink.Send: marshal: %w", err)
	}
	if err := s.pub.Publish(ctx, s.channel, b); err != nil {
		return fmt.Errorf("escalation.RedisSink.Send: %w", err)
	}
	return nil
}

// KafkaWriter is the subset of kafka.Writer used by KafkaSink.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...skafka.Message) error
	Close() error
}

// KafkaSink writes threats to a topic keyed by source identity, so one
// identity's threats stay ordered within a partition.
type KafkaSink struct {
	writer KafkaWriter
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{writer: &skafka.Writer{
		Addr:         skafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &skafka.Hash{},
		RequiredAcks: skafka.RequireOne,
	}}
}

// NewKafkaSinkWithWriter allows injecting a test writer.
func NewKafkaSinkWithWriter(w KafkaWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Send(ctx context.Context, t *Threat) error {
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("escalation.KafkaSink.Send: marshal: %w", err)
	}
	msg := skafka.Message{
		Key:   []byte(t.SourceIdentity),
		Value: b,
		Headers: []skafka.Header{
			{Key: "type", Value: []byte(t.Type)},
			{Key: "severity", Value: []byte(t.Severity)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("escalation.KafkaSink.Send: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("escalation.KafkaSink.Close: %w", err)
	}
	return nil
}

// AMQPChannel is the subset of amqp.Channel used by RabbitSink.
type AMQPChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitSink publishes persistent messages to a durable queue.
type RabbitSink struct {
	conn  *amqp.Connection
	ch    AMQPChannel
	queue string
}

// DialRabbitSink connects, opens a channel and declares the queue.
func DialRabbitSink(url, queue string) (*RabbitSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("escalation.DialRabbitSink: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("escalation.DialRabbitSink: channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("escalation.DialRabbitSink: declare %q: %w", queue, err)
	}
	return &RabbitSink{conn: conn, ch: ch, queue: queue}, nil
}

// NewRabbitSinkWithChannel allows injecting a test channel.
func NewRabbitSinkWithChannel(ch AMQPChannel, queue string) *RabbitSink {
	return &RabbitSink{ch: ch, queue: queue}
}

func (s *RabbitSink) Name() string { return "rabbitmq" }

func (s *RabbitSink) Send(ctx context.Context, t *Threat) error {
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("escalation.RabbitSink.Send: marshal: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    t.ID.String(),
		Timestamp:    t.DetectedAt,
		Type:         t.Type,
		Body:         b,
	}
	if err := s.ch.PublishWithContext(ctx, "", s.queue, false, false, msg); err != nil {
		return fmt.Errorf("escalation.RabbitSink.Send: %w", err)
	}
	return nil
}

func (s *RabbitSink) Close() error {
	if err := s.ch.Close(); err != nil {
		return fmt.Errorf("escalation.RabbitSink.Close: channel: %w", err)
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			return fmt.Errorf("escalation.RabbitSink.Close: conn: %w", err)
		}
	}
	return nil
}

// LogSink records every threat as a structured log line.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Send(_ context.Context, t *Threat) error {
	log.Warn().
		Str("threat_id", t.ID.String()).
		Str("type", t.Type).
		Str("identity", t.SourceIdentity).
		Str("severity", string(t.Severity)).
		Float64("confidence", t.Confidence).
		Strs("indicators", t.Indicators).
		Interface("details", t.Details).
		Msg("threat escalated")
	return nil
}
