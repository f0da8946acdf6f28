package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"sensor-health/internal/logging"
	"sensor-health/internal/observability/metrics"
	sensors "sensor-health/internal/sensors/domain"
)

const (
	defaultWriteTimeout = 2 * time.Second
	sinkName            = "kafka"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// StatusPublisher writes status transitions to a Kafka topic keyed by sensor id.
type StatusPublisher struct {
	writer  messageWriter
	timeout time.Duration
	logger  logrus.FieldLogger
}

// NewStatusPublisher constructs a publisher for the given brokers and topic.
func NewStatusPublisher(brokers []string, topic string, logger logrus.FieldLogger) (*StatusPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("status publisher: no brokers")
	}
	if topic == "" {
		return nil, errors.New("status publisher: empty topic")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return newStatusPublisher(writer, logger), nil
}

func newStatusPublisher(writer messageWriter, logger logrus.FieldLogger) *StatusPublisher {
	return &StatusPublisher{writer: writer, timeout: defaultWriteTimeout, logger: logging.OrDiscard(logger)}
}

// NotifyStatusChange publishes the change. Failures are logged and counted, never returned.
func (p *StatusPublisher) NotifyStatusChange(ctx context.Context, change sensors.StatusChange) {
	if p == nil || p.writer == nil {
		return
	}
	payload, err := json.Marshal(change)
	if err != nil {
		p.logger.WithError(err).Warn("status event encode failed")
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	err = p.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(change.SensorID),
		Value: payload,
		Time:  change.At,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte("sensor.status_changed")},
		},
	})
	if err != nil {
		metrics.IncStatusEventDropped(sinkName)
		p.logger.WithError(err).WithField("sensor_id", change.SensorID).Warn("status event publish failed")
	}
}

// Close flushes and closes the writer.
func (p *StatusPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
