package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"sensor-health/internal/logging"
	"sensor-health/internal/observability/metrics"
	sensorapp "sensor-health/internal/sensors/application"
	sensors "sensor-health/internal/sensors/domain"
)

const consumerName = "reading-announcements"

// SensorEvaluator re-evaluates a single sensor.
type SensorEvaluator interface {
	EvaluateSensor(ctx context.Context, sensorID string) (sensorapp.Evaluation, error)
}

type messageFetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReadingConsumerConfig configures the consumer.
type ReadingConsumerConfig struct {
	Brokers     []string
	Topic       string
	GroupID     string
	PollTimeout time.Duration
}

// ReadingConsumer re-evaluates sensors as soon as ingestion announces a new reading.
type ReadingConsumer struct {
	fetcher   messageFetcher
	evaluator SensorEvaluator
	poll      time.Duration
	logger    logrus.FieldLogger
}

// readingAnnouncement is published by the ingestion pipeline after storing a reading.
type readingAnnouncement struct {
	SensorID   string    `json:"sensor_id"`
	Value      *float64  `json:"value,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// NewReadingConsumer builds a consumer-group reader.
func NewReadingConsumer(cfg ReadingConsumerConfig, evaluator SensorEvaluator, logger logrus.FieldLogger) (*ReadingConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("reading consumer: no brokers")
	}
	if strings.TrimSpace(cfg.Topic) == "" || strings.TrimSpace(cfg.GroupID) == "" {
		return nil, errors.New("reading consumer: topic and group required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return newReadingConsumer(reader, evaluator, cfg.PollTimeout, logger)
}

func newReadingConsumer(fetcher messageFetcher, evaluator SensorEvaluator, poll time.Duration, logger logrus.FieldLogger) (*ReadingConsumer, error) {
	if evaluator == nil {
		return nil, errors.New("reading consumer: nil evaluator")
	}
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &ReadingConsumer{
		fetcher:   fetcher,
		evaluator: evaluator,
		poll:      poll,
		logger:    logging.OrDiscard(logger).WithField("consumer", consumerName),
	}, nil
}

// Run consumes until ctx is cancelled or the reader is closed.
func (c *ReadingConsumer) Run(ctx context.Context) error {
	if c == nil || c.fetcher == nil {
		return errors.New("reading consumer: nil")
	}
	c.logger.Info("reading consumer started")
	defer c.logger.Info("reading consumer stopped")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fetchCtx, cancel := context.WithTimeout(ctx, c.poll)
		msg, err := c.fetcher.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				continue
			case errors.Is(err, context.Canceled):
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, kafka.ErrGroupClosed):
				return nil
			}
			c.logger.WithError(err).Error("reading consumer fetch failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.poll):
			}
			continue
		}

		c.handle(ctx, msg)

		commitCtx, commitCancel := context.WithTimeout(ctx, c.poll)
		if err := c.fetcher.CommitMessages(commitCtx, msg); err != nil && ctx.Err() == nil {
			c.logger.WithError(err).Error("reading consumer commit failed")
		}
		commitCancel()
	}
}

// Close shuts down the underlying reader.
func (c *ReadingConsumer) Close() error {
	if c == nil || c.fetcher == nil {
		return nil
	}
	return c.fetcher.Close()
}

func (c *ReadingConsumer) handle(ctx context.Context, msg kafka.Message) {
	event, err := decodeAnnouncement(msg.Value)
	if err != nil {
		c.logger.WithError(err).WithField("offset", msg.Offset).Warn("reading announcement rejected")
		return
	}
	if !event.RecordedAt.IsZero() {
		metrics.ObserveConsumerLag(consumerName, time.Since(event.RecordedAt))
	}
	logger := c.logger.WithField("sensor_id", event.SensorID)
	result, err := c.evaluator.EvaluateSensor(ctx, event.SensorID)
	var dispatchErr *sensors.DispatchError
	switch {
	case err == nil:
		logger.WithField("status", result.Status).Debug("sensor re-evaluated")
	case errors.Is(err, sensors.ErrNotFound):
		logger.Warn("announcement for unknown sensor")
	case errors.As(err, &dispatchErr):
		// the scheduled run retries the delivery
	default:
		logger.WithError(err).Warn("sensor re-evaluation failed")
	}
}

func decodeAnnouncement(raw []byte) (readingAnnouncement, error) {
	var event readingAnnouncement
	if err := json.Unmarshal(raw, &event); err != nil {
		return readingAnnouncement{}, fmt.Errorf("decode reading announcement: %w", err)
	}
	event.SensorID = strings.TrimSpace(event.SensorID)
	if event.SensorID == "" {
		return readingAnnouncement{}, errors.New("sensor_id missing")
	}
	return event, nil
}
