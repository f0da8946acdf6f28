package notify

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"sensor-health/internal/logging"
	sensors "sensor-health/internal/sensors/domain"
)

// Transport delivers a rendered alert.
type Transport interface {
	Send(ctx context.Context, recipients []string, subject, body string) error
}

// MultiTransport sends through a primary transport and best-effort mirrors.
// Only the primary result decides whether the alert counts as delivered.
type MultiTransport struct {
	primary Transport
	mirrors []Transport
	logger  logrus.FieldLogger
}

// NewMultiTransport constructs a MultiTransport.
func NewMultiTransport(logger logrus.FieldLogger, primary Transport, mirrors ...Transport) (*MultiTransport, error) {
	if primary == nil {
		return nil, errors.New("multi transport: nil primary")
	}
	return &MultiTransport{primary: primary, mirrors: mirrors, logger: logging.OrDiscard(logger)}, nil
}

// Send forwards the message to the primary, then to every mirror.
func (m *MultiTransport) Send(ctx context.Context, recipients []string, subject, body string) error {
	if m == nil || m.primary == nil {
		return errors.New("multi transport: nil primary")
	}
	if err := m.primary.Send(ctx, recipients, subject, body); err != nil {
		return err
	}
	for _, mirror := range m.mirrors {
		if mirror == nil {
			continue
		}
		if err := mirror.Send(ctx, recipients, subject, body); err != nil {
			m.logger.WithError(err).Warn("mirror transport failed")
		}
	}
	return nil
}

// StatusNotifier receives status transitions.
type StatusNotifier interface {
	NotifyStatusChange(ctx context.Context, change sensors.StatusChange)
}

// MultiNotifier fans status transitions out to several sinks.
type MultiNotifier struct {
	notifiers []StatusNotifier
}

// NewMultiNotifier constructs a MultiNotifier.
func NewMultiNotifier(notifiers ...StatusNotifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// NotifyStatusChange forwards the change to all notifiers.
func (m *MultiNotifier) NotifyStatusChange(ctx context.Context, change sensors.StatusChange) {
	if m == nil {
		return
	}
	for _, notifier := range m.notifiers {
		if notifier != nil {
			notifier.NotifyStatusChange(ctx, change)
		}
	}
}
