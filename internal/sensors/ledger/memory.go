// Package ledger holds the in-process notification ledger, used with engine.ledger_driver=memory
// and as the reference ledger in dispatcher tests.
package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	sensors "sensor-health/internal/sensors/domain"
)

const (
	// DefaultReservationTTL bounds how long an uncommitted reservation blocks other dispatchers.
	DefaultReservationTTL = 5 * time.Minute
)

type headKey struct {
	sensorID string
	category sensors.Category
}

type head struct {
	lastNotifiedAt time.Time
	claimToken     string
	claimedAt      time.Time
}

// MemoryLedger is a process-local NotificationLedger.
type MemoryLedger struct {
	mu             sync.Mutex
	cooldown       time.Duration
	reservationTTL time.Duration
	heads          map[headKey]*head
	records        []sensors.NotificationRecord
}

// Option configures a MemoryLedger.
type Option func(*MemoryLedger)

// WithCooldown overrides the cooldown window.
func WithCooldown(cooldown time.Duration) Option {
	return func(l *MemoryLedger) {
		if cooldown > 0 {
			l.cooldown = cooldown
		}
	}
}

// WithReservationTTL overrides the reservation expiry.
func WithReservationTTL(ttl time.Duration) Option {
	return func(l *MemoryLedger) {
		if ttl > 0 {
			l.reservationTTL = ttl
		}
	}
}

// NewMemoryLedger constructs an empty ledger.
func NewMemoryLedger(opts ...Option) *MemoryLedger {
	l := &MemoryLedger{
		cooldown:       sensors.DefaultCooldown,
		reservationTTL: DefaultReservationTTL,
		heads:          make(map[headKey]*head),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ShouldNotify reports whether no notification exists inside the cooldown window.
func (l *MemoryLedger) ShouldNotify(_ context.Context, sensorID string, category sensors.Category, now time.Time) (bool, error) {
	if l == nil {
		return false, errors.New("memory ledger: nil")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.heads[headKey{sensorID, category}]
	if !ok {
		return true, nil
	}
	return !l.inCooldown(h, now.UTC()), nil
}

// RecordNotification appends a record unless one already exists inside the window.
func (l *MemoryLedger) RecordNotification(_ context.Context, record sensors.NotificationRecord) error {
	if l == nil {
		return errors.New("memory ledger: nil")
	}
	if record.SensorID == "" || record.Category == "" {
		return errors.New("memory ledger: sensor id and category required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := headKey{record.SensorID, record.Category}
	h := l.heads[key]
	if h != nil && l.inCooldown(h, record.NotifiedAt.UTC()) {
		return sensors.ErrLedgerConflict
	}
	if h == nil {
		h = &head{}
		l.heads[key] = h
	}
	l.append(h, record)
	return nil
}

// Reserve claims the next notification slot.
func (l *MemoryLedger) Reserve(_ context.Context, sensorID string, category sensors.Category, now time.Time) (sensors.Reservation, error) {
	if l == nil {
		return sensors.Reservation{}, errors.New("memory ledger: nil")
	}
	now = now.UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	key := headKey{sensorID, category}
	h := l.heads[key]
	if h == nil {
		h = &head{}
		l.heads[key] = h
	}
	if l.inCooldown(h, now) {
		return sensors.Reservation{}, sensors.ErrLedgerConflict
	}
	if h.claimToken != "" && now.Sub(h.claimedAt) < l.reservationTTL {
		return sensors.Reservation{}, sensors.ErrLedgerConflict
	}
	h.claimToken = uuid.NewString()
	h.claimedAt = now
	return sensors.Reservation{Token: h.claimToken, SensorID: sensorID, Category: category, ClaimedAt: now}, nil
}

// Commit stores the record and clears the reservation.
func (l *MemoryLedger) Commit(_ context.Context, reservation sensors.Reservation, record sensors.NotificationRecord) error {
	if l == nil {
		return errors.New("memory ledger: nil")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.heads[headKey{reservation.SensorID, reservation.Category}]
	if h == nil || h.claimToken != reservation.Token {
		return sensors.ErrLedgerConflict
	}
	record.SensorID = reservation.SensorID
	record.Category = reservation.Category
	l.append(h, record)
	return nil
}

// Release drops the reservation without recording anything.
func (l *MemoryLedger) Release(_ context.Context, reservation sensors.Reservation) error {
	if l == nil {
		return errors.New("memory ledger: nil")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.heads[headKey{reservation.SensorID, reservation.Category}]
	if h == nil || h.claimToken != reservation.Token {
		return nil
	}
	h.claimToken = ""
	h.claimedAt = time.Time{}
	return nil
}

// ListRecords returns records matching the filter, newest first.
func (l *MemoryLedger) ListRecords(_ context.Context, filter sensors.RecordFilter) ([]sensors.NotificationRecord, error) {
	if l == nil {
		return nil, errors.New("memory ledger: nil")
	}
	l.mu.Lock()
	out := make([]sensors.NotificationRecord, 0, len(l.records))
	for _, record := range l.records {
		if filter.SensorID != "" && record.SensorID != filter.SensorID {
			continue
		}
		if !filter.From.IsZero() && record.NotifiedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !record.NotifiedAt.Before(filter.To) {
			continue
		}
		out = append(out, record)
	}
	l.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].NotifiedAt.After(out[j].NotifiedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (l *MemoryLedger) inCooldown(h *head, now time.Time) bool {
	return !h.lastNotifiedAt.IsZero() && now.Sub(h.lastNotifiedAt) < l.cooldown
}

func (l *MemoryLedger) append(h *head, record sensors.NotificationRecord) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	record.NotifiedAt = record.NotifiedAt.UTC()
	record.StintStart = record.StintStart.UTC()
	if record.NotifiedAt.After(h.lastNotifiedAt) {
		h.lastNotifiedAt = record.NotifiedAt
	}
	h.claimToken = ""
	h.claimedAt = time.Time{}
	l.records = append(l.records, record)
}
