package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sensors "sensor-health/internal/sensors/domain"
	"sensor-health/internal/sensors/ledger"
)

type harness struct {
	clock      *fakeClock
	store      *fakeSensorStore
	readings   *fakeReadingStore
	thresholds fakeThresholdStore
	access     fakeAccess
	transport  *recordingTransport
	statuses   *recordingStatusNotifier
	ledger     *ledger.MemoryLedger
	dispatcher *Dispatcher
}

func newHarness(t *testing.T, states []sensors.SensorState, opts ...DispatcherOption) *harness {
	t.Helper()
	h := &harness{
		clock:      &fakeClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)},
		store:      newFakeSensorStore(states...),
		readings:   newFakeReadingStore(),
		thresholds: fakeThresholdStore{thresholds: map[string]sensors.Thresholds{}},
		access: fakeAccess{
			owners: map[string]*sensors.Recipient{},
			shared: map[string][]sensors.Recipient{},
		},
		transport: &recordingTransport{},
		statuses:  &recordingStatusNotifier{},
		ledger:    ledger.NewMemoryLedger(),
	}
	for _, state := range states {
		h.thresholds.thresholds[state.ID] = sensors.Thresholds{MinLimit: sensors.Float(32), MaxLimit: sensors.Float(40), WarningPercent: sensors.Float(10)}
		h.access.owners[state.ID] = &sensors.Recipient{PrincipalID: "u-owner", Email: "owner@example.com", AlertEnabled: true}
	}
	base := []DispatcherOption{WithClock(h.clock), WithStatusNotifier(h.statuses)}
	dispatcher, err := NewDispatcher(h.store, h.readings, h.thresholds, h.ledger, h.access, h.transport, plainRenderer{}, append(base, opts...)...)
	require.NoError(t, err)
	h.dispatcher = dispatcher
	return h
}

func sensor(id string) sensors.SensorState {
	return sensors.SensorState{ID: id, Name: "Freezer " + id, Unit: "C", Status: sensors.StatusUnknown, AlertsEnabled: true}
}

func TestNewDispatcherValidatesDependencies(t *testing.T) {
	_, err := NewDispatcher(nil, newFakeReadingStore(), fakeThresholdStore{}, ledger.NewMemoryLedger(), fakeAccess{}, &recordingTransport{}, plainRenderer{})
	assert.Error(t, err)
	_, err = NewDispatcher(newFakeSensorStore(), newFakeReadingStore(), fakeThresholdStore{}, nil, fakeAccess{}, &recordingTransport{}, plainRenderer{})
	assert.Error(t, err)
	_, err = NewDispatcher(newFakeSensorStore(), newFakeReadingStore(), fakeThresholdStore{}, ledger.NewMemoryLedger(), fakeAccess{}, nil, plainRenderer{})
	assert.Error(t, err)
}

func TestRunPersistsStatusOnlyOnChange(t *testing.T) {
	h := newHarness(t, []sensors.SensorState{sensor("s-1")})
	h.readings.Set("s-1", 36, h.clock.Now())

	report, err := h.dispatcher.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Evaluated)
	assert.Equal(t, 1, report.Transitions)
	assert.Equal(t, sensors.StatusOK, h.store.Status("s-1"))

	h.clock.Add(time.Minute)
	h.readings.Set("s-1", 37, h.clock.Now())
	report, err = h.dispatcher.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Transitions)
	assert.Equal(t, 1, h.store.UpdateCount())

	changes := h.statuses.Changes()
	require.Len(t, changes, 1)
	assert.Equal(t, sensors.StatusUnknown, changes[0].From)
	assert.Equal(t, sensors.StatusOK, changes[0].To)
	assert.Equal(t, "Freezer s-1", changes[0].SensorName)
}

func TestRunAlertCooldown(t *testing.T) {
	h := newHarness(t, []sensors.SensorState{sensor("s-1")})
	ctx := context.Background()
	h.readings.Set("s-1", 45, h.clock.Now())

	report, err := h.dispatcher.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Notified)
	require.Equal(t, 1, h.transport.Count())
	assert.Equal(t, []string{"owner@example.com"}, h.transport.Last().recipients)
	assert.Equal(t, "value:Freezer s-1", h.transport.Last().subject)

	h.clock.Add(15 * time.Minute)
	h.readings.Set("s-1", 46, h.clock.Now())
	report, err = h.dispatcher.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Suppressed)
	assert.Equal(t, 1, h.transport.Count())
	ok, err := h.ledger.ShouldNotify(ctx, "s-1", sensors.CategoryValue, h.clock.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	h.clock.Add(16 * time.Minute)
	h.readings.Set("s-1", 46, h.clock.Now())
	ok, err = h.ledger.ShouldNotify(ctx, "s-1", sensors.CategoryValue, h.clock.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = h.dispatcher.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, h.transport.Count())

	records, err := h.ledger.ListRecords(ctx, sensors.RecordFilter{SensorID: "s-1"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, records[1].StintStart, records[0].StintStart, "stint start is the transition into alert")
}

func TestRunFailedDispatchLeavesNoRecord(t *testing.T) {
	h := newHarness(t, []sensors.SensorState{sensor("s-1")})
	ctx := context.Background()
	h.readings.Set("s-1", 45, h.clock.Now())
	h.transport.SetFail(errors.New("smtp: connection refused"))

	report, err := h.dispatcher.Run(ctx)
	require.NoError(t, err, "dispatch failures never fail the run")
	assert.Equal(t, 0, report.Notified)
	assert.Equal(t, 1, report.Evaluated)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 1, report.DispatchFailed)
	assert.Equal(t, sensors.StatusAlert, h.store.Status("s-1"))

	h.clock.Add(5 * time.Minute)
	ok, err := h.ledger.ShouldNotify(ctx, "s-1", sensors.CategoryValue, h.clock.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	h.transport.SetFail(nil)
	h.readings.Set("s-1", 45, h.clock.Now())
	report, err = h.dispatcher.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Notified)
	assert.Equal(t, 0, report.DispatchFailed)

	ok, err = h.ledger.ShouldNotify(ctx, "s-1", sensors.CategoryValue, h.clock.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunCountsEveryUndeliveredAlert(t *testing.T) {
	h := newHarness(t, []sensors.SensorState{sensor("s-1"), sensor("s-2")})
	h.readings.Set("s-1", 45, h.clock.Now())
	h.readings.Set("s-2", 20, h.clock.Now())
	h.transport.SetFail(errors.New("smtp: 421 service not available"))

	report, err := h.dispatcher.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Fatal)
	assert.Equal(t, 2, report.Evaluated)
	assert.Equal(t, 2, report.Transitions)
	assert.Equal(t, 0, report.Notified)
	assert.Equal(t, 2, report.DispatchFailed)
}

// failingWrites rejects a fixed number of ledger writes before delegating.
type failingWrites struct {
	*ledger.MemoryLedger

	mu             sync.Mutex
	commitFailures int
	recordFailures int
}

func (f *failingWrites) Commit(ctx context.Context, reservation sensors.Reservation, record sensors.NotificationRecord) error {
	f.mu.Lock()
	if f.commitFailures > 0 {
		f.commitFailures--
		f.mu.Unlock()
		return errors.New("ledger: connection reset")
	}
	f.mu.Unlock()
	return f.MemoryLedger.Commit(ctx, reservation, record)
}

func (f *failingWrites) RecordNotification(ctx context.Context, record sensors.NotificationRecord) error {
	f.mu.Lock()
	if f.recordFailures > 0 {
		f.recordFailures--
		f.mu.Unlock()
		return errors.New("ledger: connection reset")
	}
	f.mu.Unlock()
	return f.MemoryLedger.RecordNotification(ctx, record)
}

func newDispatcherWithLedger(t *testing.T, h *harness, l NotificationLedger) *Dispatcher {
	t.Helper()
	dispatcher, err := NewDispatcher(h.store, h.readings, h.thresholds, l, h.access, h.transport, plainRenderer{}, WithClock(h.clock))
	require.NoError(t, err)
	return dispatcher
}

func TestRunRetriesCommitAfterSend(t *testing.T) {
	h := newHarness(t, []sensors.SensorState{sensor("s-1")})
	flaky := &failingWrites{MemoryLedger: h.ledger, commitFailures: 1}
	dispatcher := newDispatcherWithLedger(t, h, flaky)
	ctx := context.Background()

	h.readings.Set("s-1", 45, h.clock.Now())
	report, err := dispatcher.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Notified)

	h.clock.Add(6 * time.Minute)
	h.readings.Set("s-1", 46, h.clock.Now())
	report, err = dispatcher.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Suppressed)
	assert.Equal(t, 1, h.transport.Count(), "cooldown holds after a failed commit")

	records, err := h.ledger.ListRecords(ctx, sensors.RecordFilter{SensorID: "s-1"})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestRunFallsBackToRecordNotification(t *testing.T) {
	h := newHarness(t, []sensors.SensorState{sensor("s-1")})
	flaky := &failingWrites{MemoryLedger: h.ledger, commitFailures: 2}
	dispatcher := newDispatcherWithLedger(t, h, flaky)
	ctx := context.Background()

	h.readings.Set("s-1", 45, h.clock.Now())
	_, err := dispatcher.Run(ctx)
	require.NoError(t, err)

	records, err := h.ledger.ListRecords(ctx, sensors.RecordFilter{SensorID: "s-1"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, h.clock.Now(), records[0].NotifiedAt)
}

func TestRunHoldsCooldownWhileLedgerRejectsWrites(t *testing.T) {
	h := newHarness(t, []sensors.SensorState{sensor("s-1")})
	flaky := &failingWrites{MemoryLedger: h.ledger, commitFailures: 2, recordFailures: 2}
	dispatcher := newDispatcherWithLedger(t, h, flaky)
	ctx := context.Background()
	sentAt := h.clock.Now()

	h.readings.Set("s-1", 45, h.clock.Now())
	report, err := dispatcher.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Notified)

	// claim has expired by now; only the held record keeps the sensor quiet
	h.clock.Add(6 * time.Minute)
	h.readings.Set("s-1", 45, h.clock.Now())
	report, err = dispatcher.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Suppressed)
	assert.Equal(t, 1, h.transport.Count())

	h.clock.Add(6 * time.Minute)
	h.readings.Set("s-1", 45, h.clock.Now())
	report, err = dispatcher.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Suppressed)
	assert.Equal(t, 1, h.transport.Count())

	records, err := h.ledger.ListRecords(ctx, sensors.RecordFilter{SensorID: "s-1"})
	require.NoError(t, err)
	require.Len(t, records, 1, "held record reaches the ledger once it accepts writes")
	assert.Equal(t, sentAt, records[0].NotifiedAt)

	h.clock.Add(20 * time.Minute)
	h.readings.Set("s-1", 45, h.clock.Now())
	report, err = dispatcher.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Notified)
	assert.Equal(t, 2, h.transport.Count())
}

func TestRunSkipsDisabledAndUnreachableSensors(t *testing.T) {
	muted := sensor("s-muted")
	muted.AlertsEnabled = false
	h := newHarness(t, []sensors.SensorState{muted, sensor("s-nobody"), sensor("s-warn")})
	h.access.owners["s-nobody"].AlertEnabled = false
	for _, id := range []string{"s-muted", "s-nobody"} {
		h.readings.Set(id, 45, h.clock.Now())
	}
	h.readings.Set("s-warn", 39.5, h.clock.Now())

	report, err := h.dispatcher.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Evaluated)
	assert.Equal(t, 0, h.transport.Count())
	assert.Equal(t, sensors.StatusAlert, h.store.Status("s-muted"))
	assert.Equal(t, sensors.StatusWarning, h.store.Status("s-warn"))

	ok, err := h.ledger.ShouldNotify(context.Background(), "s-nobody", sensors.CategoryValue, h.clock.Now())
	require.NoError(t, err)
	assert.True(t, ok, "empty recipient set releases the reservation")
}

func TestRunOfflineNotificationsAreOptIn(t *testing.T) {
	h := newHarness(t, []sensors.SensorState{sensor("s-1")})
	h.readings.Set("s-1", 36, h.clock.Now().Add(-40*time.Minute))

	_, err := h.dispatcher.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sensors.StatusOffline, h.store.Status("s-1"))
	assert.Equal(t, 0, h.transport.Count())

	h2 := newHarness(t, []sensors.SensorState{sensor("s-1")}, WithNotifyOffline(true))
	h2.readings.Set("s-1", 36, h2.clock.Now().Add(-40*time.Minute))
	_, err = h2.dispatcher.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, h2.transport.Count())
	assert.Equal(t, "offline:Freezer s-1", h2.transport.Last().subject)
}

func TestSweepOnlyTouchesStaleSensors(t *testing.T) {
	h := newHarness(t, []sensors.SensorState{sensor("s-fresh"), sensor("s-stale"), sensor("s-never")})
	h.readings.Set("s-fresh", 45, h.clock.Now())
	h.readings.Set("s-stale", 36, h.clock.Now().Add(-31*time.Minute))

	report, err := h.dispatcher.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ModeSweep, report.Mode)
	assert.Equal(t, 2, report.Evaluated)
	assert.Equal(t, sensors.StatusUnknown, h.store.Status("s-fresh"))
	assert.Equal(t, sensors.StatusOffline, h.store.Status("s-stale"))
	assert.Equal(t, sensors.StatusOffline, h.store.Status("s-never"))
	assert.Equal(t, 0, h.transport.Count())
}

func TestRunIsolatesStoreErrors(t *testing.T) {
	h := newHarness(t, []sensors.SensorState{sensor("s-1"), sensor("s-2")})
	h.readings.errs["s-1"] = errors.New("connection reset")
	h.readings.Set("s-2", 45, h.clock.Now())

	report, err := h.dispatcher.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Evaluated)
	assert.Equal(t, 1, h.transport.Count())
	assert.False(t, report.Fatal)
}

func TestRunFatalWhenListingFails(t *testing.T) {
	h := newHarness(t, nil)
	h.store.listErr = errors.New("dial tcp: connection refused")

	report, err := h.dispatcher.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, sensors.ErrStoreUnavailable)
	assert.True(t, report.Fatal)
	assert.NotEmpty(t, report.Error)
}

func TestRunFatalWhenEverySensorFails(t *testing.T) {
	h := newHarness(t, []sensors.SensorState{sensor("s-1"), sensor("s-2")})
	h.readings.Set("s-1", 36, h.clock.Now())
	h.readings.Set("s-2", 36, h.clock.Now())
	h.store.updateErr = errors.New("read-only transaction")

	report, err := h.dispatcher.Run(context.Background())
	assert.ErrorIs(t, err, sensors.ErrStoreUnavailable)
	assert.True(t, report.Fatal)
	assert.Equal(t, 2, report.Failed)
}

func TestRunEmptyIsNotFatal(t *testing.T) {
	h := newHarness(t, nil)
	report, err := h.dispatcher.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Total)
	assert.NotEmpty(t, report.RunID)
}

func TestRunBoundedParallelism(t *testing.T) {
	states := make([]sensors.SensorState, 0, 12)
	for i := 0; i < 12; i++ {
		states = append(states, sensor(fmt.Sprintf("s-%d", i)))
	}
	h := newHarness(t, states, WithWorkers(3))
	h.readings.delay = 10 * time.Millisecond
	for _, state := range states {
		h.readings.Set(state.ID, 36, h.clock.Now())
	}

	report, err := h.dispatcher.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, report.Evaluated)
	assert.LessOrEqual(t, h.readings.MaxConcurrent(), 3)
}

func TestRunDeadlineDefersRemainingSensors(t *testing.T) {
	states := make([]sensors.SensorState, 0, 10)
	for i := 0; i < 10; i++ {
		states = append(states, sensor(fmt.Sprintf("s-%d", i)))
	}
	h := newHarness(t, states, WithWorkers(1), WithRunTimeout(50*time.Millisecond))
	h.readings.delay = 20 * time.Millisecond
	for _, state := range states {
		h.readings.Set(state.ID, 36, h.clock.Now())
	}

	report, err := h.dispatcher.Run(context.Background())
	require.NoError(t, err, "a deadline is never a run failure")
	assert.Greater(t, report.Deferred, 0)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 10, report.Evaluated+report.Deferred)
}

func TestRunRejectsOverlap(t *testing.T) {
	h := newHarness(t, []sensors.SensorState{sensor("s-1")})
	h.readings.Set("s-1", 36, h.clock.Now())
	h.readings.started = make(chan struct{}, 1)
	h.readings.release = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.dispatcher.Run(context.Background())
		done <- err
	}()

	select {
	case <-h.readings.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first run")
	}
	_, err := h.dispatcher.Run(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(h.readings.release)
	require.NoError(t, <-done)
}

func TestEvaluateSensor(t *testing.T) {
	h := newHarness(t, []sensors.SensorState{sensor("s-1")})
	h.readings.Set("s-1", 45, h.clock.Now())

	result, err := h.dispatcher.EvaluateSensor(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, sensors.StatusUnknown, result.Previous)
	assert.Equal(t, sensors.StatusAlert, result.Status)
	assert.True(t, result.Changed)
	assert.True(t, result.Notified)

	_, err = h.dispatcher.EvaluateSensor(context.Background(), "missing")
	assert.ErrorIs(t, err, sensors.ErrNotFound)
}

func TestEvaluateSensorReportsDispatchError(t *testing.T) {
	h := newHarness(t, []sensors.SensorState{sensor("s-1")})
	h.readings.Set("s-1", 45, h.clock.Now())
	h.transport.SetFail(errors.New("smtp down"))

	_, err := h.dispatcher.EvaluateSensor(context.Background(), "s-1")
	var dispatchErr *sensors.DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, sensors.CategoryValue, dispatchErr.Category)
	assert.Equal(t, 1, dispatchErr.Recipients)
}

func TestInvalidThresholdsEvaluateAsUnknown(t *testing.T) {
	h := newHarness(t, []sensors.SensorState{sensor("s-1")})
	h.thresholds.thresholds["s-1"] = sensors.Thresholds{MinLimit: sensors.Float(50), MaxLimit: sensors.Float(10)}
	h.readings.Set("s-1", 45, h.clock.Now())

	result, err := h.dispatcher.EvaluateSensor(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, sensors.StatusUnknown, result.Status)
	assert.Equal(t, 0, h.transport.Count())
}
