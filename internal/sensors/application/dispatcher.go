package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"sensor-health/internal/logging"
	"sensor-health/internal/observability/metrics"
	sensors "sensor-health/internal/sensors/domain"
)

const (
	defaultWorkers        = 8
	defaultRunTimeout     = 2 * time.Minute
	defaultReleaseTimeout = 5 * time.Second

	ModeFull  = "full"
	ModeSweep = "sweep"
)

// ErrRunInProgress is returned when a run is requested while another one is active.
var ErrRunInProgress = errors.New("sensors: dispatch run already in progress")

// RunReport summarizes a dispatch run. Failed counts store errors, DispatchFailed undelivered alerts.
type RunReport struct {
	RunID          string    `json:"run_id"`
	Mode           string    `json:"mode"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	Total          int       `json:"total"`
	Evaluated      int       `json:"evaluated"`
	Transitions    int       `json:"transitions"`
	Notified       int       `json:"notified"`
	Suppressed     int       `json:"suppressed"`
	Failed         int       `json:"failed"`
	DispatchFailed int       `json:"dispatch_failed"`
	Deferred       int       `json:"deferred"`
	Fatal          bool      `json:"fatal"`
	Error          string    `json:"error,omitempty"`
}

// Evaluation is the outcome for one sensor.
type Evaluation struct {
	SensorID string         `json:"sensor_id"`
	Previous sensors.Status `json:"previous"`
	Status   sensors.Status `json:"status"`
	Changed  bool           `json:"changed"`
	Notified bool           `json:"notified"`
	Skipped  bool           `json:"-"`

	suppressed  bool
	storeErr    error
	dispatchErr error
	deferred    bool
}

// Dispatcher evaluates sensors, persists status changes and sends alerts.
type Dispatcher struct {
	sensors    SensorStore
	readings   ReadingStore
	thresholds ThresholdStore
	ledger     NotificationLedger
	access     AccessResolver
	transport  EmailTransport
	renderer   AlertRenderer

	detector      *Detector
	clock         Clock
	offlineAfter  time.Duration
	statuses      StatusNotifier
	logger        logrus.FieldLogger
	workers       int
	runTimeout    time.Duration
	cooldown      time.Duration
	notifyOffline bool

	running atomic.Bool

	// unrecorded holds sent alerts the ledger refused to store.
	unrecordedMu sync.Mutex
	unrecorded   map[ledgerKey]sensors.NotificationRecord
}

type ledgerKey struct {
	sensorID string
	category sensors.Category
}

// DispatcherOption customizes the dispatcher.
type DispatcherOption func(*Dispatcher)

// WithClock overrides the clock used for evaluation and ledger timestamps.
func WithClock(clock Clock) DispatcherOption {
	return func(d *Dispatcher) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// WithOfflineThreshold sets the staleness cutoff.
func WithOfflineThreshold(after time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if after > 0 {
			d.offlineAfter = after
		}
	}
}

// WithWorkers bounds the number of sensors processed concurrently.
func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithRunTimeout sets the per-run deadline.
func WithRunTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.runTimeout = timeout
		}
	}
}

// WithCooldown sets the window during which an unrecorded alert still suppresses resends.
func WithCooldown(cooldown time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if cooldown > 0 {
			d.cooldown = cooldown
		}
	}
}

// WithNotifyOffline enables alerts for sensors that went offline.
func WithNotifyOffline(enabled bool) DispatcherOption {
	return func(d *Dispatcher) {
		d.notifyOffline = enabled
	}
}

// WithStatusNotifier assigns the status change sink.
func WithStatusNotifier(notifier StatusNotifier) DispatcherOption {
	return func(d *Dispatcher) {
		d.statuses = notifier
	}
}

// WithLogger assigns a logger.
func WithLogger(logger logrus.FieldLogger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(sensorStore SensorStore, readings ReadingStore, thresholds ThresholdStore, ledger NotificationLedger, access AccessResolver, transport EmailTransport, renderer AlertRenderer, opts ...DispatcherOption) (*Dispatcher, error) {
	if sensorStore == nil || readings == nil || thresholds == nil {
		return nil, errors.New("sensors: nil store")
	}
	if ledger == nil {
		return nil, errors.New("sensors: nil notification ledger")
	}
	if access == nil {
		return nil, errors.New("sensors: nil access resolver")
	}
	if transport == nil {
		return nil, errors.New("sensors: nil email transport")
	}
	if renderer == nil {
		return nil, errors.New("sensors: nil alert renderer")
	}
	d := &Dispatcher{
		sensors:      sensorStore,
		readings:     readings,
		thresholds:   thresholds,
		ledger:       ledger,
		access:       access,
		transport:    transport,
		renderer:     renderer,
		clock:        systemClock{},
		offlineAfter: sensors.DefaultOfflineThreshold,
		logger:       logging.Discard(),
		workers:      defaultWorkers,
		runTimeout:   defaultRunTimeout,
		cooldown:     sensors.DefaultCooldown,
		unrecorded:   make(map[ledgerKey]sensors.NotificationRecord),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.detector = NewDetector(d.clock, d.offlineAfter)
	return d, nil
}

// Run evaluates every sensor once.
func (d *Dispatcher) Run(ctx context.Context) (RunReport, error) {
	return d.run(ctx, ModeFull)
}

// Sweep reclassifies stale sensors as offline without touching fresh ones.
func (d *Dispatcher) Sweep(ctx context.Context) (RunReport, error) {
	return d.run(ctx, ModeSweep)
}

// EvaluateSensor runs the full pipeline for a single sensor.
func (d *Dispatcher) EvaluateSensor(ctx context.Context, sensorID string) (Evaluation, error) {
	if d == nil {
		return Evaluation{}, errors.New("sensors: nil dispatcher")
	}
	if sensorID == "" {
		return Evaluation{}, errors.New("sensors: empty sensor id")
	}
	state, err := d.sensors.GetSensor(ctx, sensorID)
	if err != nil {
		if errors.Is(err, sensors.ErrNotFound) {
			return Evaluation{}, err
		}
		return Evaluation{}, &sensors.StoreError{Op: "get sensor", SensorID: sensorID, Err: err}
	}
	if state == nil {
		return Evaluation{}, sensors.ErrNotFound
	}
	result := d.process(ctx, *state, ModeFull)
	if result.storeErr != nil {
		return result, result.storeErr
	}
	if result.dispatchErr != nil {
		return result, result.dispatchErr
	}
	return result, nil
}

func (d *Dispatcher) run(ctx context.Context, mode string) (RunReport, error) {
	if d == nil {
		return RunReport{}, errors.New("sensors: nil dispatcher")
	}
	if !d.running.CompareAndSwap(false, true) {
		return RunReport{}, ErrRunInProgress
	}
	defer d.running.Store(false)

	report := RunReport{
		RunID:     uuid.NewString(),
		Mode:      mode,
		StartedAt: d.detector.Now(),
	}
	logger := d.logger.WithFields(logrus.Fields{"run_id": report.RunID, "mode": mode})
	started := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, d.runTimeout)
	defer cancel()

	list, err := d.sensors.ListSensors(runCtx)
	if err != nil {
		report.Fatal = true
		report.FinishedAt = d.detector.Now()
		fatal := fmt.Errorf("%w: list sensors: %v", sensors.ErrStoreUnavailable, err)
		report.Error = fatal.Error()
		logger.WithError(err).Error("dispatch run aborted")
		metrics.ObserveDispatchRun(mode, metrics.ResultFatal, time.Since(started), 0)
		return report, fatal
	}
	report.Total = len(list)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(d.workers)
	for _, state := range list {
		if runCtx.Err() != nil {
			mu.Lock()
			report.Deferred++
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			if runCtx.Err() != nil {
				mu.Lock()
				report.Deferred++
				mu.Unlock()
				return nil
			}
			result := d.process(runCtx, state, mode)
			if result.storeErr != nil && runCtx.Err() != nil {
				result.deferred = true
			}
			mu.Lock()
			report.add(result)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.FinishedAt = d.detector.Now()
	fields := logrus.Fields{
		"total":           report.Total,
		"evaluated":       report.Evaluated,
		"transitions":     report.Transitions,
		"notified":        report.Notified,
		"suppressed":      report.Suppressed,
		"failed":          report.Failed,
		"dispatch_failed": report.DispatchFailed,
		"deferred":        report.Deferred,
	}
	if report.Total > 0 && report.Failed == report.Total {
		report.Fatal = true
		fatal := fmt.Errorf("%w: all %d sensors failed", sensors.ErrStoreUnavailable, report.Total)
		report.Error = fatal.Error()
		logger.WithFields(fields).Error("dispatch run failed for every sensor")
		metrics.ObserveDispatchRun(mode, metrics.ResultFatal, time.Since(started), report.Deferred)
		return report, fatal
	}

	result := metrics.ResultSuccess
	if report.Failed > 0 || report.DispatchFailed > 0 {
		result = metrics.ResultError
	}
	metrics.ObserveDispatchRun(mode, result, time.Since(started), report.Deferred)
	switch {
	case report.Deferred > 0:
		logger.WithFields(fields).Warn("dispatch run deadline reached, remaining sensors deferred")
	case report.DispatchFailed > 0:
		logger.WithFields(fields).Warn("dispatch run completed with undelivered alerts")
	default:
		logger.WithFields(fields).Info("dispatch run completed")
	}
	return report, nil
}

func (r *RunReport) add(result Evaluation) {
	switch {
	case result.deferred:
		r.Deferred++
		return
	case result.storeErr != nil:
		r.Failed++
		return
	}
	if result.Skipped {
		return
	}
	r.Evaluated++
	if result.Changed {
		r.Transitions++
	}
	if result.Notified {
		r.Notified++
	}
	if result.suppressed {
		r.Suppressed++
	}
	if result.dispatchErr != nil {
		r.DispatchFailed++
	}
}

func (d *Dispatcher) process(ctx context.Context, state sensors.SensorState, mode string) Evaluation {
	logger := d.logger.WithField("sensor_id", state.ID)
	result := Evaluation{SensorID: state.ID, Previous: state.Status, Status: state.Status}

	reading, err := d.readings.LatestReading(ctx, state.ID)
	switch {
	case errors.Is(err, sensors.ErrNotFound):
		reading = nil
	case err != nil:
		result.storeErr = d.storeFailure(logger, "load reading", state.ID, err)
		return result
	}
	if reading != nil {
		state.Value = reading.Value
		state.LastSeenAt = reading.RecordedAt.UTC()
	}

	now := d.detector.Now()
	if mode == ModeSweep && !d.detector.Stale(state.LastSeenAt, now) {
		result.Skipped = true
		return result
	}

	thresholds, err := d.thresholds.GetThresholds(ctx, state.ID)
	switch {
	case errors.Is(err, sensors.ErrNotFound):
		thresholds = sensors.Thresholds{}
	case err != nil:
		result.storeErr = d.storeFailure(logger, "load thresholds", state.ID, err)
		return result
	}
	if err := thresholds.Validate(); err != nil {
		logger.WithError(err).Warn("ignoring invalid thresholds")
		thresholds = sensors.Thresholds{}
	}
	state.Thresholds = thresholds

	status := d.detector.Evaluate(state, now)
	result.Status = status
	metrics.IncSensorEvaluated(string(status))

	if status != state.Status {
		if err := d.sensors.UpdateStatus(ctx, state.ID, status, now); err != nil {
			result.storeErr = d.storeFailure(logger, "update status", state.ID, err)
			return result
		}
		result.Changed = true
		metrics.IncStatusTransition(string(state.Status), string(status))
		logger.WithFields(logrus.Fields{"from": state.Status, "to": status}).Info("sensor status changed")
		if d.statuses != nil {
			d.statuses.NotifyStatusChange(ctx, sensors.StatusChange{
				SensorID:   state.ID,
				SensorName: state.DisplayName(),
				From:       state.Status,
				To:         status,
				Value:      state.Value,
				Unit:       state.Unit,
				At:         now,
			})
		}
		state.Status = status
		state.StatusUpdatedAt = now
	}

	category, ok := sensors.CategoryFor(status)
	if !ok {
		return result
	}
	if category == sensors.CategoryOffline && !d.notifyOffline {
		return result
	}
	if !state.AlertsEnabled {
		return result
	}
	d.notify(ctx, logger.WithField("category", category), state, category, now, &result)
	return result
}

func (d *Dispatcher) notify(ctx context.Context, logger logrus.FieldLogger, state sensors.SensorState, category sensors.Category, now time.Time, result *Evaluation) {
	if d.holdUnrecorded(ctx, logger, ledgerKey{state.ID, category}, now) {
		result.suppressed = true
		metrics.IncNotification(string(category), metrics.NotificationSuppressed)
		return
	}
	reservation, err := d.ledger.Reserve(ctx, state.ID, category, now)
	if errors.Is(err, sensors.ErrLedgerConflict) {
		result.suppressed = true
		metrics.IncLedgerConflict(string(category))
		metrics.IncNotification(string(category), metrics.NotificationSuppressed)
		logger.Debug("notification suppressed by ledger")
		return
	}
	if err != nil {
		result.storeErr = d.storeFailure(logger, "reserve notification", state.ID, err)
		return
	}

	recipients, err := ResolveRecipients(ctx, d.access, state.ID)
	if err != nil {
		d.release(ctx, logger, reservation)
		result.storeErr = d.storeFailure(logger, "resolve recipients", state.ID, err)
		return
	}
	if len(recipients) == 0 {
		d.release(ctx, logger, reservation)
		result.suppressed = true
		metrics.IncNotification(string(category), metrics.NotificationNoRecipients)
		logger.Info("no recipients opted in, skipping notification")
		return
	}

	stintStart := state.StatusUpdatedAt
	if stintStart.IsZero() {
		stintStart = now
	}
	alert := sensors.Alert{
		Sensor:     state,
		Category:   category,
		Status:     state.Status,
		StintStart: stintStart.UTC(),
		DetectedAt: now,
		Recipients: recipients,
	}
	subject, body, err := d.renderer.RenderAlert(alert)
	if err == nil {
		err = d.transport.Send(ctx, addresses(recipients), subject, body)
	}
	if err != nil {
		d.release(ctx, logger, reservation)
		result.dispatchErr = &sensors.DispatchError{SensorID: state.ID, Category: category, Recipients: len(recipients), Err: err}
		metrics.IncNotification(string(category), metrics.NotificationFailed)
		logger.WithError(err).WithField("recipients", len(recipients)).Error("alert dispatch failed")
		return
	}

	record := sensors.NotificationRecord{
		ID:         uuid.NewString(),
		SensorID:   state.ID,
		Category:   category,
		Status:     state.Status,
		StintStart: stintStart.UTC(),
		NotifiedAt: now,
		Recipients: len(recipients),
	}
	d.persist(ctx, logger, reservation, record)
	result.Notified = true
	metrics.IncNotification(string(category), metrics.NotificationSent)
	logger.WithField("recipients", len(recipients)).Info("alert sent")
}

// persist writes the record of a delivered alert. Commit is tried twice, then the
// cooldown-guarded RecordNotification. When every write fails the record is kept in
// memory and blocks resends for the rest of the window.
func (d *Dispatcher) persist(ctx context.Context, logger logrus.FieldLogger, reservation sensors.Reservation, record sensors.NotificationRecord) {
	writeCtx, cancel := detached(ctx)
	defer cancel()
	err := d.ledger.Commit(writeCtx, reservation, record)
	if err == nil {
		return
	}
	logger.WithError(err).Warn("ledger commit failed, retrying")
	if err = d.ledger.Commit(writeCtx, reservation, record); err == nil {
		return
	}
	err = d.ledger.RecordNotification(writeCtx, record)
	if err == nil || errors.Is(err, sensors.ErrLedgerConflict) {
		return
	}
	metrics.IncStoreError("record notification")
	logger.WithError(err).Error("alert sent but ledger write failed, holding cooldown in memory")
	d.unrecordedMu.Lock()
	d.unrecorded[ledgerKey{record.SensorID, record.Category}] = record
	d.unrecordedMu.Unlock()
}

// holdUnrecorded retries a pending ledger write and reports whether the sensor must stay quiet.
func (d *Dispatcher) holdUnrecorded(ctx context.Context, logger logrus.FieldLogger, key ledgerKey, now time.Time) bool {
	d.unrecordedMu.Lock()
	record, ok := d.unrecorded[key]
	d.unrecordedMu.Unlock()
	if !ok {
		return false
	}
	writeCtx, cancel := detached(ctx)
	defer cancel()
	err := d.ledger.RecordNotification(writeCtx, record)
	if err != nil && !errors.Is(err, sensors.ErrLedgerConflict) && now.Before(record.NotifiedAt.Add(d.cooldown)) {
		logger.WithError(err).Warn("ledger still rejecting delivered alert, notification held")
		return true
	}
	d.unrecordedMu.Lock()
	delete(d.unrecorded, key)
	d.unrecordedMu.Unlock()
	if err != nil && !errors.Is(err, sensors.ErrLedgerConflict) {
		logger.WithError(err).Warn("dropping unrecorded alert after cooldown")
	}
	return false
}

func (d *Dispatcher) release(ctx context.Context, logger logrus.FieldLogger, reservation sensors.Reservation) {
	releaseCtx, cancel := detached(ctx)
	defer cancel()
	if err := d.ledger.Release(releaseCtx, reservation); err != nil {
		logger.WithError(err).Warn("ledger release failed, reservation will expire")
	}
}

func (d *Dispatcher) storeFailure(logger logrus.FieldLogger, op, sensorID string, err error) error {
	metrics.IncStoreError(op)
	var storeErr *sensors.StoreError
	if !errors.As(err, &storeErr) {
		storeErr = &sensors.StoreError{Op: op, SensorID: sensorID, Err: err}
	}
	logger.WithError(storeErr).Warn("sensor skipped after store error")
	return storeErr
}

// detached keeps ledger bookkeeping alive after the run deadline expires.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), defaultReleaseTimeout)
}
