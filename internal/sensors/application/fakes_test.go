package application

import (
	"context"
	"errors"
	"sync"
	"time"

	sensors "sensor-health/internal/sensors/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Add(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type statusUpdate struct {
	id     string
	status sensors.Status
	at     time.Time
}

type fakeSensorStore struct {
	mu        sync.Mutex
	order     []string
	states    map[string]*sensors.SensorState
	listErr   error
	updateErr error
	updates   []statusUpdate
}

func newFakeSensorStore(states ...sensors.SensorState) *fakeSensorStore {
	store := &fakeSensorStore{states: make(map[string]*sensors.SensorState)}
	for _, state := range states {
		state := state
		store.order = append(store.order, state.ID)
		store.states[state.ID] = &state
	}
	return store
}

func (f *fakeSensorStore) ListSensors(_ context.Context) ([]sensors.SensorState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]sensors.SensorState, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, *f.states[id])
	}
	return out, nil
}

func (f *fakeSensorStore) GetSensor(_ context.Context, id string) (*sensors.SensorState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[id]
	if !ok {
		return nil, sensors.ErrNotFound
	}
	copied := *state
	return &copied, nil
}

func (f *fakeSensorStore) UpdateStatus(_ context.Context, id string, status sensors.Status, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	state, ok := f.states[id]
	if !ok {
		return sensors.ErrNotFound
	}
	state.Status = status
	state.StatusUpdatedAt = at
	f.updates = append(f.updates, statusUpdate{id: id, status: status, at: at})
	return nil
}

func (f *fakeSensorStore) Status(id string) sensors.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[id].Status
}

func (f *fakeSensorStore) UpdateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

type fakeReadingStore struct {
	mu       sync.Mutex
	readings map[string]sensors.Reading
	errs     map[string]error
	delay    time.Duration
	inflight int
	maxSeen  int
	started  chan struct{}
	release  chan struct{}
}

func newFakeReadingStore() *fakeReadingStore {
	return &fakeReadingStore{readings: make(map[string]sensors.Reading), errs: make(map[string]error)}
}

func (f *fakeReadingStore) Set(id string, value float64, at time.Time) {
	f.mu.Lock()
	f.readings[id] = sensors.Reading{SensorID: id, Value: sensors.Float(value), RecordedAt: at}
	f.mu.Unlock()
}

func (f *fakeReadingStore) LatestReading(ctx context.Context, sensorID string) (*sensors.Reading, error) {
	f.mu.Lock()
	f.inflight++
	if f.inflight > f.maxSeen {
		f.maxSeen = f.inflight
	}
	delay, started, release := f.delay, f.started, f.release
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if release != nil {
		<-release
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[sensorID]; err != nil {
		return nil, err
	}
	reading, ok := f.readings[sensorID]
	if !ok {
		return nil, sensors.ErrNotFound
	}
	return &reading, nil
}

func (f *fakeReadingStore) MaxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxSeen
}

type fakeThresholdStore struct {
	thresholds map[string]sensors.Thresholds
}

func (f fakeThresholdStore) GetThresholds(_ context.Context, sensorID string) (sensors.Thresholds, error) {
	th, ok := f.thresholds[sensorID]
	if !ok {
		return sensors.Thresholds{}, sensors.ErrNotFound
	}
	return th, nil
}

type fakeAccess struct {
	owners map[string]*sensors.Recipient
	shared map[string][]sensors.Recipient
	err    error
}

func (f fakeAccess) GetOwner(_ context.Context, sensorID string) (*sensors.Recipient, error) {
	if f.err != nil {
		return nil, f.err
	}
	owner, ok := f.owners[sensorID]
	if !ok {
		return nil, sensors.ErrNotFound
	}
	copied := *owner
	return &copied, nil
}

func (f fakeAccess) ListAcceptedRecipients(_ context.Context, sensorID string) ([]sensors.Recipient, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.shared[sensorID], nil
}

type sentMail struct {
	recipients []string
	subject    string
	body       string
}

type recordingTransport struct {
	mu   sync.Mutex
	sent []sentMail
	fail error
}

func (r *recordingTransport) Send(_ context.Context, recipients []string, subject, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.sent = append(r.sent, sentMail{recipients: append([]string(nil), recipients...), subject: subject, body: body})
	return nil
}

func (r *recordingTransport) SetFail(err error) {
	r.mu.Lock()
	r.fail = err
	r.mu.Unlock()
}

func (r *recordingTransport) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func (r *recordingTransport) Last() sentMail {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return sentMail{}
	}
	return r.sent[len(r.sent)-1]
}

type plainRenderer struct{}

func (plainRenderer) RenderAlert(alert sensors.Alert) (string, string, error) {
	if alert.Sensor.ID == "" {
		return "", "", errors.New("empty sensor")
	}
	return string(alert.Category) + ":" + alert.Sensor.DisplayName(), string(alert.Status), nil
}

type recordingStatusNotifier struct {
	mu      sync.Mutex
	changes []sensors.StatusChange
}

func (r *recordingStatusNotifier) NotifyStatusChange(_ context.Context, change sensors.StatusChange) {
	r.mu.Lock()
	r.changes = append(r.changes, change)
	r.mu.Unlock()
}

func (r *recordingStatusNotifier) Changes() []sensors.StatusChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sensors.StatusChange(nil), r.changes...)
}
