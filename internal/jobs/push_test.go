package jobs

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altibiz/pidgeon/internal/cloud"
	"github.com/altibiz/pidgeon/internal/store"
)

// fakeStore is an in-memory Store for job tests.
type fakeStore struct {
	measurements []store.Measurement
	logs         []store.Log
	devices      []store.Device
	nextID       int64
}

func (f *fakeStore) seedMeasurements(n int) {
	for i := 0; i < n; i++ {
		f.nextID++
		f.measurements = append(f.measurements, store.Measurement{
			ID:        f.nextID,
			Source:    "power-meter:1",
			Timestamp: time.Now().UTC(),
			Data:      map[string]any{"voltage": 230},
		})
	}
}

func (f *fakeStore) UpsertDevice(d store.Device) error {
	for i, existing := range f.devices {
		if existing.ID == d.ID {
			f.devices[i] = d
			return nil
		}
	}
	f.devices = append(f.devices, d)
	return nil
}

func (f *fakeStore) ListDevices() ([]store.Device, error) { return f.devices, nil }

func (f *fakeStore) UpdateDeviceStatus(id string, status store.DeviceStatus) error {
	for i := range f.devices {
		if f.devices[i].ID == id {
			f.devices[i].Status = status
		}
	}
	return nil
}

func (f *fakeStore) TouchDevice(id string, at time.Time) error {
	for i := range f.devices {
		if f.devices[i].ID == id {
			f.devices[i].Seen = at
			f.devices[i].Pinged = at
			f.devices[i].Status = store.StatusHealthy
		}
	}
	return nil
}

func (f *fakeStore) InsertMeasurement(m store.Measurement) (int64, error) {
	f.nextID++
	m.ID = f.nextID
	f.measurements = append(f.measurements, m)
	return m.ID, nil
}

func (f *fakeStore) GetMeasurements(afterID int64, limit int) ([]store.Measurement, error) {
	var out []store.Measurement
	for _, m := range f.measurements {
		if m.ID > afterID {
			out = append(out, m)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) GetLastSuccessfulLog(kind store.LogKind) (*store.Log, error) {
	for i := len(f.logs) - 1; i >= 0; i-- {
		if f.logs[i].Kind == kind && f.logs[i].Status == store.LogSuccess {
			l := f.logs[i]
			return &l, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) InsertLog(l store.Log) error {
	l.ID = int64(len(f.logs) + 1)
	f.logs = append(f.logs, l)
	return nil
}

func (f *fakeStore) PruneLogs(cutoff time.Time) error { return nil }

func (f *fakeStore) MarkInactiveSince(cutoff time.Time) (int64, error) { return 0, nil }

func (f *fakeStore) Close() error { return nil }

// fakeCloud records the last pushed batch and fails on demand.
type fakeCloud struct {
	fail       bool
	reachable  bool
	lastPushed []cloud.Measurement
}

func (f *fakeCloud) Push(measurements []cloud.Measurement) (cloud.Response, error) {
	if !f.reachable {
		return cloud.Response{}, errors.New("connection refused")
	}
	f.lastPushed = measurements
	if f.fail {
		return cloud.Response{Success: false, Text: "server error"}, nil
	}
	return cloud.Response{Success: true, Text: "ok"}, nil
}

func (f *fakeCloud) Update(health []cloud.Health) (cloud.Response, error) {
	if !f.reachable {
		return cloud.Response{}, errors.New("connection refused")
	}
	if f.fail {
		return cloud.Response{Success: false, Text: "server error"}, nil
	}
	return cloud.Response{Success: true, Text: "ok"}, nil
}

// Push-log progression: a failed attempt still records its
// high-water mark, a retried attempt resumes from the last success, and
// the persisted sequence of last values never decreases.
func TestPushLogProgression(t *testing.T) {
	st := &fakeStore{}
	cl := &fakeCloud{reachable: true}
	services := &Services{Store: st, Cloud: cl}

	// First push of ids 1..5 succeeds.
	st.seedMeasurements(5)
	Push(services)
	require.Len(t, st.logs, 1)
	assert.Equal(t, int64(5), st.logs[0].Last)
	assert.Equal(t, store.LogSuccess, st.logs[0].Status)

	// Second push of ids 6..7 fails at the cloud.
	st.seedMeasurements(2)
	cl.fail = true
	Push(services)
	require.Len(t, st.logs, 2)
	assert.Equal(t, int64(7), st.logs[1].Last)
	assert.Equal(t, store.LogFailure, st.logs[1].Status)

	// Third push succeeds and re-ships only the unacknowledged ids 6..7.
	cl.fail = false
	Push(services)
	require.Len(t, st.logs, 3)
	assert.Equal(t, int64(7), st.logs[2].Last)
	assert.Equal(t, store.LogSuccess, st.logs[2].Status)
	require.Len(t, cl.lastPushed, 2)

	var last int64
	for _, l := range st.logs {
		assert.GreaterOrEqual(t, l.Last, last)
		last = l.Last
	}
}

func TestPushNoOpWithoutNewMeasurements(t *testing.T) {
	st := &fakeStore{}
	cl := &fakeCloud{reachable: true}

	Push(&Services{Store: st, Cloud: cl})

	assert.Empty(t, st.logs)
	assert.Nil(t, cl.lastPushed)
}

func TestPushRecordsFailureLogOnConnectionError(t *testing.T) {
	st := &fakeStore{}
	st.seedMeasurements(3)
	cl := &fakeCloud{reachable: false}

	Push(&Services{Store: st, Cloud: cl})

	require.Len(t, st.logs, 1)
	assert.Equal(t, store.LogFailure, st.logs[0].Status)
	assert.Equal(t, int64(3), st.logs[0].Last)
}

func TestUpdateReportsDeviceStatusSnapshot(t *testing.T) {
	st := &fakeStore{devices: []store.Device{
		{ID: "power-meter:1", Kind: "power-meter", Status: store.StatusHealthy},
		{ID: "power-meter:2", Kind: "power-meter", Status: store.StatusUnreachable},
	}}
	cl := &fakeCloud{reachable: true}

	Update(&Services{Store: st, Cloud: cl})

	require.Len(t, st.logs, 1)
	assert.Equal(t, store.LogUpdate, st.logs[0].Kind)
	assert.Equal(t, store.LogSuccess, st.logs[0].Status)
	assert.Equal(t, int64(0), st.logs[0].Last)
}
