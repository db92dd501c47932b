package updater

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librescoot/scooter-ota/pkg/event"
	"github.com/librescoot/scooter-ota/pkg/protocol"
	"github.com/librescoot/scooter-ota/pkg/session"
	"github.com/librescoot/scooter-ota/pkg/transport/simulator"
	"github.com/librescoot/scooter-ota/pkg/upload"
)

type memStore struct {
	scooters map[string]Scooter
	firmware map[string][]Firmware
	blobs    map[string][]byte
}

func (m *memStore) LookupScooter(_ context.Context, serial string) (Scooter, error) {
	sc, ok := m.scooters[serial]
	if !ok {
		return Scooter{}, errors.New("scooter not found")
	}
	return sc, nil
}

func (m *memStore) ListFirmware(_ context.Context, hw string) ([]Firmware, error) {
	return m.firmware[hw], nil
}

func (m *memStore) Download(_ context.Context, path string) ([]byte, error) {
	b, ok := m.blobs[path]
	if !ok {
		return nil, errors.New("no such object")
	}
	return b, nil
}

type memRecorder struct {
	mu        sync.Mutex
	createErr error
	// when set, CreateRecord signals entered and waits for release
	entered   chan struct{}
	release   chan struct{}
	records   []Record
	statuses  map[string]string
	messages  map[string]string
}

func newMemRecorder() *memRecorder {
	return &memRecorder{statuses: map[string]string{}, messages: map[string]string{}}
}

func (m *memRecorder) CreateRecord(_ context.Context, r Record) (string, error) {
	if m.release != nil {
		close(m.entered)
		<-m.release
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return "", m.createErr
	}
	m.records = append(m.records, r)
	return "rec-1", nil
}

func (m *memRecorder) UpdateRecord(_ context.Context, id, status, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[id] = status
	m.messages[id] = msg
	return nil
}

func (m *memRecorder) status(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[id]
}

// image300 splits into three chunks of at most 128 bytes.
var image300 = func() []byte {
	b := make([]byte, 300)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}()

func newStore() *memStore {
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	return &memStore{
		scooters: map[string]Scooter{"SIM-0001": {ID: "sc-1", Serial: "SIM-0001", Name: "test scooter"}},
		firmware: map[string][]Firmware{
			"V2.92": {
				{ID: "fw-1", HardwareVersion: "V2.92", Version: "V1.05", Path: "fw/1.bin", Size: 300, CreatedAt: t0},
				{ID: "fw-2", HardwareVersion: "V2.92", Version: "V1.06", Path: "fw/2.bin", Size: 300, CreatedAt: t0.Add(24 * time.Hour)},
			},
		},
		blobs: map[string][]byte{"fw/1.bin": image300, "fw/2.bin": image300},
	}
}

type rig struct {
	sim  *simulator.Scooter
	sess *session.Session
	rec  *event.Recorder
	rcd  *memRecorder
	orch *Orchestrator
}

func newRig(t *testing.T) *rig {
	t.Helper()
	rec := event.NewRecorder()
	sim := simulator.New(simulator.DefaultConfig(), nil, nil)
	sess := session.New(sim, session.Config{
		SettleDelay:   10 * time.Millisecond,
		RetryInterval: 50 * time.Millisecond,
		Publisher:     rec,
	})
	t.Cleanup(func() {
		sess.Close()
		sim.Close()
	})

	require.NoError(t, sess.Connect(simulator.DefaultConfig().ID))
	require.Eventually(t, func() bool { return sess.Phase() == session.PhaseReady }, 2*time.Second, 5*time.Millisecond)

	rcd := newMemRecorder()
	orch := New(sess, newStore(), rcd, Config{
		Publisher:     rec,
		UploadOptions: []upload.Option{upload.WithChunkSize(128), upload.WithAckTimeout(time.Second)},
	})
	return &rig{sim: sim, sess: sess, rec: rec, rcd: rcd, orch: orch}
}

func (r *rig) prepare(t *testing.T) Firmware {
	t.Helper()
	ctx := context.Background()
	_, err := r.orch.VerifyDevice(ctx, []string{"SIM-0001"})
	require.NoError(t, err)
	fw, _, err := r.orch.LoadFirmware(ctx)
	require.NoError(t, err)
	require.NoError(t, r.orch.SelectFirmware(ctx, fw))
	return fw
}

func TestExtractHwVersion(t *testing.T) {
	tests := map[string]string{
		"HW9073_V2.92": "V2.92",
		"A_B_C":        "C",
		"V2.92":        "V2.92",
		"":             "",
		"TRAILING_":    "",
	}
	for in, want := range tests {
		assert.Equal(t, want, ExtractHwVersion(in), in)
	}
}

func TestRecommend(t *testing.T) {
	_, ok := Recommend(nil)
	assert.False(t, ok)

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	list := []Firmware{
		{ID: "a", CreatedAt: t0},
		{ID: "b", CreatedAt: t0.Add(time.Hour)},
		{ID: "c", CreatedAt: t0.Add(time.Hour)},
	}
	fw, ok := Recommend(list)
	require.True(t, ok)
	assert.Equal(t, "b", fw.ID)
	assert.Equal(t, "a", list[0].ID, "input must not be reordered")
}

func TestUpdateEndToEnd(t *testing.T) {
	r := newRig(t)
	fw := r.prepare(t)
	assert.Equal(t, "fw-2", fw.ID)

	res, err := r.orch.StartUpdate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, upload.OutcomeCompleted, res.Outcome)
	assert.Equal(t, 300, res.BytesSent)

	assert.Equal(t, 3, r.sim.Count(protocol.CmdUploadData))
	assert.Equal(t, image300, r.sim.Image())
	assert.True(t, r.sim.Applied())

	done := event.Find[event.UploadCompleted](r.rec)
	require.Len(t, done, 1)
	assert.Equal(t, event.UploadCompleted{DeviceName: "LS-SIM-0001", NewVersion: "V1.06", OldVersion: "V1.05"}, done[0])

	require.Len(t, r.rcd.records, 1)
	assert.Equal(t, "sc-1", r.rcd.records[0].ScooterID)
	assert.Equal(t, StatusCompleted, r.rcd.status("rec-1"))
	assert.Equal(t, "rec-1", r.orch.RecordID())

	progress := event.Find[event.UploadProgress](r.rec)
	require.NotEmpty(t, progress)
	assert.Equal(t, 100, progress[len(progress)-1].Percent)
}

func TestVerifyRejectsUnauthorized(t *testing.T) {
	r := newRig(t)
	_, err := r.orch.VerifyDevice(context.Background(), []string{"OTHER"})
	var unauthorized *UnauthorizedError
	require.ErrorAs(t, err, &unauthorized)
	assert.Equal(t, "SIM-0001", unauthorized.Serial)

	_, _, err = r.orch.LoadFirmware(context.Background())
	assert.ErrorIs(t, err, ErrNotVerified)
}

func TestLoadFirmwareEmptyList(t *testing.T) {
	r := newRig(t)
	store := newStore()
	store.firmware = nil
	r.orch.store = store

	_, err := r.orch.VerifyDevice(context.Background(), []string{"SIM-0001"})
	require.NoError(t, err)
	_, _, err = r.orch.LoadFirmware(context.Background())
	assert.ErrorIs(t, err, ErrNoFirmware)
}

func TestSelectFirmwareSizeMismatch(t *testing.T) {
	r := newRig(t)
	err := r.orch.SelectFirmware(context.Background(), Firmware{Path: "fw/1.bin", Size: 512})
	var mismatch *SizeMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 300, mismatch.Actual)

	_, err = r.orch.StartUpdate(context.Background())
	assert.ErrorIs(t, err, ErrNoTarget)
}

func TestRecorderFailureDoesNotBlockUpdate(t *testing.T) {
	r := newRig(t)
	r.rcd.createErr = errors.New("redis down")
	r.prepare(t)

	_, err := r.orch.StartUpdate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, r.orch.RecordID())
	assert.Empty(t, r.rcd.statuses)

	warnings := event.Find[event.Warning](r.rec)
	require.Len(t, warnings, 1)
	assert.Equal(t, "upload record could not be created", warnings[0].Message)
}

func TestUpdateFailureIsRecorded(t *testing.T) {
	r := newRig(t)
	r.prepare(t)
	r.sim.Nack(protocol.CmdUploadErase, protocol.StatusFlashError)

	res, err := r.orch.StartUpdate(context.Background())
	var nack *upload.NackError
	require.ErrorAs(t, err, &nack)
	assert.Equal(t, upload.OutcomeFailed, res.Outcome)
	assert.Zero(t, r.sim.Count(protocol.CmdUploadData))
	assert.Equal(t, StatusFailed, r.rcd.status("rec-1"))
	assert.Len(t, event.Find[event.UploadFailed](r.rec), 1)
}

func TestCancelUpdate(t *testing.T) {
	r := newRig(t)
	r.prepare(t)
	r.sim.Stall(protocol.CmdUploadData)

	type outcome struct {
		res upload.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := r.orch.StartUpdate(context.Background())
		done <- outcome{res, err}
	}()

	require.Eventually(t, func() bool { return r.sim.Count(protocol.CmdUploadData) == 1 }, 2*time.Second, 5*time.Millisecond)
	r.orch.Cancel()

	select {
	case o := <-done:
		assert.ErrorIs(t, o.err, upload.ErrCancelled)
		assert.Equal(t, upload.OutcomeCancelled, o.res.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("update did not stop")
	}
	assert.Equal(t, 1, r.sim.Count(protocol.CmdUploadData))
	assert.Equal(t, StatusCancelled, r.rcd.status("rec-1"))
	assert.Len(t, event.Find[event.UploadCancelled](r.rec), 1)
	assert.False(t, r.sim.Applied())
}

func TestStartUpdateRequiresIdentifiedDevice(t *testing.T) {
	sim := simulator.New(simulator.DefaultConfig(), nil, nil)
	sess := session.New(sim, session.Config{})
	defer sim.Close()
	defer sess.Close()

	orch := New(sess, newStore(), nil, Config{})
	_, err := orch.StartUpdate(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = orch.VerifyDevice(context.Background(), []string{"SIM-0001"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestReset(t *testing.T) {
	r := newRig(t)
	r.prepare(t)
	_, ok := r.orch.Target()
	require.True(t, ok)

	r.orch.Reset()
	_, ok = r.orch.Target()
	assert.False(t, ok)
	_, ok = r.orch.Scooter()
	assert.False(t, ok)
}

func TestStartUpdateRequiresVerifiedDevice(t *testing.T) {
	r := newRig(t)
	fw := newStore().firmware["V2.92"][1]
	require.NoError(t, r.orch.SelectFirmware(context.Background(), fw))

	_, err := r.orch.StartUpdate(context.Background())
	assert.ErrorIs(t, err, ErrNotVerified)
	assert.Zero(t, r.sim.Count(protocol.CmdUploadRequest))
	assert.False(t, r.sim.Applied())
}

// swappableDevice reports whatever serial the test sets and records frames.
type swappableDevice struct {
	mu     sync.Mutex
	serial string
	frames int
}

func (d *swappableDevice) State() session.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return session.State{
		Phase:            session.PhaseReady,
		DeviceName:       "LS-SIM-0001",
		HardwareRevision: "HW9073_V2.92",
		Connected:        true,
		Version:          &protocol.VersionInfo{HardwareVersion: "V2.92", SoftwareVersion: "V1.05", SerialNumber: d.serial},
	}
}

func (d *swappableDevice) SendFrame([]byte) error {
	d.mu.Lock()
	d.frames++
	d.mu.Unlock()
	return nil
}

func (d *swappableDevice) MaxWriteSize() int                { return 244 }
func (d *swappableDevice) AttachUploadSink(session.AckSink) {}

func (d *swappableDevice) setSerial(serial string) {
	d.mu.Lock()
	d.serial = serial
	d.mu.Unlock()
}

func TestStartUpdateRejectsSwappedDevice(t *testing.T) {
	dev := &swappableDevice{serial: "SIM-0001"}
	st := newStore()
	st.scooters["SIM-0002"] = Scooter{ID: "sc-2", Serial: "SIM-0002"}
	orch := New(dev, st, nil, Config{})
	ctx := context.Background()

	_, err := orch.VerifyDevice(ctx, []string{"SIM-0001"})
	require.NoError(t, err)
	fw, _, err := orch.LoadFirmware(ctx)
	require.NoError(t, err)
	require.NoError(t, orch.SelectFirmware(ctx, fw))

	dev.setSerial("SIM-0002")
	_, err = orch.StartUpdate(ctx)
	assert.ErrorIs(t, err, ErrNotVerified)
	assert.ErrorContains(t, err, "SIM-0002")
	assert.Zero(t, dev.frames)
}

func TestCancelWhileRecordIsCreated(t *testing.T) {
	r := newRig(t)
	r.rcd.entered = make(chan struct{})
	r.rcd.release = make(chan struct{})
	r.prepare(t)

	type outcome struct {
		res upload.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := r.orch.StartUpdate(context.Background())
		done <- outcome{res, err}
	}()

	select {
	case <-r.rcd.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("record was never created")
	}
	r.orch.Cancel()
	close(r.rcd.release)

	select {
	case o := <-done:
		assert.ErrorIs(t, o.err, upload.ErrCancelled)
		assert.Equal(t, upload.OutcomeCancelled, o.res.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("update did not stop")
	}
	assert.Zero(t, r.sim.Count(protocol.CmdUploadRequest))
	assert.Zero(t, r.sim.Count(protocol.CmdUploadData))
	assert.False(t, r.sim.Applied())
	assert.Equal(t, StatusCancelled, r.rcd.status("rec-1"))
}
