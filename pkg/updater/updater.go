// Package updater sequences a firmware update against the catalog, the
// result recorder and the upload engine.
package updater

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/librescoot/scooter-ota/pkg/event"
	"github.com/librescoot/scooter-ota/pkg/log"
	"github.com/librescoot/scooter-ota/pkg/upload"
)

const recordTimeout = 5 * time.Second

// Config wires the orchestrator's collaborators.
type Config struct {
	Publisher     event.Publisher
	Logger        log.Logger
	Clock         clock.WithTickerAndDelayedExecution
	UploadOptions []upload.Option
}

// Orchestrator runs one update cycle at a time: verify, load firmware,
// select, update. Reset prepares it for the next cycle.
type Orchestrator struct {
	dev      Device
	store    Store
	recorder Recorder
	engine   *upload.Engine
	pub      event.Publisher
	logger   log.Logger
	clock    clock.WithTickerAndDelayedExecution

	mu          sync.Mutex
	scooter     *Scooter
	firmware    []Firmware
	recommended *Firmware
	target      *Firmware
	binary      []byte
	recordID    string
	updating    bool
	cancelCycle context.CancelFunc
}

func New(dev Device, store Store, recorder Recorder, cfg Config) *Orchestrator {
	if cfg.Publisher == nil {
		cfg.Publisher = event.Nop
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Std()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	logger := cfg.Logger.WithName("updater")

	opts := append([]upload.Option{
		upload.WithMaxWriteSize(dev.MaxWriteSize()),
		upload.WithPublisher(cfg.Publisher),
		upload.WithLogger(cfg.Logger),
	}, cfg.UploadOptions...)

	return &Orchestrator{
		dev:      dev,
		store:    store,
		recorder: recorder,
		engine:   upload.New(dev, opts...),
		pub:      cfg.Publisher,
		logger:   logger,
		clock:    cfg.Clock,
	}
}

// VerifyDevice checks the connected scooter's serial against authorized and
// resolves its catalog identity. The serial embedded in the version
// response is preferred over the one read from the transport.
func (o *Orchestrator) VerifyDevice(ctx context.Context, authorized []string) (Scooter, error) {
	st := o.dev.State()
	if !st.Connected {
		return Scooter{}, ErrNotConnected
	}
	serial := st.Serial()
	if serial == "" {
		return Scooter{}, ErrMissingSerial
	}

	allowed := false
	for _, a := range authorized {
		if strings.TrimSpace(a) == serial {
			allowed = true
			break
		}
	}
	if !allowed {
		o.logger.Warn("scooter not authorized", "serial", serial)
		return Scooter{}, &UnauthorizedError{Serial: serial}
	}

	sc, err := o.store.LookupScooter(ctx, serial)
	if err != nil {
		return Scooter{}, fmt.Errorf("look up scooter %s: %w", serial, err)
	}

	o.mu.Lock()
	o.scooter = &sc
	o.mu.Unlock()
	o.logger.Info("scooter verified", "serial", serial, "id", sc.ID)
	return sc, nil
}

// LoadFirmware lists the firmware for the scooter's hardware version and
// returns the recommended entry together with the full list.
func (o *Orchestrator) LoadFirmware(ctx context.Context) (Firmware, []Firmware, error) {
	o.mu.Lock()
	verified := o.scooter != nil
	o.mu.Unlock()
	if !verified {
		return Firmware{}, nil, ErrNotVerified
	}

	st := o.dev.State()
	hw := ExtractHwVersion(st.HardwareRevision)
	if hw == "" && st.Version != nil {
		hw = st.Version.HardwareVersion
	}

	list, err := o.store.ListFirmware(ctx, hw)
	if err != nil {
		return Firmware{}, nil, fmt.Errorf("list firmware for %q: %w", hw, err)
	}
	rec, ok := Recommend(list)
	if !ok {
		return Firmware{}, nil, fmt.Errorf("hardware %q: %w", hw, ErrNoFirmware)
	}

	o.mu.Lock()
	o.firmware = append([]Firmware(nil), list...)
	o.recommended = &rec
	o.mu.Unlock()
	o.logger.Info("firmware loaded", "hardware", hw, "count", len(list), "recommended", rec.Version)
	return rec, list, nil
}

// SelectFirmware downloads fw and makes it the update target.
func (o *Orchestrator) SelectFirmware(ctx context.Context, fw Firmware) error {
	o.mu.Lock()
	busy := o.updating
	o.mu.Unlock()
	if busy {
		return ErrUpdateRunning
	}

	binary, err := o.store.Download(ctx, fw.Path)
	if err != nil {
		return fmt.Errorf("download firmware %s: %w", fw.Path, err)
	}
	if len(binary) == 0 {
		return fmt.Errorf("download firmware %s: %w", fw.Path, upload.ErrEmptyImage)
	}
	if fw.Size > 0 && int64(len(binary)) != fw.Size {
		return &SizeMismatchError{Path: fw.Path, Expected: fw.Size, Actual: len(binary)}
	}

	o.mu.Lock()
	o.target = &fw
	o.binary = binary
	o.mu.Unlock()
	o.logger.Info("firmware selected", "version", fw.Version, "bytes", len(binary))
	return nil
}

// StartUpdate pushes the selected firmware and records the outcome. It
// blocks until the upload has finished. A cancelled upload returns
// upload.ErrCancelled.
func (o *Orchestrator) StartUpdate(ctx context.Context) (upload.Result, error) {
	st := o.dev.State()
	if !st.Connected {
		return upload.Result{}, ErrNotConnected
	}
	if st.Version == nil {
		return upload.Result{}, ErrNotIdentified
	}

	o.mu.Lock()
	if o.updating {
		o.mu.Unlock()
		return upload.Result{}, ErrUpdateRunning
	}
	if o.scooter == nil {
		o.mu.Unlock()
		return upload.Result{}, ErrNotVerified
	}
	if serial := st.Serial(); serial != o.scooter.Serial {
		verified := o.scooter.Serial
		o.mu.Unlock()
		return upload.Result{}, fmt.Errorf("%w: verified %s but %s is connected", ErrNotVerified, verified, serial)
	}
	if o.target == nil || len(o.binary) == 0 {
		o.mu.Unlock()
		return upload.Result{}, ErrNoTarget
	}
	o.updating = true
	target, binary := *o.target, o.binary
	scooterID := o.scooter.ID
	// Cancel may arrive before the engine runs, e.g. while the record is written
	uctx, cancel := context.WithCancel(ctx)
	o.cancelCycle = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		o.updating = false
		o.cancelCycle = nil
		o.mu.Unlock()
	}()

	oldVersion := st.Version.SoftwareVersion
	if oldVersion == "" {
		oldVersion = st.FirmwareRevision
	}

	recordID := o.createRecord(ctx, Record{
		ScooterID:        scooterID,
		Serial:           st.Serial(),
		DeviceName:       st.DeviceName,
		HardwareRevision: st.HardwareRevision,
		FirmwareID:       target.ID,
		OldVersion:       oldVersion,
		NewVersion:       target.Version,
		Size:             len(binary),
		StartedAt:        o.clock.Now(),
	})

	o.dev.AttachUploadSink(o.engine)
	defer o.dev.AttachUploadSink(nil)

	o.logger.Info("starting update", "device", st.DeviceName, "from", oldVersion, "to", target.Version)
	res, err := o.engine.Upload(uctx, binary)

	switch res.Outcome {
	case upload.OutcomeCompleted:
		o.updateRecord(ctx, recordID, StatusCompleted, "")
		o.pub.Publish(event.UploadCompleted{
			DeviceName: st.DeviceName,
			NewVersion: target.Version,
			OldVersion: oldVersion,
		})
	case upload.OutcomeCancelled:
		o.updateRecord(ctx, recordID, StatusCancelled, "")
		o.pub.Publish(event.UploadCancelled{})
	default:
		if errors.Is(err, upload.ErrBusy) {
			return res, err
		}
		o.updateRecord(ctx, recordID, StatusFailed, err.Error())
		o.pub.Publish(event.UploadFailed{Err: err})
	}
	return res, err
}

// Cancel stops a running update. The update ends as cancelled, also when
// the upload itself has not started yet.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	cancel := o.cancelCycle
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.engine.Cancel()
}

// Reset forgets everything learned in the current cycle.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.scooter = nil
	o.firmware = nil
	o.recommended = nil
	o.target = nil
	o.binary = nil
	o.recordID = ""
}

// Scooter returns the verified identity, if any.
func (o *Orchestrator) Scooter() (Scooter, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.scooter == nil {
		return Scooter{}, false
	}
	return *o.scooter, true
}

// Target returns the selected firmware, if any.
func (o *Orchestrator) Target() (Firmware, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.target == nil {
		return Firmware{}, false
	}
	return *o.target, true
}

// RecordID is the id of the current upload record, empty when tracking is
// disabled.
func (o *Orchestrator) RecordID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.recordID
}

func (o *Orchestrator) createRecord(ctx context.Context, r Record) string {
	if o.recorder == nil {
		return ""
	}
	id, err := o.recorder.CreateRecord(ctx, r)
	if err != nil {
		o.logger.Warn("upload record not created, result tracking disabled", "error", err)
		o.pub.Publish(event.Warning{Message: "upload record could not be created", Err: err})
		id = ""
	}
	o.mu.Lock()
	o.recordID = id
	o.mu.Unlock()
	return id
}

func (o *Orchestrator) updateRecord(ctx context.Context, id, status, errMsg string) {
	if id == "" || o.recorder == nil {
		return
	}
	// the record must be written even when ctx was what cancelled the upload
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := o.recorder.UpdateRecord(ctx, id, status, errMsg); err != nil {
		o.logger.Warn("upload record not updated", "id", id, "status", status, "error", err)
		o.pub.Publish(event.Warning{Message: "upload record could not be updated", Err: err})
	}
}
