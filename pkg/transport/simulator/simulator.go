// Package simulator provides an in-process scooter controller that speaks
// the frame protocol over a virtual link.
package simulator

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/librescoot/scooter-ota/pkg/log"
	"github.com/librescoot/scooter-ota/pkg/protocol"
	"github.com/librescoot/scooter-ota/pkg/transport"
)

// ErrLinkFailure is returned by SendFrame while injected send failures are
// pending.
var ErrLinkFailure = errors.New("simulated link failure")

// Config describes the virtual scooter.
type Config struct {
	ID               string
	Name             string
	TransportSerial  string
	EmbeddedSerial   string
	HardwareRevision string
	FirmwareRevision string
	// Version bytes reported in the 0xB0 response.
	HwMajor, HwMinor, SwMajor, SwMinor byte

	MaxWriteSize int
	// TelemetryInterval enables periodic running/BMS frames while connected.
	TelemetryInterval time.Duration
	Running           protocol.RunningDataInfo
	BMS               protocol.BMSDataInfo
	Settings          protocol.ConfigInfo
}

// DefaultConfig returns a scooter that identifies as SIM-0001.
func DefaultConfig() Config {
	return Config{
		ID:                "AA:BB:CC:DD:EE:01",
		Name:              "LS-SIM-0001",
		TransportSerial:   "SIM-0001",
		EmbeddedSerial:    "SIM-0001",
		HardwareRevision:  "HW9073_V2.92",
		FirmwareRevision:  "V1.05",
		HwMajor:           2,
		HwMinor:           92,
		SwMajor:           1,
		SwMinor:           5,
		MaxWriteSize:      transport.DefaultMaxWriteSize,
		TelemetryInterval: 0,
		Running:           protocol.RunningDataInfo{SpeedKmh: 0, MotorTempC: 24, ControllerTempC: 27, Gear: 1, TotalDistanceM: 120500},
		BMS:               protocol.BMSDataInfo{VoltageV: 48.6, CurrentA: 0.2, SOC: 82, Health: 97, Cycles: 41, TempC: 23},
		Settings:          protocol.ConfigInfo{SpeedLimitKmh: 25, GearCount: 3, LightMode: 1, MetricUnits: true, AutoOffMinutes: 10},
	}
}

// Scooter is a virtual controller implementing transport.Transport. Fault
// injection helpers let tests exercise retry and failure paths.
type Scooter struct {
	cfg    Config
	clock  clock.WithTickerAndDelayedExecution
	logger log.Logger

	mu        sync.Mutex
	handler   transport.Handler
	connected bool
	stopTel   chan struct{}

	// fault injection
	ignoreVersion int
	failSends     int
	dropAcks      map[protocol.Command]int
	nacks         map[protocol.Command]protocol.Status
	stall         map[protocol.Command]bool

	// upload state
	announcedSize uint32
	announcedCRC  uint16
	erased        bool
	nextSeq       uint16
	image         []byte
	applied       bool
	received      []protocol.Command
	pending       [][]byte

	deliver chan func()
	closed  chan struct{}
	once    sync.Once
}

var _ transport.Transport = (*Scooter)(nil)

func New(cfg Config, clk clock.WithTickerAndDelayedExecution, logger log.Logger) *Scooter {
	if cfg.MaxWriteSize <= 0 {
		cfg.MaxWriteSize = transport.DefaultMaxWriteSize
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Scooter{
		cfg:      cfg,
		clock:    clk,
		logger:   logger.WithName("simulator").WithValues("device", cfg.Name),
		handler:  transport.NopHandler{},
		dropAcks: make(map[protocol.Command]int),
		nacks:    make(map[protocol.Command]protocol.Status),
		stall:    make(map[protocol.Command]bool),
		deliver:  make(chan func(), 256),
		closed:   make(chan struct{}),
	}
	go s.run()
	return s
}

// run delivers notifications in order on a dedicated goroutine so that
// SendFrame never calls back into the caller's stack.
func (s *Scooter) run() {
	for {
		select {
		case fn := <-s.deliver:
			fn()
		case <-s.closed:
			return
		}
	}
}

func (s *Scooter) post(fn func()) {
	select {
	case s.deliver <- fn:
	case <-s.closed:
	}
}

// Close stops the delivery goroutine and any telemetry ticker.
func (s *Scooter) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopTelemetryLocked()
		s.mu.Unlock()
		close(s.closed)
	})
}

func (s *Scooter) SetHandler(h transport.Handler) {
	if h == nil {
		h = transport.NopHandler{}
	}
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *Scooter) h() transport.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

func (s *Scooter) MaxWriteSize() int {
	return s.cfg.MaxWriteSize
}

func (s *Scooter) StartScan(ctx context.Context, _ time.Duration) {
	s.post(func() {
		if err := ctx.Err(); err != nil {
			s.h().OnScanFailed(err)
			return
		}
		s.h().OnScanResult([]transport.Device{{ID: s.cfg.ID, Name: s.cfg.Name, RSSI: -48}})
	})
}

func (s *Scooter) Connect(id string) {
	s.post(func() {
		h := s.h()
		if id != s.cfg.ID {
			h.OnConnectionFailed(fmt.Errorf("device %q not in range", id))
			return
		}
		s.mu.Lock()
		s.connected = true
		s.resetUploadLocked()
		s.startTelemetryLocked()
		s.mu.Unlock()

		s.logger.Info("connected")
		h.OnConnected(s.cfg.Name)
		h.OnSerialNumberRead(s.cfg.TransportSerial)
		h.OnDeviceInfoRead(s.cfg.HardwareRevision, s.cfg.FirmwareRevision)
	})
}

func (s *Scooter) Disconnect() {
	s.disconnect(true)
}

// DropLink simulates a link loss.
func (s *Scooter) DropLink() {
	s.disconnect(false)
}

func (s *Scooter) disconnect(expected bool) {
	s.mu.Lock()
	was := s.connected
	s.connected = false
	s.stopTelemetryLocked()
	s.mu.Unlock()
	if !was {
		return
	}
	s.post(func() { s.h().OnDisconnected(expected) })
}

// SendFrame accepts a host frame and queues the device's response.
func (s *Scooter) SendFrame(frame []byte) error {
	if len(frame) > s.cfg.MaxWriteSize {
		return fmt.Errorf("frame of %d bytes exceeds max write size %d", len(frame), s.cfg.MaxWriteSize)
	}

	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return transport.ErrNotConnected
	}
	if s.failSends > 0 {
		s.failSends--
		s.mu.Unlock()
		return ErrLinkFailure
	}
	if err := protocol.Validate(frame); err != nil {
		s.mu.Unlock()
		s.logger.Warn("dropping host frame", "error", err)
		return nil
	}
	cmd := protocol.Command(frame[1])
	s.received = append(s.received, cmd)
	s.pending = nil
	s.handleLocked(cmd, frame)
	out := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, resp := range out {
		s.notify(resp)
	}
	return nil
}

// handleLocked implements the bootloader side of the upload protocol.
func (s *Scooter) handleLocked(cmd protocol.Command, frame []byte) {
	payload := frame[2 : len(frame)-2]
	le := binary.LittleEndian

	switch cmd {
	case protocol.CmdUploadRequest:
		if len(payload) != 6 {
			s.ackLocked(cmd, protocol.StatusBadLength, 0)
			return
		}
		s.resetUploadLocked()
		s.announcedSize = le.Uint32(payload[0:4])
		s.announcedCRC = le.Uint16(payload[4:6])
		s.ackLocked(cmd, protocol.StatusOK, 0)
	case protocol.CmdUploadErase:
		if len(payload) != 4 || le.Uint32(payload) != s.announcedSize {
			s.ackLocked(cmd, protocol.StatusBadLength, 0)
			return
		}
		s.erased = true
		s.ackLocked(cmd, protocol.StatusOK, 0)
	case protocol.CmdUploadData:
		if len(payload) < 2 {
			s.ackLocked(cmd, protocol.StatusBadLength, 0)
			return
		}
		seq := le.Uint16(payload[0:2])
		switch {
		case !s.erased:
			s.ackLocked(cmd, protocol.StatusFlashError, seq)
		case seq == s.nextSeq:
			s.image = append(s.image, payload[2:]...)
			s.nextSeq++
			s.ackLocked(cmd, protocol.StatusOK, seq)
		case seq+1 == s.nextSeq:
			// retransmission of an already written chunk
			s.ackLocked(cmd, protocol.StatusOK, seq)
		default:
			s.ackLocked(cmd, protocol.StatusBadSequence, seq)
		}
	case protocol.CmdUploadComplete:
		if len(payload) != 6 {
			s.ackLocked(cmd, protocol.StatusBadLength, 0)
			return
		}
		size, crc := le.Uint32(payload[0:4]), le.Uint16(payload[4:6])
		if int(size) != len(s.image) || size != s.announcedSize || crc != s.announcedCRC || crc != protocol.CRC16(s.image, 0) {
			s.ackLocked(cmd, protocol.StatusImageInvalid, 0)
			return
		}
		s.applied = true
		s.ackLocked(cmd, protocol.StatusOK, 0)
	case protocol.CmdVersion:
		if s.ignoreVersion > 0 {
			s.ignoreVersion--
			return
		}
		resp := protocol.EncodeVersionInfo(s.cfg.HwMajor, s.cfg.HwMinor, s.cfg.SwMajor, s.cfg.SwMinor, s.cfg.EmbeddedSerial)
		s.notifyLocked(resp)
	}
}

func (s *Scooter) ackLocked(cmd protocol.Command, status protocol.Status, seq uint16) {
	if s.stall[cmd] {
		return
	}
	if n := s.dropAcks[cmd]; n > 0 {
		s.dropAcks[cmd] = n - 1
		return
	}
	if nack, ok := s.nacks[cmd]; ok {
		status = nack
	}
	s.notifyLocked(protocol.EncodeUploadAck(cmd, status, seq))
}

func (s *Scooter) notifyLocked(frame []byte) {
	s.pending = append(s.pending, frame)
}

func (s *Scooter) notify(frame []byte) {
	s.post(func() { s.h().OnDataReceived(frame) })
}
