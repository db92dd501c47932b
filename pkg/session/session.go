// Package session owns the connection to one scooter: scanning, connecting,
// identifying it through the version request and keeping the latest
// telemetry.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"k8s.io/utils/clock"

	"github.com/librescoot/scooter-ota/pkg/event"
	"github.com/librescoot/scooter-ota/pkg/log"
	"github.com/librescoot/scooter-ota/pkg/metrics"
	"github.com/librescoot/scooter-ota/pkg/protocol"
	"github.com/librescoot/scooter-ota/pkg/transport"
	"github.com/librescoot/scooter-ota/pkg/versionreq"
)

const (
	DefaultSettleDelay = time.Second
	inboxSize          = 256
)

// ErrClosed is returned by operations on a closed Session.
var ErrClosed = errors.New("session closed")

// AckSink receives upload acknowledgements. HandleAck is called on the
// session loop and must not block.
type AckSink interface {
	HandleAck(ack protocol.UploadAck)
}

// Config tunes the identification sequence.
type Config struct {
	// SettleDelay separates the serial number read from the first version
	// request.
	SettleDelay   time.Duration
	RetryInterval time.Duration
	MaxAttempts   int

	Clock     clock.WithTickerAndDelayedExecution
	Publisher event.Publisher
	Logger    log.Logger
}

// Session serializes every transport callback and timer onto one goroutine.
// Its exported methods may be called from any goroutine except from within
// a Publisher callback.
type Session struct {
	cfg    Config
	tr     transport.Transport
	pub    event.Publisher
	clock  clock.WithTickerAndDelayedExecution
	logger log.Logger

	fsm        *fsm.FSM
	versionReq *versionreq.Requester

	mu    sync.RWMutex
	state State
	sink  AckSink

	// loop-owned
	names        map[string]string
	settleID     uint64
	settleCancel func()

	inbox     chan func()
	done      chan struct{}
	closeOnce sync.Once
}

func New(tr transport.Transport, cfg Config) *Session {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Publisher == nil {
		cfg.Publisher = event.Nop
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Std()
	}

	s := &Session{
		cfg:    cfg,
		tr:     tr,
		pub:    cfg.Publisher,
		clock:  cfg.Clock,
		logger: cfg.Logger.WithName("session"),
		names:  make(map[string]string),
		inbox:  make(chan func(), inboxSize),
		done:   make(chan struct{}),
	}
	s.state.Phase = PhaseIdle
	s.fsm = newStateMachine(s.onPhase)
	s.versionReq = &versionreq.Requester{
		Send:        s.sendVersionRequest,
		Predicate:   s.awaitingVersion,
		OnTimeout:   s.onVersionTimeout,
		Interval:    cfg.RetryInterval,
		MaxAttempts: cfg.MaxAttempts,
		Scheduler:   loopScheduler{s},
		Logger:      s.logger,
	}

	tr.SetHandler(handler{s})
	go s.run()
	return s
}

func (s *Session) run() {
	for {
		select {
		case fn := <-s.inbox:
			fn()
		case <-s.done:
			return
		}
	}
}

// post queues fn on the loop. It reports false once the session is closed.
func (s *Session) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- fn:
		return true
	case <-s.done:
		return false
	}
}

// do runs fn on the loop and waits for it.
func (s *Session) do(fn func() error) error {
	errCh := make(chan error, 1)
	if !s.post(func() { errCh <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-errCh:
		return err
	case <-s.done:
		return ErrClosed
	}
}

// Flush waits until everything queued before it has been handled.
func (s *Session) Flush() {
	_ = s.do(func() error { return nil })
}

// Close stops timers and the loop. The transport is left as is.
func (s *Session) Close() {
	_ = s.do(func() error {
		s.stopIdentification()
		return nil
	})
	s.closeOnce.Do(func() { close(s.done) })
}

// State returns a copy of the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	return Phase(s.fsm.Current())
}

// MaxWriteSize is the transport's write limit.
func (s *Session) MaxWriteSize() int {
	return s.tr.MaxWriteSize()
}

// SendFrame writes frame to the device. It is safe from any goroutine.
func (s *Session) SendFrame(frame []byte) error {
	if !s.State().Connected {
		return transport.ErrNotConnected
	}
	return s.tr.SendFrame(frame)
}

// AttachUploadSink routes upload acknowledgements to sink until it is
// detached. A nil sink detaches.
func (s *Session) AttachUploadSink(sink AckSink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// StartScan resets the session and starts a transport scan.
func (s *Session) StartScan(ctx context.Context, timeout time.Duration) error {
	return s.do(func() error {
		switch p := s.Phase(); p {
		case PhaseIdle, PhaseScanning, PhaseDisconnected:
		default:
			return fmt.Errorf("cannot scan in phase %s: disconnect first", p)
		}
		s.stopIdentification()
		s.update(func(st *State) {
			st.resetDevice()
			st.DeviceID = ""
			st.DeviceName = ""
		})
		s.names = make(map[string]string)
		s.fsm.SetState(string(PhaseIdle))
		s.setPhase(PhaseIdle)

		if err := s.transition(eventScan); err != nil {
			return err
		}
		s.pub.Publish(event.ScanStarted{})
		s.tr.StartScan(ctx, timeout)
		return nil
	})
}

// Connect connects to the device with the given transport id. The name
// seen while scanning is reported until the transport confirms one.
func (s *Session) Connect(id string) error {
	return s.do(func() error {
		if !s.fsm.Can(eventConnect) {
			return fmt.Errorf("cannot connect in phase %s", s.Phase())
		}
		name := s.names[id]
		if name == "" {
			name = id
		}
		s.stopIdentification()
		s.update(func(st *State) {
			st.resetDevice()
			st.DeviceID = id
			st.DeviceName = name
		})
		if err := s.transition(eventConnect); err != nil {
			return err
		}
		s.logger.Info("connecting", "id", id, "name", name)
		s.pub.Publish(event.Connecting{Name: name})
		s.tr.Connect(id)
		return nil
	})
}

// Disconnect asks the transport to drop the link. The outcome arrives as a
// Disconnected event with Expected set.
func (s *Session) Disconnect() {
	_ = s.do(func() error {
		s.stopIdentification()
		return nil
	})
	s.tr.Disconnect()
}

func (s *Session) update(fn func(st *State)) {
	s.mu.Lock()
	fn(&s.state)
	s.mu.Unlock()
}

func (s *Session) setPhase(p Phase) {
	s.update(func(st *State) { st.Phase = p })
}

func (s *Session) onPhase(from, to Phase) {
	s.setPhase(to)
	s.logger.Debug("phase changed", "from", from, "to", to)
}

func (s *Session) transition(name string) error {
	err := s.fsm.Event(context.Background(), name)
	if err != nil && !isNoop(err) {
		return fmt.Errorf("session %s: %w", name, err)
	}
	return nil
}

// loopScheduler runs scheduled callbacks on the session loop.
type loopScheduler struct {
	s *Session
}

func (l loopScheduler) Schedule(d time.Duration, fn func()) func() {
	t := l.s.clock.AfterFunc(d, func() { l.s.post(fn) })
	return func() { t.Stop() }
}

func (s *Session) scheduleIdentification() {
	if s.settleCancel != nil {
		s.settleCancel()
	}
	s.settleID++
	id := s.settleID
	s.settleCancel = loopScheduler{s}.Schedule(s.cfg.SettleDelay, func() {
		if id != s.settleID {
			return
		}
		s.settleCancel = nil
		if !s.awaitingVersion() {
			return
		}
		s.logger.Debug("settle delay elapsed, requesting version")
		s.versionReq.Start()
	})
}

func (s *Session) stopIdentification() {
	if s.settleCancel != nil {
		s.settleCancel()
		s.settleCancel = nil
	}
	s.settleID++
	s.versionReq.Cancel()
}

func (s *Session) sendVersionRequest() error {
	metrics.VersionRequests.Inc()
	return s.tr.SendFrame(protocol.VersionRequest())
}

func (s *Session) awaitingVersion() bool {
	st := s.State()
	return st.Connected && st.Version == nil
}

func (s *Session) onVersionTimeout(attempts int) {
	s.logger.Warn("no version response", "attempts", attempts)
	s.pub.Publish(event.VersionRequestTimeout{Attempts: attempts})
}
