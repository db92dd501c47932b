// Package upload pushes a firmware image to the controller's bootloader:
// request, erase, chunked data and complete, each step acknowledged by the
// device before the next one starts.
package upload

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/librescoot/scooter-ota/pkg/event"
	"github.com/librescoot/scooter-ota/pkg/log"
	"github.com/librescoot/scooter-ota/pkg/metrics"
	"github.com/librescoot/scooter-ota/pkg/protocol"
)

const ackQueueSize = 16

// Sender writes one frame to the device.
type Sender interface {
	SendFrame(frame []byte) error
}

// Outcome is how an upload ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Result summarises a finished upload.
type Result struct {
	Outcome    Outcome
	Phase      Phase // last active phase
	BytesSent  int
	TotalBytes int
	Chunks     int
	Retries    int
	Duration   time.Duration
	Err        error
}

// Engine runs one upload at a time. Upload blocks the calling goroutine;
// HandleAck and Cancel may be called from any goroutine.
type Engine struct {
	sender Sender
	config Config
	logger log.Logger

	mu        sync.Mutex
	running   bool
	cancelled bool
	cancel    context.CancelFunc
	acks      chan protocol.UploadAck
	machine   *fsm.FSM
	last      Phase
}

// New creates an Engine writing frames through sender.
func New(sender Sender, opts ...Option) *Engine {
	if sender == nil {
		panic("sender cannot be nil")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Std()
	}
	return &Engine{
		sender: sender,
		config: cfg,
		logger: logger.WithName("upload"),
	}
}

// ChunkSize is the number of image bytes carried by each data frame.
func (e *Engine) ChunkSize() int {
	return e.config.effectiveChunkSize()
}

// Phase returns the phase of the current or last upload.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.machine == nil {
		return PhaseIdle
	}
	return Phase(e.machine.Current())
}

// HandleAck delivers a device acknowledgement. It never blocks; acks that
// arrive while no upload is running are dropped.
func (e *Engine) HandleAck(ack protocol.UploadAck) {
	e.mu.Lock()
	ch := e.acks
	e.mu.Unlock()
	if ch == nil {
		e.logger.Debug("dropping ack, no upload running", "command", ack.Command)
		return
	}
	select {
	case ch <- ack:
	default:
		e.logger.Warn("ack queue full, dropping ack", "command", ack.Command, "seq", ack.Seq)
	}
}

// Cancel stops the running upload at its next send or wait. The upload ends
// with ErrCancelled and sends no further frames.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.cancelled = true
	if e.cancel != nil {
		e.cancel()
	}
}

// Upload transfers image and returns once the device accepted it, the
// upload failed, or it was cancelled. The returned error is nil only for
// OutcomeCompleted; cancellation returns ErrCancelled.
func (e *Engine) Upload(ctx context.Context, image []byte) (Result, error) {
	total := len(image)
	res := Result{TotalBytes: total}
	if total == 0 {
		res.Outcome, res.Err = OutcomeFailed, ErrEmptyImage
		return res, ErrEmptyImage
	}
	chunkSize := e.config.effectiveChunkSize()
	if (total+chunkSize-1)/chunkSize > 1<<16 {
		err := &ImageTooLargeError{Size: total, ChunkSize: chunkSize}
		res.Outcome, res.Err = OutcomeFailed, err
		return res, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return Result{}, ErrBusy
	}
	e.running = true
	e.cancelled = false
	e.cancel = cancel
	e.acks = make(chan protocol.UploadAck, ackQueueSize)
	e.last = PhaseIdle
	e.machine = newPhaseMachine(e.onPhase)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.cancel = nil
		e.acks = nil
		e.mu.Unlock()
	}()

	start := e.config.Clock.Now()
	u := &run{e: e, ctx: ctx, image: image, chunkSize: chunkSize, res: &res}
	err := u.execute()
	res.Duration = e.config.Clock.Since(start)
	res.Phase = e.lastActive()

	switch {
	case err == nil:
		res.Outcome = OutcomeCompleted
		e.fire(eventSucceed)
	case errors.Is(err, ErrCancelled):
		res.Outcome = OutcomeCancelled
		e.fire(eventCancel)
	default:
		res.Outcome = OutcomeFailed
		e.fire(eventFail)
	}
	res.Err = err

	metrics.UploadOutcomes.WithLabelValues(string(res.Outcome)).Inc()
	metrics.UploadDuration.Observe(res.Duration.Seconds())
	e.logger.Info("upload finished",
		"outcome", res.Outcome,
		"phase", res.Phase,
		"bytes", res.BytesSent,
		"total", res.TotalBytes,
		"retries", res.Retries,
		"duration", res.Duration,
		"error", err,
	)
	return res, err
}

func (e *Engine) onPhase(p Phase) {
	if !p.Terminal() {
		e.mu.Lock()
		e.last = p
		e.mu.Unlock()
	}
	e.logger.Debug("phase", "phase", p)
}

func (e *Engine) lastActive() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

func (e *Engine) fire(name string) {
	e.mu.Lock()
	m := e.machine
	e.mu.Unlock()
	if err := m.Event(context.Background(), name); err != nil {
		// only reachable through a programming error in the phase sequence
		e.logger.Error(err, "illegal phase transition", "event", name, "phase", m.Current())
	}
}

func (e *Engine) isCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

func (e *Engine) publish(ev event.Event) {
	e.config.Publisher.Publish(ev)
}
