// Package usock implements the USOCK serial envelope and a transport that
// carries controller frames over it.
//
// An envelope is
//
//	F6 D9 <id> <len u16> <header crc u16> <payload> <payload crc u16>
//
// with little-endian integers and CRC-16/ARC over the header bytes and the
// payload respectively.
package usock

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/librescoot/scooter-ota/pkg/log"
	"github.com/librescoot/scooter-ota/pkg/protocol"
)

const (
	MaxPayloadLength = 1024
	SyncByte1        = 0xF6
	SyncByte2        = 0xD9

	headerLength = 5
	// Overhead is the number of envelope bytes around a payload.
	Overhead = headerLength + 4
)

type state int

const (
	stateSync1 state = iota
	stateSync2
	stateFrameID
	statePayloadLen1
	statePayloadLen2
	stateHeaderCRC1
	stateHeaderCRC2
	statePayload
	statePayloadCRC1
	statePayloadCRC2
)

// Payload is a received envelope.
type Payload struct {
	ID   byte
	Data []byte
}

// ErrPayloadTooLarge is returned by Encode for payloads over MaxPayloadLength.
var ErrPayloadTooLarge = fmt.Errorf("payload exceeds %d bytes", MaxPayloadLength)

// Encode wraps payload in an envelope with the given frame id.
func Encode(id byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadLength {
		return nil, ErrPayloadTooLarge
	}
	out := make([]byte, 0, Overhead+len(payload))
	out = append(out, SyncByte1, SyncByte2, id)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(payload)))
	out = binary.LittleEndian.AppendUint16(out, protocol.CRC16(out, 0))
	out = append(out, payload...)
	out = binary.LittleEndian.AppendUint16(out, protocol.CRC16(payload, 0))
	return out, nil
}

// Decoder reassembles envelopes from a byte stream. A corrupt envelope is
// dropped and the decoder hunts for the next sync sequence.
type Decoder struct {
	state   state
	id      byte
	length  uint16
	crc     uint16
	header  []byte
	payload []byte

	// Errors counts dropped envelopes.
	Errors int
	logger log.Logger
}

func NewDecoder(logger log.Logger) *Decoder {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Decoder{
		header: make([]byte, 0, headerLength),
		logger: logger,
	}
}

// Write feeds bytes to the decoder and returns every envelope they complete.
func (d *Decoder) Write(p []byte) []Payload {
	var out []Payload
	for _, b := range p {
		if pl, ok := d.feed(b); ok {
			out = append(out, pl)
		}
	}
	return out
}

func (d *Decoder) feed(b byte) (Payload, bool) {
	switch d.state {
	case stateSync1:
		if b == SyncByte1 {
			d.header = append(d.header[:0], b)
			d.state = stateSync2
		}
	case stateSync2:
		switch b {
		case SyncByte2:
			d.header = append(d.header, b)
			d.state = stateFrameID
		case SyncByte1:
			// F6 F6 D9: stay aligned on the second F6
		default:
			d.state = stateSync1
		}
	case stateFrameID:
		d.id = b
		d.header = append(d.header, b)
		d.state = statePayloadLen1
	case statePayloadLen1:
		d.length = uint16(b)
		d.header = append(d.header, b)
		d.state = statePayloadLen2
	case statePayloadLen2:
		d.length |= uint16(b) << 8
		d.header = append(d.header, b)
		if d.length > MaxPayloadLength {
			d.drop("invalid payload length", "length", d.length)
			return Payload{}, false
		}
		d.state = stateHeaderCRC1
	case stateHeaderCRC1:
		d.crc = uint16(b)
		d.state = stateHeaderCRC2
	case stateHeaderCRC2:
		d.crc |= uint16(b) << 8
		if calc := protocol.CRC16(d.header, 0); calc != d.crc {
			d.drop("invalid header crc", "calculated", calc, "received", d.crc)
			return Payload{}, false
		}
		d.payload = make([]byte, 0, d.length)
		if d.length == 0 {
			d.state = statePayloadCRC1
		} else {
			d.state = statePayload
		}
	case statePayload:
		d.payload = append(d.payload, b)
		if len(d.payload) == int(d.length) {
			d.state = statePayloadCRC1
		}
	case statePayloadCRC1:
		d.crc = uint16(b)
		d.state = statePayloadCRC2
	case statePayloadCRC2:
		d.crc |= uint16(b) << 8
		if calc := protocol.CRC16(d.payload, 0); calc != d.crc {
			d.drop("invalid payload crc", "calculated", calc, "received", d.crc)
			return Payload{}, false
		}
		d.state = stateSync1
		d.logger.Debug("RX", "id", d.id, "len", d.length, "payload", fmt.Sprintf("%X", d.payload))
		return Payload{ID: d.id, Data: d.payload}, true
	}
	return Payload{}, false
}

func (d *Decoder) drop(msg string, kv ...any) {
	d.Errors++
	d.logger.Warn("RX error: "+msg, kv...)
	d.state = stateSync1
}

// USOCK is a serial port speaking the envelope protocol.
type USOCK struct {
	port    io.ReadWriteCloser
	handler func(Payload)
	logger  log.Logger

	mu      sync.Mutex
	onError func(error)

	writeMu sync.Mutex
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// Open opens a serial device at baud and starts reading from it.
func Open(device string, baud int, handler func(Payload), logger log.Logger) (*USOCK, error) {
	port, err := serial.Open(device, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", device, err)
	}
	// discard whatever the bridge sent before we were listening
	if err := port.ResetInputBuffer(); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to reset serial input buffer: %w", err)
	}
	return New(port, handler, logger), nil
}

// New starts reading envelopes from port. handler runs on the read goroutine.
func New(port io.ReadWriteCloser, handler func(Payload), logger log.Logger) *USOCK {
	if logger == nil {
		logger = log.Std()
	}
	u := &USOCK{
		port:    port,
		handler: handler,
		logger:  logger.WithName("usock"),
		done:    make(chan struct{}),
	}
	u.wg.Add(1)
	go u.readLoop()
	return u
}

// OnReadError registers a callback for the read error that ends the read
// loop, typically an unplugged adapter.
func (u *USOCK) OnReadError(fn func(error)) {
	u.mu.Lock()
	u.onError = fn
	u.mu.Unlock()
}

// WriteWithFrameID sends data in an envelope with frameID.
func (u *USOCK) WriteWithFrameID(frameID byte, data []byte) error {
	frame, err := Encode(frameID, data)
	if err != nil {
		return err
	}

	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	u.logger.Debug("TX", "id", frameID, "len", len(data), "frame", fmt.Sprintf("%X", frame))
	if _, err := u.port.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Close stops the read loop and closes the port.
func (u *USOCK) Close() error {
	var err error
	u.once.Do(func() {
		close(u.done)
		err = u.port.Close()
		u.wg.Wait()
	})
	return err
}

func (u *USOCK) readLoop() {
	defer u.wg.Done()

	dec := NewDecoder(u.logger)
	buf := make([]byte, 256)
	u.logger.Debug("starting serial read loop")

	for {
		n, err := u.port.Read(buf)
		if n > 0 {
			for _, p := range dec.Write(buf[:n]) {
				if u.handler != nil {
					u.handler(p)
				}
			}
		}
		if err == nil {
			continue
		}

		select {
		case <-u.done:
			return
		default:
		}
		if errors.Is(err, io.EOF) || isPortClosed(err) {
			u.logger.Warn("serial port closed", "error", err)
			u.mu.Lock()
			fn := u.onError
			u.mu.Unlock()
			if fn != nil {
				fn(err)
			}
			return
		}
		u.logger.Warn("error reading from serial port", "error", err)
		time.Sleep(10 * time.Millisecond)
	}
}

func isPortClosed(err error) bool {
	var perr *serial.PortError
	return errors.As(err, &perr) && perr.Code() == serial.PortClosed
}
