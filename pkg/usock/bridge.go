package usock

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/librescoot/scooter-ota/pkg/log"
	"github.com/librescoot/scooter-ota/pkg/transport"
)

// Envelope frame ids used by the bridge.
const (
	FrameController byte = 0x01 // one controller frame per envelope
)

// BridgeConfig describes the controller wired to the serial port. There is
// no device information service on a wire, so identity comes from here.
type BridgeConfig struct {
	// ID is reported as the only scan result, usually the device path.
	ID               string
	Name             string
	Serial           string
	HardwareRevision string
	FirmwareRevision string
}

// Bridge is a transport.Transport for a controller reached through a USOCK
// serial link. The link is always present, so a scan reports exactly one
// device and connecting succeeds immediately.
type Bridge struct {
	cfg    BridgeConfig
	link   *USOCK
	logger log.Logger

	mu        sync.Mutex
	handler   transport.Handler
	connected bool
}

var _ transport.Transport = (*Bridge)(nil)

// NewBridge wraps a port. Use OpenBridge for a serial device.
func NewBridge(cfg BridgeConfig, port io.ReadWriteCloser, logger log.Logger) *Bridge {
	if logger == nil {
		logger = log.Std()
	}
	b := &Bridge{
		cfg:     cfg,
		logger:  logger.WithName("usock-bridge"),
		handler: transport.NopHandler{},
	}
	b.link = New(port, b.onPayload, logger)
	b.link.OnReadError(b.onLinkLost)
	return b
}

// OpenBridge opens device at baud.
func OpenBridge(cfg BridgeConfig, device string, baud int, logger log.Logger) (*Bridge, error) {
	if cfg.ID == "" {
		cfg.ID = device
	}
	if cfg.Name == "" {
		cfg.Name = device
	}
	b := &Bridge{
		cfg:     cfg,
		handler: transport.NopHandler{},
	}
	if logger == nil {
		logger = log.Std()
	}
	b.logger = logger.WithName("usock-bridge")
	link, err := Open(device, baud, b.onPayload, logger)
	if err != nil {
		return nil, err
	}
	b.link = link
	b.link.OnReadError(b.onLinkLost)
	return b, nil
}

func (b *Bridge) Close() error {
	return b.link.Close()
}

func (b *Bridge) SetHandler(h transport.Handler) {
	if h == nil {
		h = transport.NopHandler{}
	}
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

func (b *Bridge) h() transport.Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handler
}

func (b *Bridge) StartScan(ctx context.Context, _ time.Duration) {
	if ctx.Err() != nil {
		b.h().OnScanFailed(ctx.Err())
		return
	}
	b.h().OnScanResult([]transport.Device{{ID: b.cfg.ID, Name: b.cfg.Name}})
}

func (b *Bridge) Connect(id string) {
	if id != b.cfg.ID {
		b.h().OnConnectionFailed(fmt.Errorf("unknown device %q on serial bridge %s", id, b.cfg.ID))
		return
	}
	b.mu.Lock()
	b.connected = true
	h := b.handler
	b.mu.Unlock()

	b.logger.Info("serial link opened", "id", id)
	h.OnConnected(b.cfg.Name)
	h.OnDeviceInfoRead(b.cfg.HardwareRevision, b.cfg.FirmwareRevision)
	h.OnSerialNumberRead(b.cfg.Serial)
}

func (b *Bridge) Disconnect() {
	b.mu.Lock()
	was := b.connected
	b.connected = false
	h := b.handler
	b.mu.Unlock()
	if was {
		h.OnDisconnected(true)
	}
}

func (b *Bridge) SendFrame(frame []byte) error {
	b.mu.Lock()
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return transport.ErrNotConnected
	}
	return b.link.WriteWithFrameID(FrameController, frame)
}

func (b *Bridge) MaxWriteSize() int {
	return MaxPayloadLength
}

func (b *Bridge) onPayload(p Payload) {
	if p.ID != FrameController {
		b.logger.Debug("ignoring envelope", "id", p.ID, "len", len(p.Data))
		return
	}
	b.mu.Lock()
	connected := b.connected
	h := b.handler
	b.mu.Unlock()
	if connected {
		h.OnDataReceived(p.Data)
	}
}

func (b *Bridge) onLinkLost(err error) {
	b.mu.Lock()
	was := b.connected
	b.connected = false
	h := b.handler
	b.mu.Unlock()
	if was {
		b.logger.Warn("serial link lost", "error", err)
		h.OnDisconnected(false)
	}
}
