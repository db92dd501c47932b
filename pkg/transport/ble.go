package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/librescoot/scooter-ota/pkg/log"
)

const (
	// DefaultMaxWriteSize fits a 247 byte ATT MTU minus the 3 byte write header.
	DefaultMaxWriteSize = 244
	defaultScanTimeout  = 10 * time.Second
	deviceInfoReadSize  = 64
)

// ErrNoDevices is reported through OnScanFailed when a scan ends empty.
var ErrNoDevices = errors.New("no devices found")

// BLEConfig selects the adapter and filters scan results.
type BLEConfig struct {
	AdapterID    string
	NamePrefix   string
	MaxWriteSize int
}

type bleConn struct {
	device bluetooth.Device
	rx     bluetooth.DeviceCharacteristic
	tx     bluetooth.DeviceCharacteristic
	name   string

	mu       sync.Mutex
	expected bool
	done     bool
}

// BLE talks to the controller through the Nordic UART service and reads the
// Device Information service after connecting.
type BLE struct {
	cfg     BLEConfig
	adapter *bluetooth.Adapter
	logger  log.Logger

	enableOnce sync.Once
	enableErr  error

	mu      sync.RWMutex
	handler Handler
	names   map[string]string
	conn    *bleConn

	writeMu sync.Mutex
}

var _ Transport = (*BLE)(nil)

func NewBLE(cfg BLEConfig, logger log.Logger) *BLE {
	if cfg.MaxWriteSize <= 0 {
		cfg.MaxWriteSize = DefaultMaxWriteSize
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &BLE{
		cfg:     cfg,
		adapter: resolveAdapter(cfg.AdapterID),
		logger:  logger.WithName("ble").WithValues("adapter", cfg.AdapterID),
		handler: NopHandler{},
		names:   make(map[string]string),
	}
}

func (t *BLE) SetHandler(h Handler) {
	if h == nil {
		h = NopHandler{}
	}
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *BLE) MaxWriteSize() int {
	return t.cfg.MaxWriteSize
}

func (t *BLE) currentHandler() Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handler
}

func (t *BLE) enable() error {
	t.enableOnce.Do(func() {
		t.logger.Debug("enabling adapter")
		if err := t.adapter.Enable(); err != nil {
			t.enableErr = fmt.Errorf("enable bluetooth adapter: %w", err)
			return
		}
		t.adapter.SetConnectHandler(t.onConnectEvent)
	})
	return t.enableErr
}

// StartScan scans until timeout or ctx is done and reports every device
// whose name carries the configured prefix.
func (t *BLE) StartScan(ctx context.Context, timeout time.Duration) {
	if timeout <= 0 {
		timeout = defaultScanTimeout
	}
	go t.scan(ctx, timeout)
}

func (t *BLE) scan(ctx context.Context, timeout time.Duration) {
	h := t.currentHandler()
	if err := t.enable(); err != nil {
		h.OnScanFailed(err)
		return
	}

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu    sync.Mutex
		found = make(map[string]Device)
	)
	scanErr := make(chan error, 1)
	go func() {
		scanErr <- t.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			name := result.LocalName()
			if name == "" || !strings.HasPrefix(name, t.cfg.NamePrefix) {
				return
			}
			id := result.Address.String()
			mu.Lock()
			if _, seen := found[id]; !seen {
				t.logger.Debug("device discovered", "id", id, "name", name, "rssi", result.RSSI)
			}
			found[id] = Device{ID: id, Name: name, RSSI: int(result.RSSI)}
			mu.Unlock()
		})
	}()

	var err error
	select {
	case <-scanCtx.Done():
		if stopErr := t.adapter.StopScan(); stopErr != nil {
			t.logger.Warn("stop scan failed", "error", stopErr)
		}
		err = <-scanErr
	case err = <-scanErr:
	}
	if err != nil && !errors.Is(ctx.Err(), context.Canceled) && !isBenignStopScanError(err) {
		h.OnScanFailed(fmt.Errorf("scan bluetooth devices: %w", err))
		return
	}
	if ctx.Err() != nil {
		h.OnScanFailed(ctx.Err())
		return
	}

	mu.Lock()
	devices := make([]Device, 0, len(found))
	for _, d := range found {
		devices = append(devices, d)
	}
	mu.Unlock()
	if len(devices) == 0 {
		h.OnScanFailed(ErrNoDevices)
		return
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].RSSI > devices[j].RSSI })

	t.mu.Lock()
	for _, d := range devices {
		t.names[d.ID] = d.Name
	}
	t.mu.Unlock()

	t.logger.Info("scan finished", "devices", len(devices))
	h.OnScanResult(devices)
}

// Connect connects to the device with address id.
func (t *BLE) Connect(id string) {
	go func() {
		h := t.currentHandler()
		conn, err := t.connect(id)
		if err != nil {
			t.logger.Warn("connect failed", "id", id, "error", err)
			h.OnConnectionFailed(err)
			return
		}
		h.OnConnected(conn.name)
		t.readDeviceInformation(conn, h)
	}()
}

func (t *BLE) connect(id string) (*bleConn, error) {
	if err := t.enable(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	busy := t.conn != nil
	name := t.names[id]
	t.mu.RUnlock()
	if busy {
		return nil, errors.New("already connected")
	}

	addr, err := parseAddress(id)
	if err != nil {
		return nil, err
	}

	logger := t.logger.WithValues("id", id)
	logger.Info("connecting")
	device, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("connect bluetooth device %q: %w", id, err)
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{bluetooth.ServiceUUIDNordicUART})
	if err != nil || len(services) == 0 {
		_ = device.Disconnect()
		if err == nil {
			err = errors.New("service not available")
		}
		return nil, fmt.Errorf("discover uart service: %w", err)
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{
		bluetooth.CharacteristicUUIDUARTRX,
		bluetooth.CharacteristicUUIDUARTTX,
	})
	if err != nil {
		_ = device.Disconnect()
		return nil, fmt.Errorf("discover uart characteristics: %w", err)
	}
	if len(chars) != 2 {
		_ = device.Disconnect()
		return nil, fmt.Errorf("unexpected characteristic count: %d", len(chars))
	}

	conn := &bleConn{device: device, rx: chars[0], tx: chars[1], name: name}
	if err := conn.tx.EnableNotifications(t.onNotification); err != nil {
		_ = device.Disconnect()
		return nil, fmt.Errorf("subscribe to uart notifications: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	logger.Info("connected", "name", name)
	return conn, nil
}

func (t *BLE) onNotification(buf []byte) {
	frame := append([]byte(nil), buf...)
	t.logger.Debug("RX", "frame", fmt.Sprintf("%X", frame))
	t.currentHandler().OnDataReceived(frame)
}

// readDeviceInformation reports serial number and revisions. A device
// without the Device Information service reports empty strings so that
// identification still proceeds through the version request.
func (t *BLE) readDeviceInformation(conn *bleConn, h Handler) {
	values := map[bluetooth.UUID]string{}
	services, err := conn.device.DiscoverServices([]bluetooth.UUID{bluetooth.ServiceUUIDDeviceInformation})
	if err == nil && len(services) > 0 {
		wanted := []bluetooth.UUID{
			bluetooth.CharacteristicUUIDSerialNumberString,
			bluetooth.CharacteristicUUIDHardwareRevisionString,
			bluetooth.CharacteristicUUIDFirmwareRevisionString,
		}
		for _, uuid := range wanted {
			chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{uuid})
			if err != nil || len(chars) == 0 {
				continue
			}
			buf := make([]byte, deviceInfoReadSize)
			n, err := chars[0].Read(buf)
			if err != nil {
				t.logger.Warn("read device information failed", "characteristic", uuid.String(), "error", err)
				continue
			}
			values[uuid] = strings.TrimRight(string(buf[:n]), "\x00 ")
		}
	} else {
		t.logger.Warn("device information service unavailable", "error", err)
	}

	h.OnSerialNumberRead(values[bluetooth.CharacteristicUUIDSerialNumberString])
	h.OnDeviceInfoRead(
		values[bluetooth.CharacteristicUUIDHardwareRevisionString],
		values[bluetooth.CharacteristicUUIDFirmwareRevisionString],
	)
}

// SendFrame writes frame to the UART RX characteristic.
func (t *BLE) SendFrame(frame []byte) error {
	if len(frame) > t.cfg.MaxWriteSize {
		return fmt.Errorf("frame of %d bytes exceeds max write size %d", len(frame), t.cfg.MaxWriteSize)
	}
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	written, err := conn.rx.WriteWithoutResponse(frame)
	if err != nil {
		return fmt.Errorf("write uart: %w", err)
	}
	if written != len(frame) {
		return fmt.Errorf("short write: wrote %d of %d", written, len(frame))
	}
	t.logger.Debug("TX", "frame", fmt.Sprintf("%X", frame))
	return nil
}

// Disconnect closes the current connection and reports it as expected.
func (t *BLE) Disconnect() {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return
	}
	conn.mu.Lock()
	conn.expected = true
	conn.mu.Unlock()

	if err := conn.tx.EnableNotifications(nil); err != nil {
		t.logger.Debug("disable notifications failed", "error", err)
	}
	if err := conn.device.Disconnect(); err != nil {
		t.logger.Warn("disconnect failed", "error", err)
	}
	t.finish(conn)
}

func (t *BLE) onConnectEvent(device bluetooth.Device, connected bool) {
	if connected {
		return
	}
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil || conn.device.Address.String() != device.Address.String() {
		return
	}
	t.finish(conn)
}

// finish tears conn down once and reports the disconnect.
func (t *BLE) finish(conn *bleConn) {
	conn.mu.Lock()
	if conn.done {
		conn.mu.Unlock()
		return
	}
	conn.done = true
	expected := conn.expected
	conn.mu.Unlock()

	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()

	t.logger.Info("disconnected", "expected", expected)
	t.currentHandler().OnDisconnected(expected)
}

func parseAddress(raw string) (bluetooth.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return bluetooth.Address{}, errors.New("bluetooth address is empty")
	}
	mac, err := bluetooth.ParseMAC(strings.ToUpper(trimmed))
	if err != nil {
		return bluetooth.Address{}, fmt.Errorf("invalid bluetooth address %q: %w", trimmed, err)
	}
	return bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}, nil
}

func isBenignStopScanError(err error) bool {
	if err == nil {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "cancel") ||
		strings.Contains(msg, "stopped") ||
		strings.Contains(msg, "not scanning") ||
		strings.Contains(msg, "no scan in progress")
}
