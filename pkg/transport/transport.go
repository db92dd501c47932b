// Package transport defines the link between the host and a scooter
// controller and provides the Bluetooth LE implementation.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected is returned by SendFrame when no device is connected.
var ErrNotConnected = errors.New("transport is not connected")

// Device is one scan result.
type Device struct {
	ID   string
	Name string
	RSSI int
}

// Handler receives transport notifications. Calls may arrive on any
// goroutine; implementations must hand them off quickly.
type Handler interface {
	OnScanResult(devices []Device)
	OnScanFailed(err error)
	OnConnected(name string)
	OnConnectionFailed(err error)
	// OnDisconnected reports the end of a connection. expected is true when
	// Disconnect was called.
	OnDisconnected(expected bool)
	OnDataReceived(frame []byte)
	OnSerialNumberRead(serial string)
	OnDeviceInfoRead(hardwareRevision, firmwareRevision string)
}

// Transport is a single-connection link to a scooter controller. Scan and
// Connect return immediately and report their outcome through the Handler.
type Transport interface {
	SetHandler(h Handler)
	StartScan(ctx context.Context, timeout time.Duration)
	Connect(id string)
	Disconnect()
	SendFrame(frame []byte) error
	// MaxWriteSize is the largest frame SendFrame accepts in one write.
	MaxWriteSize() int
}

// NopHandler ignores every notification. Embed it to implement only part of
// Handler.
type NopHandler struct{}

func (NopHandler) OnScanResult([]Device)           {}
func (NopHandler) OnScanFailed(error)              {}
func (NopHandler) OnConnected(string)              {}
func (NopHandler) OnConnectionFailed(error)        {}
func (NopHandler) OnDisconnected(bool)             {}
func (NopHandler) OnDataReceived([]byte)           {}
func (NopHandler) OnSerialNumberRead(string)       {}
func (NopHandler) OnDeviceInfoRead(string, string) {}
