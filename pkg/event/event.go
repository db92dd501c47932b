// Package event defines everything the session, the upload engine and the
// orchestrator report to listeners.
package event

import (
	"fmt"

	"github.com/librescoot/scooter-ota/pkg/protocol"
	"github.com/librescoot/scooter-ota/pkg/transport"
)

// Topic groups events for fan-out.
type Topic string

const (
	TopicConnection Topic = "connection"
	TopicTelemetry  Topic = "telemetry"
	TopicUpload     Topic = "upload"
	TopicWarning    Topic = "warning"
)

// Topics lists every topic in a stable order.
var Topics = []Topic{TopicConnection, TopicTelemetry, TopicUpload, TopicWarning}

// Event is implemented by the types in this package only.
type Event interface {
	Topic() Topic
	isEvent()
}

// Publisher receives events. Implementations must not block for long: the
// session publishes from its event loop.
type Publisher interface {
	Publish(ev Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ev Event)

func (f PublisherFunc) Publish(ev Event) { f(ev) }

// Nop discards every event.
var Nop Publisher = PublisherFunc(func(Event) {})

type (
	ScanStarted  struct{}
	DevicesFound struct{ Devices []transport.Device }
	ScanFailed   struct{ Err error }

	Connecting       struct{ Name string }
	Connected        struct{ Name string }
	ConnectionFailed struct{ Err error }
	Disconnected     struct{ Expected bool }

	SerialNumberRead struct{ Serial string }
	DeviceInfoRead   struct {
		HardwareRevision string
		FirmwareRevision string
	}

	VersionReceived       struct{ Info protocol.VersionInfo }
	VersionRequestTimeout struct{ Attempts int }
	Ready                 struct {
		Name string
		Info protocol.VersionInfo
	}
)

type (
	ConfigReceived struct{ Config protocol.ConfigInfo }
	RunningData    struct{ Info protocol.RunningDataInfo }
	BMSData        struct{ Info protocol.BMSDataInfo }
	RawFrame       struct {
		Command protocol.Command
		Frame   []byte
	}
)

type (
	UploadProgress struct {
		BytesSent  int
		TotalBytes int
		Percent    int
	}
	UploadLog       struct{ Message string }
	UploadCompleted struct {
		DeviceName string
		NewVersion string
		OldVersion string
	}
	UploadFailed    struct{ Err error }
	UploadCancelled struct{}
)

// Warning reports a non-fatal problem, such as a result record that could
// not be written.
type Warning struct {
	Message string
	Err     error
}

func (Warning) Topic() Topic { return TopicWarning }
func (Warning) isEvent()     {}

func (w Warning) String() string {
	if w.Err == nil {
		return w.Message
	}
	return fmt.Sprintf("%s: %v", w.Message, w.Err)
}

func (ScanStarted) Topic() Topic           { return TopicConnection }
func (DevicesFound) Topic() Topic          { return TopicConnection }
func (ScanFailed) Topic() Topic            { return TopicConnection }
func (Connecting) Topic() Topic            { return TopicConnection }
func (Connected) Topic() Topic             { return TopicConnection }
func (ConnectionFailed) Topic() Topic      { return TopicConnection }
func (Disconnected) Topic() Topic          { return TopicConnection }
func (SerialNumberRead) Topic() Topic      { return TopicConnection }
func (DeviceInfoRead) Topic() Topic        { return TopicConnection }
func (VersionReceived) Topic() Topic       { return TopicConnection }
func (VersionRequestTimeout) Topic() Topic { return TopicConnection }
func (Ready) Topic() Topic                 { return TopicConnection }

func (ConfigReceived) Topic() Topic { return TopicTelemetry }
func (RunningData) Topic() Topic    { return TopicTelemetry }
func (BMSData) Topic() Topic        { return TopicTelemetry }
func (RawFrame) Topic() Topic       { return TopicTelemetry }

func (UploadProgress) Topic() Topic  { return TopicUpload }
func (UploadLog) Topic() Topic       { return TopicUpload }
func (UploadCompleted) Topic() Topic { return TopicUpload }
func (UploadFailed) Topic() Topic    { return TopicUpload }
func (UploadCancelled) Topic() Topic { return TopicUpload }

func (ScanStarted) isEvent()           {}
func (DevicesFound) isEvent()          {}
func (ScanFailed) isEvent()            {}
func (Connecting) isEvent()            {}
func (Connected) isEvent()             {}
func (ConnectionFailed) isEvent()      {}
func (Disconnected) isEvent()          {}
func (SerialNumberRead) isEvent()      {}
func (DeviceInfoRead) isEvent()        {}
func (VersionReceived) isEvent()       {}
func (VersionRequestTimeout) isEvent() {}
func (Ready) isEvent()                 {}
func (ConfigReceived) isEvent()        {}
func (RunningData) isEvent()           {}
func (BMSData) isEvent()               {}
func (RawFrame) isEvent()              {}
func (UploadProgress) isEvent()        {}
func (UploadLog) isEvent()             {}
func (UploadCompleted) isEvent()       {}
func (UploadFailed) isEvent()          {}
func (UploadCancelled) isEvent()       {}
