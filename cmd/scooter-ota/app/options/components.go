package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/librescoot/scooter-ota/pkg/session"
	"github.com/librescoot/scooter-ota/pkg/transport"
	"github.com/librescoot/scooter-ota/pkg/upload"
	"github.com/librescoot/scooter-ota/pkg/versionreq"
)

// Transport kinds.
const (
	TransportBLE       = "ble"
	TransportUSOCK     = "usock"
	TransportSimulator = "sim"
)

type TransportOptions struct {
	Kind         string        `json:"kind" mapstructure:"kind"`
	Adapter      string        `json:"adapter" mapstructure:"adapter"`
	NamePrefix   string        `json:"name-prefix" mapstructure:"name-prefix"`
	ScanTimeout  time.Duration `json:"scan-timeout" mapstructure:"scan-timeout"`
	MaxWriteSize int           `json:"max-write-size" mapstructure:"max-write-size"`

	// serial bridge
	SerialDevice     string `json:"serial-device" mapstructure:"serial-device"`
	BaudRate         int    `json:"baud-rate" mapstructure:"baud-rate"`
	SerialNumber     string `json:"serial-number" mapstructure:"serial-number"`
	HardwareRevision string `json:"hardware-revision" mapstructure:"hardware-revision"`

	// simulator
	SimTelemetryInterval time.Duration `json:"sim-telemetry-interval" mapstructure:"sim-telemetry-interval"`
}

func NewTransportOptions() *TransportOptions {
	return &TransportOptions{
		Kind:                 TransportBLE,
		ScanTimeout:          10 * time.Second,
		MaxWriteSize:         transport.DefaultMaxWriteSize,
		SerialDevice:         "/dev/ttymxc1",
		BaudRate:             115200,
		SimTelemetryInterval: time.Second,
	}
}

func (o *TransportOptions) Validate() []error {
	var errs []error
	switch o.Kind {
	case TransportBLE, TransportSimulator:
	case TransportUSOCK:
		if o.SerialDevice == "" {
			errs = append(errs, fmt.Errorf("--transport.serial-device must be set for the usock transport"))
		}
		if o.BaudRate <= 0 {
			errs = append(errs, fmt.Errorf("--transport.baud-rate must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("--transport.kind must be one of %s, %s, %s", TransportBLE, TransportUSOCK, TransportSimulator))
	}
	if o.ScanTimeout <= 0 {
		errs = append(errs, fmt.Errorf("--transport.scan-timeout must be positive"))
	}
	if o.MaxWriteSize <= 6 {
		errs = append(errs, fmt.Errorf("--transport.max-write-size must leave room for a chunk frame"))
	}
	return errs
}

func (o *TransportOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Kind, "transport.kind", o.Kind, "Link to the controller: ble, usock or sim.")
	fs.StringVar(&o.Adapter, "transport.adapter", o.Adapter, "Bluetooth adapter id, e.g. hci0.")
	fs.StringVar(&o.NamePrefix, "transport.name-prefix", o.NamePrefix, "Only report BLE devices whose name starts with this prefix.")
	fs.DurationVar(&o.ScanTimeout, "transport.scan-timeout", o.ScanTimeout, "How long a scan runs.")
	fs.IntVar(&o.MaxWriteSize, "transport.max-write-size", o.MaxWriteSize, "Largest frame a single BLE write may carry.")
	fs.StringVar(&o.SerialDevice, "transport.serial-device", o.SerialDevice, "Serial device of the USOCK bridge.")
	fs.IntVar(&o.BaudRate, "transport.baud-rate", o.BaudRate, "Baud rate of the USOCK bridge.")
	fs.StringVar(&o.SerialNumber, "transport.serial-number", o.SerialNumber, "Serial number reported for a controller on the USOCK bridge.")
	fs.StringVar(&o.HardwareRevision, "transport.hardware-revision", o.HardwareRevision, "Hardware revision reported for a controller on the USOCK bridge.")
	fs.DurationVar(&o.SimTelemetryInterval, "transport.sim-telemetry-interval", o.SimTelemetryInterval, "Telemetry period of the simulated scooter, 0 disables it.")
}

type SessionOptions struct {
	SettleDelay   time.Duration `json:"settle-delay" mapstructure:"settle-delay"`
	RetryInterval time.Duration `json:"retry-interval" mapstructure:"retry-interval"`
	MaxAttempts   int           `json:"max-attempts" mapstructure:"max-attempts"`
	ReadyTimeout  time.Duration `json:"ready-timeout" mapstructure:"ready-timeout"`
}

func NewSessionOptions() *SessionOptions {
	return &SessionOptions{
		SettleDelay:   session.DefaultSettleDelay,
		RetryInterval: versionreq.DefaultInterval,
		MaxAttempts:   versionreq.DefaultMaxAttempts,
		ReadyTimeout:  30 * time.Second,
	}
}

func (o *SessionOptions) Validate() []error {
	var errs []error
	if o.SettleDelay < 0 {
		errs = append(errs, fmt.Errorf("--session.settle-delay must not be negative"))
	}
	if o.RetryInterval <= 0 {
		errs = append(errs, fmt.Errorf("--session.retry-interval must be positive"))
	}
	if o.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("--session.max-attempts must be positive"))
	}
	return errs
}

func (o *SessionOptions) AddFlags(fs *pflag.FlagSet) {
	fs.DurationVar(&o.SettleDelay, "session.settle-delay", o.SettleDelay, "Delay between reading the serial number and the first version request.")
	fs.DurationVar(&o.RetryInterval, "session.retry-interval", o.RetryInterval, "Interval between version requests.")
	fs.IntVar(&o.MaxAttempts, "session.max-attempts", o.MaxAttempts, "Version requests sent before giving up.")
	fs.DurationVar(&o.ReadyTimeout, "session.ready-timeout", o.ReadyTimeout, "How long to wait for a connected controller to identify itself.")
}

// Config returns the session configuration for these options.
func (o *SessionOptions) Config() session.Config {
	return session.Config{
		SettleDelay:   o.SettleDelay,
		RetryInterval: o.RetryInterval,
		MaxAttempts:   o.MaxAttempts,
	}
}

type UploadOptions struct {
	ChunkSize       int           `json:"chunk-size" mapstructure:"chunk-size"`
	AckTimeout      time.Duration `json:"ack-timeout" mapstructure:"ack-timeout"`
	EraseTimeout    time.Duration `json:"erase-timeout" mapstructure:"erase-timeout"`
	CompleteTimeout time.Duration `json:"complete-timeout" mapstructure:"complete-timeout"`
	ChunkRetries    int           `json:"chunk-retries" mapstructure:"chunk-retries"`
}

func NewUploadOptions() *UploadOptions {
	return &UploadOptions{
		ChunkSize:       upload.DefaultChunkSize,
		AckTimeout:      upload.DefaultAckTimeout,
		EraseTimeout:    upload.DefaultEraseTimeout,
		CompleteTimeout: upload.DefaultCompleteTimeout,
		ChunkRetries:    upload.DefaultChunkRetries,
	}
}

func (o *UploadOptions) Validate() []error {
	var errs []error
	if o.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("--upload.chunk-size must be positive"))
	}
	if o.AckTimeout <= 0 || o.EraseTimeout <= 0 || o.CompleteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("upload timeouts must be positive"))
	}
	if o.ChunkRetries < 0 {
		errs = append(errs, fmt.Errorf("--upload.chunk-retries must not be negative"))
	}
	return errs
}

func (o *UploadOptions) AddFlags(fs *pflag.FlagSet) {
	fs.IntVar(&o.ChunkSize, "upload.chunk-size", o.ChunkSize, "Firmware bytes per data frame, capped by the link's write size.")
	fs.DurationVar(&o.AckTimeout, "upload.ack-timeout", o.AckTimeout, "Wait for request and data acks.")
	fs.DurationVar(&o.EraseTimeout, "upload.erase-timeout", o.EraseTimeout, "Wait for the erase ack.")
	fs.DurationVar(&o.CompleteTimeout, "upload.complete-timeout", o.CompleteTimeout, "Wait for the complete ack.")
	fs.IntVar(&o.ChunkRetries, "upload.chunk-retries", o.ChunkRetries, "Retransmissions of a data chunk before the upload fails.")
}

// EngineOptions returns the upload engine options for these settings.
func (o *UploadOptions) EngineOptions() []upload.Option {
	return []upload.Option{
		upload.WithChunkSize(o.ChunkSize),
		upload.WithAckTimeout(o.AckTimeout),
		upload.WithEraseTimeout(o.EraseTimeout),
		upload.WithCompleteTimeout(o.CompleteTimeout),
		upload.WithChunkRetries(o.ChunkRetries),
	}
}

type MetricsOptions struct {
	Addr string `json:"addr" mapstructure:"addr"`
}

func NewMetricsOptions() *MetricsOptions {
	return &MetricsOptions{}
}

func (o *MetricsOptions) Validate() []error {
	return nil
}

func (o *MetricsOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Addr, "metrics.addr", o.Addr, "Serve prometheus metrics on this address, e.g. :9100. Empty disables it.")
}
