package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	runningDataLength = 17
	bmsDataLength     = 9
	configLength      = 5
	versionMinLength  = 6
)

// VersionInfo identifies the controller. It is sent once per connection in
// response to a version request.
type VersionInfo struct {
	HardwareVersion string
	SoftwareVersion string
	SerialNumber    string
}

// RunningDataInfo is a periodic snapshot of the drive train. The battery
// fields are not on the wire; they are merged from the latest BMSDataInfo.
type RunningDataInfo struct {
	SpeedKmh        float64
	MotorTempC      int
	ControllerTempC int
	FaultCode       uint16
	Gear            int
	TripDistanceM   uint32
	TotalDistanceM  uint32
	RPM             int

	BatteryVoltageV float64
	BatteryCurrentA float64
	BatterySOC      int
	BatteryHealth   int
	BatteryCycles   int
	BatteryTempC    int
}

// MergeBattery copies the battery fields of b into r.
func (r *RunningDataInfo) MergeBattery(b BMSDataInfo) {
	r.BatteryVoltageV = b.VoltageV
	r.BatteryCurrentA = b.CurrentA
	r.BatterySOC = b.SOC
	r.BatteryHealth = b.Health
	r.BatteryCycles = b.Cycles
	r.BatteryTempC = b.TempC
}

// BMSDataInfo is a periodic snapshot of the battery management system.
type BMSDataInfo struct {
	VoltageV float64
	CurrentA float64
	SOC      int
	Health   int
	Cycles   int
	TempC    int
}

// ConfigInfo is the controller configuration.
type ConfigInfo struct {
	SpeedLimitKmh  int
	GearCount      int
	LightMode      int
	MetricUnits    bool
	AutoOffMinutes int
}

// UploadAck is the device's answer to one of the upload commands.
type UploadAck struct {
	Command Command
	Status  Status
	// Seq echoes the chunk sequence number, only meaningful for CmdUploadData.
	Seq uint16
}

// OK reports whether the device accepted the command.
func (a UploadAck) OK() bool {
	return a.Status == StatusOK
}

func formatVersion(major, minor byte) string {
	return fmt.Sprintf("V%d.%02d", major, minor)
}

func parseVersionInfo(p []byte) (VersionInfo, error) {
	if len(p) < versionMinLength {
		return VersionInfo{}, fmt.Errorf("version payload too short: %d", len(p))
	}
	n := int(p[4])
	if n == 0 || len(p) != 5+n {
		return VersionInfo{}, fmt.Errorf("version payload length %d does not match serial length %d", len(p), n)
	}
	return VersionInfo{
		HardwareVersion: formatVersion(p[0], p[1]),
		SoftwareVersion: formatVersion(p[2], p[3]),
		SerialNumber:    string(p[5:]),
	}, nil
}

func parseRunningData(p []byte) (RunningDataInfo, error) {
	if len(p) != runningDataLength {
		return RunningDataInfo{}, fmt.Errorf("running data payload must be %d bytes, got %d", runningDataLength, len(p))
	}
	le := binary.LittleEndian
	return RunningDataInfo{
		SpeedKmh:        float64(le.Uint16(p[0:2])) / 10,
		MotorTempC:      int(int8(p[2])),
		ControllerTempC: int(int8(p[3])),
		FaultCode:       le.Uint16(p[4:6]),
		Gear:            int(p[6]),
		TripDistanceM:   le.Uint32(p[7:11]),
		TotalDistanceM:  le.Uint32(p[11:15]),
		RPM:             int(le.Uint16(p[15:17])),
	}, nil
}

func parseBMSData(p []byte) (BMSDataInfo, error) {
	if len(p) != bmsDataLength {
		return BMSDataInfo{}, fmt.Errorf("bms payload must be %d bytes, got %d", bmsDataLength, len(p))
	}
	le := binary.LittleEndian
	return BMSDataInfo{
		VoltageV: float64(le.Uint16(p[0:2])) / 100,
		CurrentA: float64(int16(le.Uint16(p[2:4]))) / 100,
		SOC:      int(p[4]),
		Health:   int(p[5]),
		Cycles:   int(le.Uint16(p[6:8])),
		TempC:    int(int8(p[8])),
	}, nil
}

func parseConfig(p []byte) (ConfigInfo, error) {
	if len(p) != configLength {
		return ConfigInfo{}, fmt.Errorf("config payload must be %d bytes, got %d", configLength, len(p))
	}
	if p[3] > 1 {
		return ConfigInfo{}, fmt.Errorf("invalid units flag %d", p[3])
	}
	return ConfigInfo{
		SpeedLimitKmh:  int(p[0]),
		GearCount:      int(p[1]),
		LightMode:      int(p[2]),
		MetricUnits:    p[3] == 1,
		AutoOffMinutes: int(p[4]),
	}, nil
}

func parseUploadAck(cmd Command, p []byte) (UploadAck, error) {
	want := 1
	if cmd == CmdUploadData {
		want = 3
	}
	if len(p) != want {
		return UploadAck{}, fmt.Errorf("%s ack payload must be %d bytes, got %d", cmd, want, len(p))
	}
	ack := UploadAck{Command: cmd, Status: Status(p[0])}
	if cmd == CmdUploadData {
		ack.Seq = binary.LittleEndian.Uint16(p[1:3])
	}
	return ack, nil
}

// The encoders below produce device → host frames. They back the simulator
// and tests.

// MaxSerialLength is the longest serial a version response can carry; its
// length travels in one byte.
const MaxSerialLength = 255

// EncodeVersionInfo builds a version response. Versions are given as
// major/minor pairs. Serials longer than MaxSerialLength are cut.
func EncodeVersionInfo(hwMajor, hwMinor, swMajor, swMinor byte, serial string) []byte {
	if len(serial) > MaxSerialLength {
		serial = serial[:MaxSerialLength]
	}
	p := []byte{hwMajor, hwMinor, swMajor, swMinor, byte(len(serial))}
	p = append(p, serial...)
	return Encode(CmdVersion, p)
}

// EncodeRunningData builds a running data frame. Battery fields are ignored.
func EncodeRunningData(r RunningDataInfo) []byte {
	le := binary.LittleEndian
	p := make([]byte, 0, runningDataLength)
	p = le.AppendUint16(p, uint16(r.SpeedKmh*10+0.5))
	p = append(p, byte(int8(r.MotorTempC)), byte(int8(r.ControllerTempC)))
	p = le.AppendUint16(p, r.FaultCode)
	p = append(p, byte(r.Gear))
	p = le.AppendUint32(p, r.TripDistanceM)
	p = le.AppendUint32(p, r.TotalDistanceM)
	p = le.AppendUint16(p, uint16(r.RPM))
	return Encode(CmdRunningData, p)
}

// EncodeBMSData builds a BMS frame.
func EncodeBMSData(b BMSDataInfo) []byte {
	le := binary.LittleEndian
	p := make([]byte, 0, bmsDataLength)
	p = le.AppendUint16(p, uint16(b.VoltageV*100+0.5))
	p = le.AppendUint16(p, uint16(int16(roundSigned(b.CurrentA*100))))
	p = append(p, byte(b.SOC), byte(b.Health))
	p = le.AppendUint16(p, uint16(b.Cycles))
	p = append(p, byte(int8(b.TempC)))
	return Encode(CmdBMSData, p)
}

// EncodeConfig builds a config frame.
func EncodeConfig(c ConfigInfo) []byte {
	units := byte(0)
	if c.MetricUnits {
		units = 1
	}
	return Encode(CmdConfig, []byte{
		byte(c.SpeedLimitKmh), byte(c.GearCount), byte(c.LightMode), units, byte(c.AutoOffMinutes),
	})
}

// EncodeUploadAck builds the device acknowledgement for an upload command.
func EncodeUploadAck(cmd Command, status Status, seq uint16) []byte {
	p := []byte{byte(status)}
	if cmd == CmdUploadData {
		p = binary.LittleEndian.AppendUint16(p, seq)
	}
	return Encode(cmd, p)
}

func roundSigned(v float64) int64 {
	if v < 0 {
		return int64(v - 0.5)
	}
	return int64(v + 0.5)
}
