package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC16Check(t *testing.T) {
	assert.Equal(t, uint16(0xBB3D), CRC16([]byte("123456789"), 0))
	assert.Equal(t, uint16(0), CRC16(nil, 0))
}

func TestEncodeLayout(t *testing.T) {
	frame := Encode(CmdVersion, nil)
	require.Len(t, frame, MinFrameLength)
	assert.Equal(t, Header, frame[0])
	assert.Equal(t, byte(CmdVersion), frame[1])
	require.NoError(t, Validate(frame))

	chunk := Chunk(0x0102, []byte{0xAA, 0xBB})
	assert.Equal(t, []byte{Header, byte(CmdUploadData), 0x02, 0x01, 0xAA, 0xBB}, chunk[:6])
	assert.Len(t, chunk, ChunkOverhead+2)

	req := UploadRequest(0x01020304, 0xBEEF)
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01, 0xEF, 0xBE}, req[2:8])
}

func TestValidateRejects(t *testing.T) {
	good := EncodeConfig(ConfigInfo{SpeedLimitKmh: 25})

	badCRC := append([]byte(nil), good...)
	badCRC[len(badCRC)-1] ^= 0xFF

	badHeader := append([]byte(nil), good...)
	badHeader[0] = 0x55

	assert.Error(t, Validate(badCRC))
	assert.Error(t, Validate(badHeader))
	assert.Error(t, Validate([]byte{Header, 0x01, 0x00}))
}

func TestRouteShortFrames(t *testing.T) {
	for _, frame := range [][]byte{nil, {}, {Header}} {
		ev, ok := Route(frame)
		assert.False(t, ok)
		assert.Nil(t, ev)
	}
}

func TestRouteVersion(t *testing.T) {
	ev, ok := Route(EncodeVersionInfo(1, 2, 3, 45, "SN123"))
	require.True(t, ok)
	assert.Equal(t, VersionInfo{
		HardwareVersion: "V1.02",
		SoftwareVersion: "V3.45",
		SerialNumber:    "SN123",
	}, ev)
}

func TestEncodeVersionInfoCapsSerial(t *testing.T) {
	long := strings.Repeat("S", MaxSerialLength+45)

	ev, ok := Route(EncodeVersionInfo(2, 92, 1, 5, long))
	require.True(t, ok)
	info, ok := ev.(VersionInfo)
	require.True(t, ok)
	assert.Equal(t, long[:MaxSerialLength], info.SerialNumber)
}

func TestRouteVersionRejectsEmptySerial(t *testing.T) {
	_, ok := Route(EncodeVersionInfo(1, 0, 1, 0, ""))
	assert.False(t, ok)

	// serial length byte claims more than is present
	_, ok = Route(Encode(CmdVersion, []byte{1, 0, 1, 0, 9, 'A'}))
	assert.False(t, ok)
}

func TestRouteRunningData(t *testing.T) {
	in := RunningDataInfo{
		SpeedKmh:        23.4,
		MotorTempC:      -5,
		ControllerTempC: 41,
		FaultCode:       0x0010,
		Gear:            2,
		TripDistanceM:   1500,
		TotalDistanceM:  987654,
		RPM:             420,
	}
	ev, ok := Route(EncodeRunningData(in))
	require.True(t, ok)
	got, isRunning := ev.(RunningDataInfo)
	require.True(t, isRunning)
	assert.InDelta(t, 23.4, got.SpeedKmh, 0.001)
	got.SpeedKmh = in.SpeedKmh
	assert.Equal(t, in, got)
}

func TestRouteBMSData(t *testing.T) {
	in := BMSDataInfo{VoltageV: 48.12, CurrentA: -3.5, SOC: 87, Health: 98, Cycles: 312, TempC: 22}
	ev, ok := Route(EncodeBMSData(in))
	require.True(t, ok)
	got := ev.(BMSDataInfo)
	assert.InDelta(t, 48.12, got.VoltageV, 0.001)
	assert.InDelta(t, -3.5, got.CurrentA, 0.001)
	assert.Equal(t, 87, got.SOC)
	assert.Equal(t, 98, got.Health)
	assert.Equal(t, 312, got.Cycles)
	assert.Equal(t, 22, got.TempC)
}

func TestRouteConfig(t *testing.T) {
	in := ConfigInfo{SpeedLimitKmh: 25, GearCount: 3, LightMode: 1, MetricUnits: true, AutoOffMinutes: 10}
	ev, ok := Route(EncodeConfig(in))
	require.True(t, ok)
	assert.Equal(t, in, ev)

	_, ok = Route(Encode(CmdConfig, []byte{25, 3, 1, 2, 10}))
	assert.False(t, ok, "units flag must be 0 or 1")
}

func TestRouteWrongLength(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		n    int
	}{
		{"running data short", CmdRunningData, runningDataLength - 1},
		{"running data long", CmdRunningData, runningDataLength + 1},
		{"bms short", CmdBMSData, bmsDataLength - 1},
		{"config long", CmdConfig, configLength + 1},
		{"data ack without seq", CmdUploadData, 1},
		{"erase ack empty", CmdUploadErase, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := Route(Encode(tt.cmd, make([]byte, tt.n)))
			assert.False(t, ok)
		})
	}
}

func TestRouteBadChecksum(t *testing.T) {
	frame := EncodeBMSData(BMSDataInfo{VoltageV: 40})
	frame[3] ^= 0x01
	ev, ok := Route(frame)
	assert.False(t, ok)
	assert.Nil(t, ev)
}

func TestRouteUploadAck(t *testing.T) {
	ev, ok := Route(EncodeUploadAck(CmdUploadData, StatusOK, 513))
	require.True(t, ok)
	assert.Equal(t, UploadAck{Command: CmdUploadData, Status: StatusOK, Seq: 513}, ev)

	ev, ok = Route(EncodeUploadAck(CmdUploadErase, StatusFlashError, 0))
	require.True(t, ok)
	ack := ev.(UploadAck)
	assert.False(t, ack.OK())
	assert.Equal(t, "flash error", ack.Status.String())
}

func TestRouteRawPassthrough(t *testing.T) {
	frame := []byte{0x00, 0x42, 0x01}
	ev, ok := Route(frame)
	require.True(t, ok)
	raw := ev.(RawFrame)
	assert.Equal(t, Command(0x42), raw.Command)
	assert.Equal(t, frame, raw.Frame)

	frame[2] = 0xFF
	assert.Equal(t, byte(0x01), raw.Frame[2], "raw frame must not alias the input")
}

func TestMergeBattery(t *testing.T) {
	var r RunningDataInfo
	r.MergeBattery(BMSDataInfo{VoltageV: 50, CurrentA: 1.5, SOC: 60, Health: 90, Cycles: 5, TempC: 30})
	assert.Equal(t, 50.0, r.BatteryVoltageV)
	assert.Equal(t, 1.5, r.BatteryCurrentA)
	assert.Equal(t, 60, r.BatterySOC)
	assert.Equal(t, 90, r.BatteryHealth)
	assert.Equal(t, 5, r.BatteryCycles)
	assert.Equal(t, 30, r.BatteryTempC)
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "upload-erase", CmdUploadErase.String())
	assert.Equal(t, "0x42", Command(0x42).String())
	assert.True(t, CmdUploadComplete.IsUpload())
	assert.False(t, CmdVersion.IsUpload())
}
