package simulator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/librescoot/scooter-ota/pkg/protocol"
	"github.com/librescoot/scooter-ota/pkg/transport"
)

type capture struct {
	transport.NopHandler
	frames    chan []byte
	connected chan string
	devices   chan []transport.Device
}

func newCapture() *capture {
	return &capture{
		frames:    make(chan []byte, 64),
		connected: make(chan string, 1),
		devices:   make(chan []transport.Device, 1),
	}
}

func (c *capture) OnDataReceived(frame []byte)          { c.frames <- frame }
func (c *capture) OnConnected(name string)              { c.connected <- name }
func (c *capture) OnScanResult(devs []transport.Device) { c.devices <- devs }

func (c *capture) next(t *testing.T) protocol.Event {
	t.Helper()
	select {
	case f := <-c.frames:
		ev, ok := protocol.Route(f)
		require.True(t, ok)
		return ev
	case <-time.After(time.Second):
		t.Fatal("no frame from simulator")
		return nil
	}
}

func connected(t *testing.T) (*Scooter, *capture) {
	t.Helper()
	s := New(DefaultConfig(), nil, nil)
	t.Cleanup(s.Close)
	c := newCapture()
	s.SetHandler(c)
	s.Connect(DefaultConfig().ID)
	select {
	case <-c.connected:
	case <-time.After(time.Second):
		t.Fatal("simulator did not connect")
	}
	return s, c
}

func TestScanReportsDevice(t *testing.T) {
	s := New(DefaultConfig(), nil, nil)
	defer s.Close()
	c := newCapture()
	s.SetHandler(c)

	s.StartScan(context.Background(), time.Second)
	devs := <-c.devices
	require.Len(t, devs, 1)
	assert.Equal(t, "LS-SIM-0001", devs[0].Name)
}

func TestSendBeforeConnect(t *testing.T) {
	s := New(DefaultConfig(), nil, nil)
	defer s.Close()
	assert.ErrorIs(t, s.SendFrame(protocol.VersionRequest()), transport.ErrNotConnected)
}

func TestVersionResponse(t *testing.T) {
	s, c := connected(t)
	s.IgnoreVersionRequests(1)

	require.NoError(t, s.SendFrame(protocol.VersionRequest()))
	require.NoError(t, s.SendFrame(protocol.VersionRequest()))

	info, ok := c.next(t).(protocol.VersionInfo)
	require.True(t, ok)
	assert.Equal(t, "V2.92", info.HardwareVersion)
	assert.Equal(t, "V1.05", info.SoftwareVersion)
	assert.Equal(t, 2, s.Count(protocol.CmdVersion))
}

func TestUploadAccepted(t *testing.T) {
	s, c := connected(t)
	image := []byte("0123456789abcdef")
	crc := protocol.CRC16(image, 0)

	require.NoError(t, s.SendFrame(protocol.UploadRequest(uint32(len(image)), crc)))
	assert.Equal(t, protocol.UploadAck{Command: protocol.CmdUploadRequest}, c.next(t))
	require.NoError(t, s.SendFrame(protocol.Erase(uint32(len(image)))))
	assert.Equal(t, protocol.UploadAck{Command: protocol.CmdUploadErase}, c.next(t))

	require.NoError(t, s.SendFrame(protocol.Chunk(0, image[:8])))
	assert.Equal(t, protocol.UploadAck{Command: protocol.CmdUploadData, Seq: 0}, c.next(t))
	// retransmission is acknowledged without writing twice
	require.NoError(t, s.SendFrame(protocol.Chunk(0, image[:8])))
	assert.Equal(t, protocol.UploadAck{Command: protocol.CmdUploadData, Seq: 0}, c.next(t))
	require.NoError(t, s.SendFrame(protocol.Chunk(1, image[8:])))
	assert.Equal(t, protocol.UploadAck{Command: protocol.CmdUploadData, Seq: 1}, c.next(t))

	require.NoError(t, s.SendFrame(protocol.Complete(uint32(len(image)), crc)))
	assert.Equal(t, protocol.UploadAck{Command: protocol.CmdUploadComplete}, c.next(t))
	assert.Equal(t, image, s.Image())
	assert.True(t, s.Applied())
}

func TestUploadRejectsBadImage(t *testing.T) {
	s, c := connected(t)
	image := []byte{1, 2, 3, 4}

	require.NoError(t, s.SendFrame(protocol.UploadRequest(4, 0xFFFF)))
	c.next(t)
	require.NoError(t, s.SendFrame(protocol.Erase(4)))
	c.next(t)
	require.NoError(t, s.SendFrame(protocol.Chunk(0, image)))
	c.next(t)
	require.NoError(t, s.SendFrame(protocol.Complete(4, 0xFFFF)))

	ack := c.next(t).(protocol.UploadAck)
	assert.Equal(t, protocol.StatusImageInvalid, ack.Status)
	assert.False(t, s.Applied())
}

func TestFaultInjection(t *testing.T) {
	s, c := connected(t)

	s.FailNextSends(1)
	assert.ErrorIs(t, s.SendFrame(protocol.UploadRequest(1, 0)), ErrLinkFailure)

	s.Nack(protocol.CmdUploadRequest, protocol.StatusBusy)
	require.NoError(t, s.SendFrame(protocol.UploadRequest(1, 0)))
	ack := c.next(t).(protocol.UploadAck)
	assert.Equal(t, protocol.StatusBusy, ack.Status)

	s.ClearFaults()
	s.DropAcks(protocol.CmdUploadRequest, 1)
	require.NoError(t, s.SendFrame(protocol.UploadRequest(1, 0)))
	require.NoError(t, s.SendFrame(protocol.UploadRequest(1, 0)))
	ack = c.next(t).(protocol.UploadAck)
	assert.True(t, ack.OK())
}

func TestTelemetryFrames(t *testing.T) {
	s, c := connected(t)
	s.EmitTelemetry()

	running, ok := c.next(t).(protocol.RunningDataInfo)
	require.True(t, ok)
	assert.Equal(t, 24, running.MotorTempC)

	bms, ok := c.next(t).(protocol.BMSDataInfo)
	require.True(t, ok)
	assert.Equal(t, 82, bms.SOC)
}

func TestPeriodicTelemetryFollowsClock(t *testing.T) {
	clk := testclock.NewFakeClock(time.Unix(1700000000, 0))
	cfg := DefaultConfig()
	cfg.TelemetryInterval = time.Second
	s := New(cfg, clk, nil)
	t.Cleanup(s.Close)
	c := newCapture()
	s.SetHandler(c)
	s.Connect(cfg.ID)

	_, ok := c.next(t).(protocol.ConfigInfo)
	require.True(t, ok, "config is sent when telemetry starts")
	require.Eventually(t, clk.HasWaiters, time.Second, 5*time.Millisecond)

	clk.Step(time.Second)
	_, ok = c.next(t).(protocol.RunningDataInfo)
	require.True(t, ok)
	_, ok = c.next(t).(protocol.BMSDataInfo)
	require.True(t, ok)
}
