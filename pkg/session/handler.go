package session

import (
	"fmt"

	"github.com/librescoot/scooter-ota/pkg/event"
	"github.com/librescoot/scooter-ota/pkg/metrics"
	"github.com/librescoot/scooter-ota/pkg/protocol"
	"github.com/librescoot/scooter-ota/pkg/transport"
)

// handler moves transport callbacks onto the session loop.
type handler struct {
	s *Session
}

var _ transport.Handler = handler{}

func (h handler) OnScanResult(devices []transport.Device) {
	h.s.post(func() { h.s.handleScanResult(devices) })
}

func (h handler) OnScanFailed(err error) {
	h.s.post(func() { h.s.handleScanFailed(err) })
}

func (h handler) OnConnected(name string) {
	h.s.post(func() { h.s.handleConnected(name) })
}

func (h handler) OnConnectionFailed(err error) {
	h.s.post(func() { h.s.handleConnectionFailed(err) })
}

func (h handler) OnDisconnected(expected bool) {
	h.s.post(func() { h.s.handleDisconnected(expected) })
}

func (h handler) OnDataReceived(frame []byte) {
	h.s.post(func() { h.s.handleFrame(frame) })
}

func (h handler) OnSerialNumberRead(serial string) {
	h.s.post(func() { h.s.handleSerialNumber(serial) })
}

func (h handler) OnDeviceInfoRead(hardwareRevision, firmwareRevision string) {
	h.s.post(func() { h.s.handleDeviceInfo(hardwareRevision, firmwareRevision) })
}

func (s *Session) handleScanResult(devices []transport.Device) {
	if s.Phase() != PhaseScanning {
		s.logger.Debug("ignoring late scan result", "devices", len(devices))
		return
	}
	for _, d := range devices {
		s.names[d.ID] = d.Name
	}
	if err := s.transition(eventScanDone); err != nil {
		s.logger.Error(err, "scan result")
	}
	s.pub.Publish(event.DevicesFound{Devices: append([]transport.Device(nil), devices...)})
}

func (s *Session) handleScanFailed(err error) {
	if s.Phase() != PhaseScanning {
		return
	}
	if terr := s.transition(eventScanDone); terr != nil {
		s.logger.Error(terr, "scan failure")
	}
	s.logger.Warn("scan failed", "error", err)
	s.pub.Publish(event.ScanFailed{Err: err})
}

func (s *Session) handleConnected(name string) {
	if s.Phase() != PhaseConnecting {
		s.logger.Warn("unexpected connect confirmation", "phase", s.Phase())
		return
	}
	s.update(func(st *State) {
		st.Connected = true
		if name != "" {
			st.DeviceName = name
		}
	})
	if err := s.transition(eventConnected); err != nil {
		s.logger.Error(err, "connected")
	}
	st := s.State()
	s.logger.Info("connected", "name", st.DeviceName)
	s.pub.Publish(event.Connected{Name: st.DeviceName})
}

func (s *Session) handleConnectionFailed(err error) {
	s.stopIdentification()
	s.update(func(st *State) { st.Connected = false })
	if terr := s.transition(eventConnectFailed); terr != nil {
		s.logger.Error(terr, "connection failure")
	}
	s.logger.Warn("connection failed", "error", err)
	s.pub.Publish(event.ConnectionFailed{Err: err})
}

func (s *Session) handleDisconnected(expected bool) {
	s.stopIdentification()
	s.update(func(st *State) { st.resetDevice() })
	if err := s.transition(eventDisconnected); err != nil {
		s.logger.Debug("disconnect outside of a connection", "error", err)
	}
	s.logger.Info("disconnected", "expected", expected)
	s.pub.Publish(event.Disconnected{Expected: expected})
}

func (s *Session) handleSerialNumber(serial string) {
	if !s.State().Connected {
		return
	}
	s.update(func(st *State) { st.TransportSerial = serial })
	s.pub.Publish(event.SerialNumberRead{Serial: serial})
	s.scheduleIdentification()
}

func (s *Session) handleDeviceInfo(hw, fw string) {
	if !s.State().Connected {
		return
	}
	s.update(func(st *State) {
		st.HardwareRevision = hw
		st.FirmwareRevision = fw
	})
	s.pub.Publish(event.DeviceInfoRead{HardwareRevision: hw, FirmwareRevision: fw})
}

func (s *Session) handleFrame(frame []byte) {
	ev, err := protocol.Parse(frame)
	if err != nil {
		metrics.FramesDropped.Inc()
		s.logger.Debug("dropping frame", "frame", fmt.Sprintf("%X", frame), "error", err)
		return
	}
	metrics.FramesRouted.WithLabelValues(protocol.Command(frame[1]).String()).Inc()

	switch f := ev.(type) {
	case protocol.VersionInfo:
		s.handleVersion(f)
	case protocol.RunningDataInfo:
		if !s.State().Connected {
			return
		}
		var out protocol.RunningDataInfo
		s.update(func(st *State) {
			if st.BMS != nil {
				f.MergeBattery(*st.BMS)
			}
			st.Running = &f
			out = f
		})
		s.pub.Publish(event.RunningData{Info: out})
	case protocol.BMSDataInfo:
		if !s.State().Connected {
			return
		}
		s.update(func(st *State) {
			st.BMS = &f
			if st.Running != nil {
				r := *st.Running
				r.MergeBattery(f)
				st.Running = &r
			}
		})
		s.pub.Publish(event.BMSData{Info: f})
	case protocol.ConfigInfo:
		if !s.State().Connected {
			return
		}
		s.update(func(st *State) { st.Config = &f })
		s.pub.Publish(event.ConfigReceived{Config: f})
	case protocol.UploadAck:
		s.mu.RLock()
		sink := s.sink
		s.mu.RUnlock()
		if sink == nil {
			s.logger.Debug("no upload in progress, dropping ack", "command", f.Command, "status", f.Status)
			return
		}
		sink.HandleAck(f)
	case protocol.RawFrame:
		s.pub.Publish(event.RawFrame{Command: f.Command, Frame: f.Frame})
	}
}

func (s *Session) handleVersion(info protocol.VersionInfo) {
	s.stopIdentification()
	st := s.State()
	if !st.Connected {
		return
	}
	if st.Version != nil {
		s.logger.Debug("ignoring repeated version response")
		return
	}
	s.update(func(st *State) { st.Version = &info })
	if err := s.transition(eventIdentified); err != nil {
		s.logger.Error(err, "version received")
	}
	s.logger.Info("device identified",
		"name", st.DeviceName,
		"serial", info.SerialNumber,
		"hardware", info.HardwareVersion,
		"software", info.SoftwareVersion,
	)
	s.pub.Publish(event.VersionReceived{Info: info})
	s.pub.Publish(event.Ready{Name: st.DeviceName, Info: info})
}
