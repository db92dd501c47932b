package session

import "github.com/librescoot/scooter-ota/pkg/protocol"

// State is a snapshot of the connection. Values returned by Session.State
// are copies and may be kept by the caller.
type State struct {
	Phase            Phase
	DeviceID         string
	DeviceName       string
	TransportSerial  string
	HardwareRevision string
	FirmwareRevision string
	Connected        bool

	Version *protocol.VersionInfo
	Config  *protocol.ConfigInfo
	Running *protocol.RunningDataInfo
	BMS     *protocol.BMSDataInfo
}

// Serial is the controller's embedded serial when known, otherwise the one
// read over the transport.
func (s State) Serial() string {
	if s.Version != nil && s.Version.SerialNumber != "" {
		return s.Version.SerialNumber
	}
	return s.TransportSerial
}

func (s State) clone() State {
	out := s
	if s.Version != nil {
		v := *s.Version
		out.Version = &v
	}
	if s.Config != nil {
		c := *s.Config
		out.Config = &c
	}
	if s.Running != nil {
		r := *s.Running
		out.Running = &r
	}
	if s.BMS != nil {
		b := *s.BMS
		out.BMS = &b
	}
	return out
}

// resetDevice drops everything learned from the connected device.
func (s *State) resetDevice() {
	s.Connected = false
	s.TransportSerial = ""
	s.HardwareRevision = ""
	s.FirmwareRevision = ""
	s.Version = nil
	s.Config = nil
	s.Running = nil
	s.BMS = nil
}
