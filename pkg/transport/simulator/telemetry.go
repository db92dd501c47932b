package simulator

import (
	"github.com/librescoot/scooter-ota/pkg/protocol"
)

// EmitTelemetry pushes one running data and one BMS frame.
func (s *Scooter) EmitTelemetry() {
	s.mu.Lock()
	running, bms := s.cfg.Running, s.cfg.BMS
	s.mu.Unlock()
	s.notify(protocol.EncodeRunningData(running))
	s.notify(protocol.EncodeBMSData(bms))
}

// EmitConfig pushes the configuration frame.
func (s *Scooter) EmitConfig() {
	s.mu.Lock()
	cfg := s.cfg.Settings
	s.mu.Unlock()
	s.notify(protocol.EncodeConfig(cfg))
}

// EmitRaw pushes an arbitrary notification, valid or not.
func (s *Scooter) EmitRaw(frame []byte) {
	s.notify(append([]byte(nil), frame...))
}

// SetRunning replaces the running data reported from now on.
func (s *Scooter) SetRunning(r protocol.RunningDataInfo) {
	s.mu.Lock()
	s.cfg.Running = r
	s.mu.Unlock()
}

func (s *Scooter) startTelemetryLocked() {
	if s.cfg.TelemetryInterval <= 0 || s.stopTel != nil {
		return
	}
	stop := make(chan struct{})
	s.stopTel = stop
	ticker := s.clock.NewTicker(s.cfg.TelemetryInterval)
	go func() {
		defer ticker.Stop()
		s.EmitConfig()
		for {
			select {
			case <-ticker.C():
				s.tick()
				s.EmitTelemetry()
			case <-stop:
				return
			case <-s.closed:
				return
			}
		}
	}()
}

func (s *Scooter) stopTelemetryLocked() {
	if s.stopTel != nil {
		close(s.stopTel)
		s.stopTel = nil
	}
}

// tick moves the virtual scooter forward a little so monitor output changes.
func (s *Scooter) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &s.cfg.Running
	r.RPM = (r.RPM + 37) % 600
	r.SpeedKmh = float64(r.RPM) / 24
	r.TripDistanceM += uint32(r.SpeedKmh / 3.6)
	r.TotalDistanceM += uint32(r.SpeedKmh / 3.6)
	if s.cfg.BMS.SOC > 5 && r.RPM == 0 {
		s.cfg.BMS.SOC--
	}
}
