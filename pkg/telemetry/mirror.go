// Package telemetry mirrors the connected controller's state into redis
// hashes so other services on the scooter can read it.
package telemetry

import (
	"context"
	"strconv"

	"github.com/librescoot/scooter-ota/pkg/bus"
	"github.com/librescoot/scooter-ota/pkg/event"
	"github.com/librescoot/scooter-ota/pkg/log"
	"github.com/librescoot/scooter-ota/pkg/protocol"
)

// Redis keys written by the mirror.
const (
	KeyController = "scooter-controller"
	KeyRunning    = "scooter-running"
	KeyBattery    = "scooter-battery"
	KeyConfig     = "scooter-config"
)

// HashWriter is the subset of the redis client used by the mirror.
type HashWriter interface {
	WriteHash(ctx context.Context, key string, fields map[string]any) error
	WriteAndPublish(ctx context.Context, key string, fields map[string]any, channel, message string) error
}

type Mirror struct {
	w      HashWriter
	logger log.Logger
}

func New(w HashWriter, logger log.Logger) *Mirror {
	if logger == nil {
		logger = log.Std()
	}
	return &Mirror{w: w, logger: logger.WithName("telemetry")}
}

// Run consumes sub until ctx is done or the subscription is closed.
func (m *Mirror) Run(ctx context.Context, sub bus.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub:
			if !ok {
				return nil
			}
			ev, ok := msg.(event.Event)
			if !ok {
				continue
			}
			if err := m.Handle(ctx, ev); err != nil {
				// redis being away must not stop the mirror
				m.logger.Warn("failed to mirror event", "topic", ev.Topic(), "error", err)
			}
		}
	}
}

// Handle writes the redis representation of one event. Events without one
// are ignored.
func (m *Mirror) Handle(ctx context.Context, ev event.Event) error {
	switch e := ev.(type) {
	case event.Connecting:
		return m.controllerState(ctx, "connecting", map[string]any{"name": e.Name})
	case event.Connected:
		return m.controllerState(ctx, "connected", map[string]any{"name": e.Name})
	case event.Disconnected:
		return m.controllerState(ctx, "disconnected", nil)
	case event.SerialNumberRead:
		return m.w.WriteHash(ctx, KeyController, map[string]any{"transport-serial": e.Serial})
	case event.DeviceInfoRead:
		return m.w.WriteHash(ctx, KeyController, map[string]any{
			"hardware-revision": e.HardwareRevision,
			"firmware-revision": e.FirmwareRevision,
		})
	case event.Ready:
		return m.controllerState(ctx, "ready", map[string]any{
			"name":             e.Name,
			"hardware-version": e.Info.HardwareVersion,
			"software-version": e.Info.SoftwareVersion,
			"serial":           e.Info.SerialNumber,
		})
	case event.RunningData:
		return m.w.WriteHash(ctx, KeyRunning, runningFields(e.Info))
	case event.BMSData:
		return m.w.WriteHash(ctx, KeyBattery, batteryFields(e.Info))
	case event.ConfigReceived:
		return m.w.WriteHash(ctx, KeyConfig, configFields(e.Config))
	}
	return nil
}

func (m *Mirror) controllerState(ctx context.Context, state string, extra map[string]any) error {
	fields := map[string]any{"state": state}
	for k, v := range extra {
		fields[k] = v
	}
	return m.w.WriteAndPublish(ctx, KeyController, fields, KeyController, "state:"+state)
}

func runningFields(r protocol.RunningDataInfo) map[string]any {
	return map[string]any{
		"speed":                  formatFloat(r.SpeedKmh, 1),
		"motor-temperature":      r.MotorTempC,
		"controller-temperature": r.ControllerTempC,
		"fault-code":             int(r.FaultCode),
		"gear":                   r.Gear,
		"trip":                   int64(r.TripDistanceM),
		"odometer":               int64(r.TotalDistanceM),
		"rpm":                    r.RPM,
		"battery-voltage":        formatFloat(r.BatteryVoltageV, 2),
		"battery-current":        formatFloat(r.BatteryCurrentA, 2),
		"battery-charge":         r.BatterySOC,
	}
}

func batteryFields(b protocol.BMSDataInfo) map[string]any {
	return map[string]any{
		"voltage":     formatFloat(b.VoltageV, 2),
		"current":     formatFloat(b.CurrentA, 2),
		"charge":      b.SOC,
		"health":      b.Health,
		"cycle-count": b.Cycles,
		"temperature": b.TempC,
	}
}

func configFields(c protocol.ConfigInfo) map[string]any {
	units := "imperial"
	if c.MetricUnits {
		units = "metric"
	}
	return map[string]any{
		"speed-limit":      c.SpeedLimitKmh,
		"gear-count":       c.GearCount,
		"light-mode":       c.LightMode,
		"units":            units,
		"auto-off-minutes": c.AutoOffMinutes,
	}
}

func formatFloat(v float64, prec int) string {
	return strconv.FormatFloat(v, 'f', prec, 64)
}
