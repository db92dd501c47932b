package updater

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/librescoot/scooter-ota/pkg/session"
)

// Scooter is the catalog identity of a controller.
type Scooter struct {
	ID     string
	Serial string
	Name   string
	Model  string
}

// Firmware is one image available for a hardware version.
type Firmware struct {
	ID              string
	HardwareVersion string
	Version         string
	Path            string
	Size            int64
	Notes           string
	CreatedAt       time.Time
}

// Record describes an upload attempt for the result recorder.
type Record struct {
	ScooterID        string
	Serial           string
	DeviceName       string
	HardwareRevision string
	FirmwareID       string
	OldVersion       string
	NewVersion       string
	Size             int
	StartedAt        time.Time
}

// Record statuses passed to Recorder.UpdateRecord.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Store resolves scooter identities and serves firmware images.
type Store interface {
	LookupScooter(ctx context.Context, serial string) (Scooter, error)
	// ListFirmware returns the images for a hardware version, newest first.
	ListFirmware(ctx context.Context, hardwareVersion string) ([]Firmware, error)
	Download(ctx context.Context, path string) ([]byte, error)
}

// Recorder keeps a durable trace of upload attempts.
type Recorder interface {
	CreateRecord(ctx context.Context, r Record) (string, error)
	UpdateRecord(ctx context.Context, id, status, errMsg string) error
}

// Device is the connected scooter as seen by the orchestrator.
type Device interface {
	State() session.State
	SendFrame(frame []byte) error
	MaxWriteSize() int
	AttachUploadSink(sink session.AckSink)
}

var _ Device = (*session.Session)(nil)

// ExtractHwVersion returns the part of a hardware revision after its last
// underscore, "HW9073_V2.92" → "V2.92". A revision without an underscore is
// returned unchanged.
func ExtractHwVersion(revision string) string {
	if i := strings.LastIndex(revision, "_"); i >= 0 {
		return revision[i+1:]
	}
	return revision
}

// Recommend picks the most recently created firmware. Among equal creation
// times the earlier list entry wins.
func Recommend(list []Firmware) (Firmware, bool) {
	if len(list) == 0 {
		return Firmware{}, false
	}
	sorted := append([]Firmware(nil), list...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})
	return sorted[0], true
}
