package updater

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected  = errors.New("no scooter connected")
	ErrNotIdentified = errors.New("scooter has not reported its version yet")
	ErrNotVerified   = errors.New("scooter identity has not been verified")
	ErrNoFirmware    = errors.New("no firmware available")
	ErrNoTarget      = errors.New("no firmware selected")
	ErrUpdateRunning = errors.New("an update is already running")
	ErrMissingSerial = errors.New("scooter did not report a serial number")
)

// UnauthorizedError rejects a scooter that is not in the caller's list.
type UnauthorizedError struct {
	Serial string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("scooter %s is not authorized for updates", e.Serial)
}

// SizeMismatchError reports a download whose length differs from the
// catalog entry.
type SizeMismatchError struct {
	Path     string
	Expected int64
	Actual   int
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("firmware %s: expected %d bytes, downloaded %d", e.Path, e.Expected, e.Actual)
}
