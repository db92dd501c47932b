package upload

import (
	"errors"
	"fmt"

	"github.com/librescoot/scooter-ota/pkg/protocol"
)

var (
	// ErrCancelled is the outcome of an upload stopped by Cancel or by its
	// context. It is not a failure.
	ErrCancelled = errors.New("upload cancelled")

	// ErrBusy is returned when an upload is already in flight.
	ErrBusy = errors.New("upload already in progress")

	ErrEmptyImage = errors.New("firmware image is empty")
)

// NackError reports a negative acknowledgement from the device.
type NackError struct {
	Phase  Phase
	Status protocol.Status
}

func (e *NackError) Error() string {
	return fmt.Sprintf("device rejected %s: %s", e.Phase, e.Status)
}

// TimeoutError reports a missing acknowledgement.
type TimeoutError struct {
	Phase Phase
	Seq   int
}

func (e *TimeoutError) Error() string {
	if e.Phase == PhaseTransferring {
		return fmt.Sprintf("no acknowledgement for chunk %d", e.Seq)
	}
	return fmt.Sprintf("no acknowledgement while %s", e.Phase)
}

// UnexpectedAckError reports an acknowledgement for a command the engine is
// not waiting for.
type UnexpectedAckError struct {
	Phase   Phase
	Command protocol.Command
}

func (e *UnexpectedAckError) Error() string {
	return fmt.Sprintf("unexpected %s acknowledgement while %s", e.Command, e.Phase)
}

// SendError wraps a transport write failure.
type SendError struct {
	Phase Phase
	Err   error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed while %s: %v", e.Phase, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// ImageTooLargeError reports an image needing more chunks than the 16 bit
// sequence number can address.
type ImageTooLargeError struct {
	Size      int
	ChunkSize int
}

func (e *ImageTooLargeError) Error() string {
	return fmt.Sprintf("image of %d bytes needs more than 65536 chunks of %d bytes", e.Size, e.ChunkSize)
}

// retryable reports whether a chunk may be resent after err.
func retryable(err error) bool {
	var sendErr *SendError
	var timeoutErr *TimeoutError
	return errors.As(err, &sendErr) || errors.As(err, &timeoutErr)
}
