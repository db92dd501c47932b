package protocol

import "fmt"

// Header is the first byte of every frame exchanged with the controller.
const Header byte = 0x5A

const (
	// MinFrameLength is the length of a frame with an empty payload
	// (header, command, crc_lo, crc_hi).
	MinFrameLength = 4

	// ChunkOverhead is the number of bytes a data chunk frame adds around
	// the firmware bytes (header, command, seq u16, crc u16).
	ChunkOverhead = 6
)

// Command is the second byte of a frame and selects its semantic type.
type Command byte

const (
	CmdConfig      Command = 0x01 // device configuration snapshot
	CmdRunningData Command = 0xA0 // running telemetry
	CmdBMSData     Command = 0xA1 // battery management telemetry
	CmdVersion     Command = 0xB0 // version request (host) / version info (device)

	CmdUploadRequest  Command = 0xD0 // announce image size and checksum
	CmdUploadErase    Command = 0xD1 // erase the target flash region
	CmdUploadData     Command = 0xD2 // one firmware chunk
	CmdUploadComplete Command = 0xD3 // finalize and apply the image
)

func (c Command) String() string {
	switch c {
	case CmdConfig:
		return "config"
	case CmdRunningData:
		return "running-data"
	case CmdBMSData:
		return "bms-data"
	case CmdVersion:
		return "version"
	case CmdUploadRequest:
		return "upload-request"
	case CmdUploadErase:
		return "upload-erase"
	case CmdUploadData:
		return "upload-data"
	case CmdUploadComplete:
		return "upload-complete"
	default:
		return fmt.Sprintf("0x%02X", byte(c))
	}
}

// IsUpload reports whether c belongs to the firmware update command range.
func (c Command) IsUpload() bool {
	return c >= CmdUploadRequest && c <= CmdUploadComplete
}

// Status is the first payload byte of an upload acknowledgement.
type Status byte

const (
	StatusOK           Status = 0x00
	StatusBadLength    Status = 0x01
	StatusBadChecksum  Status = 0x02
	StatusFlashError   Status = 0x03
	StatusBadSequence  Status = 0x04
	StatusBusy         Status = 0x05
	StatusImageInvalid Status = 0x06
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBadLength:
		return "invalid length"
	case StatusBadChecksum:
		return "checksum mismatch"
	case StatusFlashError:
		return "flash error"
	case StatusBadSequence:
		return "unexpected sequence"
	case StatusBusy:
		return "device busy"
	case StatusImageInvalid:
		return "image rejected"
	default:
		return fmt.Sprintf("unknown status 0x%02X", byte(s))
	}
}
