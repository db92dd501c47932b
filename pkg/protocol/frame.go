package protocol

import (
	"encoding/binary"
	"fmt"
)

// Encode builds a complete frame for cmd carrying payload.
func Encode(cmd Command, payload []byte) []byte {
	frame := make([]byte, 0, MinFrameLength+len(payload))
	frame = append(frame, Header, byte(cmd))
	frame = append(frame, payload...)
	crc := CRC16(frame, 0)
	return binary.LittleEndian.AppendUint16(frame, crc)
}

// payloadOf validates header and CRC and returns the payload slice of frame.
func payloadOf(frame []byte) ([]byte, error) {
	if len(frame) < MinFrameLength {
		return nil, fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	if frame[0] != Header {
		return nil, fmt.Errorf("invalid header 0x%02X", frame[0])
	}
	body := frame[:len(frame)-2]
	want := binary.LittleEndian.Uint16(frame[len(frame)-2:])
	if got := CRC16(body, 0); got != want {
		return nil, fmt.Errorf("crc mismatch: calculated=0x%04x, received=0x%04x", got, want)
	}
	return body[2:], nil
}

// Validate reports whether frame carries a valid header and CRC.
func Validate(frame []byte) error {
	_, err := payloadOf(frame)
	return err
}

// VersionRequest builds the host → device version request.
func VersionRequest() []byte {
	return Encode(CmdVersion, nil)
}

// UploadRequest announces an image of size bytes with checksum crc.
func UploadRequest(size uint32, crc uint16) []byte {
	p := binary.LittleEndian.AppendUint32(nil, size)
	p = binary.LittleEndian.AppendUint16(p, crc)
	return Encode(CmdUploadRequest, p)
}

// Erase asks the device to erase size bytes of application flash.
func Erase(size uint32) []byte {
	return Encode(CmdUploadErase, binary.LittleEndian.AppendUint32(nil, size))
}

// Chunk builds the data frame for chunk number seq.
func Chunk(seq uint16, data []byte) []byte {
	p := make([]byte, 0, 2+len(data))
	p = binary.LittleEndian.AppendUint16(p, seq)
	p = append(p, data...)
	return Encode(CmdUploadData, p)
}

// Complete finalizes an upload of size bytes with checksum crc.
func Complete(size uint32, crc uint16) []byte {
	p := binary.LittleEndian.AppendUint32(nil, size)
	p = binary.LittleEndian.AppendUint16(p, crc)
	return Encode(CmdUploadComplete, p)
}
