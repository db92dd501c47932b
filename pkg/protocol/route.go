package protocol

import "errors"

var errShortFrame = errors.New("frame too short to carry a command")

// Event is a classified device frame. The concrete type is one of
// VersionInfo, ConfigInfo, RunningDataInfo, BMSDataInfo, UploadAck or
// RawFrame.
type Event interface {
	frameEvent()
}

// RawFrame carries a frame whose command has no dedicated parser.
type RawFrame struct {
	Command Command
	Frame   []byte
}

func (VersionInfo) frameEvent()     {}
func (ConfigInfo) frameEvent()      {}
func (RunningDataInfo) frameEvent() {}
func (BMSDataInfo) frameEvent()     {}
func (UploadAck) frameEvent()       {}
func (RawFrame) frameEvent()        {}

// Route classifies frame by its command byte and parses it. It reports false
// for frames too short to carry a command and for frames of a known command
// that fail header, CRC or length validation. Unknown commands are passed
// through as RawFrame without validation.
func Route(frame []byte) (Event, bool) {
	ev, err := Parse(frame)
	if err != nil {
		return nil, false
	}
	return ev, true
}

// Parse is Route with the reason for a rejected frame.
func Parse(frame []byte) (Event, error) {
	if len(frame) < 2 {
		return nil, errShortFrame
	}
	cmd := Command(frame[1])

	switch {
	case cmd == CmdVersion, cmd == CmdConfig, cmd == CmdRunningData, cmd == CmdBMSData, cmd.IsUpload():
	default:
		raw := make([]byte, len(frame))
		copy(raw, frame)
		return RawFrame{Command: cmd, Frame: raw}, nil
	}

	p, err := payloadOf(frame)
	if err != nil {
		return nil, err
	}

	var (
		ev   Event
		perr error
	)
	switch {
	case cmd == CmdVersion:
		ev, perr = parseVersionInfo(p)
	case cmd == CmdConfig:
		ev, perr = parseConfig(p)
	case cmd == CmdRunningData:
		ev, perr = parseRunningData(p)
	case cmd == CmdBMSData:
		ev, perr = parseBMSData(p)
	default:
		ev, perr = parseUploadAck(cmd, p)
	}
	if perr != nil {
		return nil, perr
	}
	return ev, nil
}
