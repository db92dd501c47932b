package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/librescoot/scooter-ota/pkg/event"
	"github.com/librescoot/scooter-ota/pkg/metrics"
	"github.com/librescoot/scooter-ota/pkg/protocol"
)

// run is the state of one upload.
type run struct {
	e         *Engine
	ctx       context.Context
	image     []byte
	chunkSize int
	res       *Result
}

func (u *run) execute() error {
	size := uint32(len(u.image))
	crc := protocol.CRC16(u.image, 0)
	cfg := u.e.config

	u.e.fire(eventRequest)
	u.log("requesting upload of %d bytes (crc 0x%04X)", size, crc)
	if err := u.exchange(PhaseRequesting, protocol.CmdUploadRequest, protocol.UploadRequest(size, crc), cfg.AckTimeout); err != nil {
		return err
	}

	u.e.fire(eventErase)
	u.log("erasing flash")
	if err := u.exchange(PhaseErasing, protocol.CmdUploadErase, protocol.Erase(size), cfg.EraseTimeout); err != nil {
		return err
	}

	u.e.fire(eventTransfer)
	chunks := (len(u.image) + u.chunkSize - 1) / u.chunkSize
	u.log("sending %d chunks of up to %d bytes", chunks, u.chunkSize)
	for seq := 0; seq < chunks; seq++ {
		off := seq * u.chunkSize
		end := min(off+u.chunkSize, len(u.image))
		if err := u.sendChunk(uint16(seq), u.image[off:end]); err != nil {
			return err
		}
		u.res.Chunks++
		u.res.BytesSent = end
		metrics.UploadBytes.Add(float64(end - off))
		u.e.publish(event.UploadProgress{
			BytesSent:  end,
			TotalBytes: len(u.image),
			Percent:    end * 100 / len(u.image),
		})
		u.log("chunk %d/%d acknowledged (%d/%d bytes)", seq+1, chunks, end, len(u.image))
	}

	u.e.fire(eventComplete)
	u.log("finalizing image")
	if err := u.exchange(PhaseCompleting, protocol.CmdUploadComplete, protocol.Complete(size, crc), cfg.CompleteTimeout); err != nil {
		return err
	}
	u.log("device accepted image")
	return nil
}

// exchange sends frame once and waits for its acknowledgement.
func (u *run) exchange(phase Phase, cmd protocol.Command, frame []byte, timeout time.Duration) error {
	if err := u.send(phase, frame); err != nil {
		return err
	}
	_, err := u.await(phase, cmd, 0, timeout)
	return err
}

func (u *run) sendChunk(seq uint16, data []byte) error {
	frame := protocol.Chunk(seq, data)
	for attempt := 0; ; attempt++ {
		err := u.send(PhaseTransferring, frame)
		if err == nil {
			_, err = u.await(PhaseTransferring, protocol.CmdUploadData, seq, u.e.config.AckTimeout)
		}
		if err == nil {
			return nil
		}
		if !retryable(err) || attempt >= u.e.config.ChunkRetries {
			return err
		}
		u.res.Retries++
		metrics.UploadChunkRetries.Inc()
		u.e.logger.Warn("resending chunk", "seq", seq, "attempt", attempt+1, "error", err)
	}
}

func (u *run) send(phase Phase, frame []byte) error {
	if err := u.checkCancelled(); err != nil {
		return err
	}
	u.drain()
	if err := u.e.sender.SendFrame(frame); err != nil {
		return &SendError{Phase: phase, Err: err}
	}
	return nil
}

// drain discards acknowledgements left over from earlier attempts.
func (u *run) drain() {
	u.e.mu.Lock()
	ch := u.e.acks
	u.e.mu.Unlock()
	for {
		select {
		case ack := <-ch:
			u.e.logger.Debug("discarding stale ack", "command", ack.Command, "seq", ack.Seq)
		default:
			return
		}
	}
}

func (u *run) await(phase Phase, cmd protocol.Command, seq uint16, timeout time.Duration) (protocol.UploadAck, error) {
	u.e.mu.Lock()
	ch := u.e.acks
	u.e.mu.Unlock()

	timer := u.e.config.Clock.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-u.ctx.Done():
			return protocol.UploadAck{}, u.checkCancelled()
		case <-timer.C():
			return protocol.UploadAck{}, &TimeoutError{Phase: phase, Seq: int(seq)}
		case ack := <-ch:
			if ack.Command != cmd {
				return ack, &UnexpectedAckError{Phase: phase, Command: ack.Command}
			}
			if cmd == protocol.CmdUploadData && ack.Seq != seq {
				u.e.logger.Debug("ignoring ack for another chunk", "want", seq, "got", ack.Seq)
				continue
			}
			if !ack.OK() {
				return ack, &NackError{Phase: phase, Status: ack.Status}
			}
			return ack, nil
		}
	}
}

// checkCancelled maps a cancelled run to ErrCancelled. A context that ran
// out of time without Cancel being called is a failure.
func (u *run) checkCancelled() error {
	if u.e.isCancelled() {
		return ErrCancelled
	}
	err := u.ctx.Err()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("upload deadline: %w", err)
	default:
		return ErrCancelled
	}
}

func (u *run) log(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	u.e.logger.Info(msg)
	u.e.publish(event.UploadLog{Message: msg})
}
