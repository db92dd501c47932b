package upload

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librescoot/scooter-ota/pkg/event"
	"github.com/librescoot/scooter-ota/pkg/log"
	"github.com/librescoot/scooter-ota/pkg/protocol"
)

// reply decides how the fake bootloader answers the n-th frame (0-based)
// with the given command. It returns the acks to deliver and an optional
// send error.
type reply func(n int, cmd protocol.Command, seq uint16) ([]protocol.UploadAck, error)

func okReply(_ int, cmd protocol.Command, seq uint16) ([]protocol.UploadAck, error) {
	return []protocol.UploadAck{{Command: cmd, Status: protocol.StatusOK, Seq: seq}}, nil
}

type fakeBootloader struct {
	mu     sync.Mutex
	engine *Engine
	reply  reply
	frames [][]byte
}

func (f *fakeBootloader) SendFrame(frame []byte) error {
	f.mu.Lock()
	n := len(f.frames)
	f.frames = append(f.frames, append([]byte(nil), frame...))
	reply := f.reply
	f.mu.Unlock()

	cmd := protocol.Command(frame[1])
	var seq uint16
	if cmd == protocol.CmdUploadData {
		seq = uint16(frame[2]) | uint16(frame[3])<<8
	}
	acks, err := reply(n, cmd, seq)
	for _, ack := range acks {
		f.engine.HandleAck(ack)
	}
	return err
}

func (f *fakeBootloader) commands() []protocol.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Command, len(f.frames))
	for i, frame := range f.frames {
		out[i] = protocol.Command(frame[1])
	}
	return out
}

func (f *fakeBootloader) count(cmd protocol.Command) int {
	n := 0
	for _, c := range f.commands() {
		if c == cmd {
			n++
		}
	}
	return n
}

func newEngine(r reply, opts ...Option) (*Engine, *fakeBootloader, *event.Recorder) {
	rec := event.NewRecorder()
	dev := &fakeBootloader{reply: r}
	opts = append([]Option{
		WithPublisher(rec),
		WithLogger(log.NewNopLogger()),
		WithAckTimeout(50 * time.Millisecond),
		WithEraseTimeout(50 * time.Millisecond),
		WithCompleteTimeout(50 * time.Millisecond),
	}, opts...)
	e := New(dev, opts...)
	dev.engine = e
	return e, dev, rec
}

func image(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func TestUploadCompletes(t *testing.T) {
	e, dev, rec := newEngine(okReply, WithChunkSize(128))
	img := image(300)

	res, err := e.Upload(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 300, res.BytesSent)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, PhaseCompleted, e.Phase())

	assert.Equal(t, []protocol.Command{
		protocol.CmdUploadRequest,
		protocol.CmdUploadErase,
		protocol.CmdUploadData,
		protocol.CmdUploadData,
		protocol.CmdUploadData,
		protocol.CmdUploadComplete,
	}, dev.commands())

	var written []byte
	for _, frame := range dev.frames {
		if protocol.Command(frame[1]) == protocol.CmdUploadData {
			written = append(written, frame[4:len(frame)-2]...)
		}
	}
	assert.Equal(t, img, written)
	assert.Equal(t, protocol.UploadRequest(300, protocol.CRC16(img, 0)), dev.frames[0])

	progress := event.Find[event.UploadProgress](rec)
	require.Len(t, progress, 3)
	for i := 1; i < len(progress); i++ {
		assert.Greater(t, progress[i].BytesSent, progress[i-1].BytesSent)
	}
	assert.Equal(t, event.UploadProgress{BytesSent: 300, TotalBytes: 300, Percent: 100}, progress[2])
	assert.NotEmpty(t, event.Find[event.UploadLog](rec))
}

func TestChunkSizeBoundedByWriteSize(t *testing.T) {
	e, dev, _ := newEngine(okReply, WithChunkSize(200), WithMaxWriteSize(100))
	assert.Equal(t, 100-protocol.ChunkOverhead, e.ChunkSize())

	_, err := e.Upload(context.Background(), image(200))
	require.NoError(t, err)
	for _, frame := range dev.frames {
		assert.LessOrEqual(t, len(frame), 100)
	}
	assert.Equal(t, 3, dev.count(protocol.CmdUploadData))
}

func TestEraseNackSendsNoData(t *testing.T) {
	e, dev, rec := newEngine(func(n int, cmd protocol.Command, seq uint16) ([]protocol.UploadAck, error) {
		if cmd == protocol.CmdUploadErase {
			return []protocol.UploadAck{{Command: cmd, Status: protocol.StatusFlashError}}, nil
		}
		return okReply(n, cmd, seq)
	})

	res, err := e.Upload(context.Background(), image(64))
	var nack *NackError
	require.ErrorAs(t, err, &nack)
	assert.Equal(t, PhaseErasing, nack.Phase)
	assert.Equal(t, protocol.StatusFlashError, nack.Status)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, PhaseErasing, res.Phase)
	assert.Equal(t, PhaseFailed, e.Phase())
	assert.Zero(t, dev.count(protocol.CmdUploadData))
	assert.Empty(t, event.Find[event.UploadProgress](rec))
}

func TestRequestTimeoutIsNotRetried(t *testing.T) {
	e, dev, _ := newEngine(func(int, protocol.Command, uint16) ([]protocol.UploadAck, error) {
		return nil, nil
	})

	_, err := e.Upload(context.Background(), image(10))
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, PhaseRequesting, timeout.Phase)
	assert.Equal(t, []protocol.Command{protocol.CmdUploadRequest}, dev.commands())
}

func TestChunkSendErrorIsRetried(t *testing.T) {
	failed := false
	e, dev, _ := newEngine(func(n int, cmd protocol.Command, seq uint16) ([]protocol.UploadAck, error) {
		if cmd == protocol.CmdUploadData && seq == 1 && !failed {
			failed = true
			return nil, errors.New("gatt write failed")
		}
		return okReply(n, cmd, seq)
	}, WithChunkSize(16))

	res, err := e.Upload(context.Background(), image(40))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retries)
	assert.Equal(t, 4, dev.count(protocol.CmdUploadData))
}

func TestChunkRetriesExhausted(t *testing.T) {
	linkErr := errors.New("link lost")
	e, dev, _ := newEngine(func(n int, cmd protocol.Command, seq uint16) ([]protocol.UploadAck, error) {
		if cmd == protocol.CmdUploadData {
			return nil, linkErr
		}
		return okReply(n, cmd, seq)
	}, WithChunkRetries(2))

	res, err := e.Upload(context.Background(), image(10))
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.ErrorIs(t, err, linkErr)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 3, dev.count(protocol.CmdUploadData))
	assert.Zero(t, dev.count(protocol.CmdUploadComplete))
}

func TestChunkAckTimeoutIsRetried(t *testing.T) {
	dropped := false
	e, dev, _ := newEngine(func(n int, cmd protocol.Command, seq uint16) ([]protocol.UploadAck, error) {
		if cmd == protocol.CmdUploadData && !dropped {
			dropped = true
			return nil, nil
		}
		return okReply(n, cmd, seq)
	})

	res, err := e.Upload(context.Background(), image(10))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retries)
	assert.Equal(t, 2, dev.count(protocol.CmdUploadData))
}

func TestDataNackFails(t *testing.T) {
	e, dev, _ := newEngine(func(n int, cmd protocol.Command, seq uint16) ([]protocol.UploadAck, error) {
		if cmd == protocol.CmdUploadData {
			return []protocol.UploadAck{{Command: cmd, Status: protocol.StatusBadChecksum, Seq: seq}}, nil
		}
		return okReply(n, cmd, seq)
	})

	_, err := e.Upload(context.Background(), image(10))
	var nack *NackError
	require.ErrorAs(t, err, &nack)
	assert.Equal(t, PhaseTransferring, nack.Phase)
	assert.Equal(t, 1, dev.count(protocol.CmdUploadData), "a nack is not retried")
}

func TestStaleSequenceAckIgnored(t *testing.T) {
	e, _, _ := newEngine(func(n int, cmd protocol.Command, seq uint16) ([]protocol.UploadAck, error) {
		if cmd == protocol.CmdUploadData && seq > 0 {
			return []protocol.UploadAck{
				{Command: cmd, Status: protocol.StatusOK, Seq: seq - 1},
				{Command: cmd, Status: protocol.StatusOK, Seq: seq},
			}, nil
		}
		return okReply(n, cmd, seq)
	}, WithChunkSize(4))

	res, err := e.Upload(context.Background(), image(12))
	require.NoError(t, err)
	assert.Zero(t, res.Retries)
}

func TestUnexpectedAckFails(t *testing.T) {
	e, dev, _ := newEngine(func(n int, cmd protocol.Command, seq uint16) ([]protocol.UploadAck, error) {
		if cmd == protocol.CmdUploadErase {
			return []protocol.UploadAck{{Command: protocol.CmdUploadComplete}}, nil
		}
		return okReply(n, cmd, seq)
	})

	res, err := e.Upload(context.Background(), image(10))
	var unexpected *UnexpectedAckError
	require.ErrorAs(t, err, &unexpected)
	assert.Equal(t, PhaseErasing, unexpected.Phase)
	assert.Equal(t, protocol.CmdUploadComplete, unexpected.Command)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Zero(t, dev.count(protocol.CmdUploadData))
}

func TestCompleteNackFails(t *testing.T) {
	e, _, rec := newEngine(func(n int, cmd protocol.Command, seq uint16) ([]protocol.UploadAck, error) {
		if cmd == protocol.CmdUploadComplete {
			return []protocol.UploadAck{{Command: cmd, Status: protocol.StatusImageInvalid}}, nil
		}
		return okReply(n, cmd, seq)
	})

	res, err := e.Upload(context.Background(), image(10))
	var nack *NackError
	require.ErrorAs(t, err, &nack)
	assert.Equal(t, PhaseCompleting, nack.Phase)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Len(t, event.Find[event.UploadProgress](rec), 1, "progress was reported before completion failed")
}

func TestCancelDuringTransfer(t *testing.T) {
	var e *Engine
	e, dev, _ := newEngine(func(n int, cmd protocol.Command, seq uint16) ([]protocol.UploadAck, error) {
		if cmd == protocol.CmdUploadData && seq == 1 {
			e.Cancel()
			return nil, nil
		}
		return okReply(n, cmd, seq)
	}, WithChunkSize(8), WithAckTimeout(time.Second))

	res, err := e.Upload(context.Background(), image(64))
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Equal(t, PhaseTransferring, res.Phase)
	assert.Equal(t, PhaseCancelled, e.Phase())
	assert.Equal(t, 2, dev.count(protocol.CmdUploadData), "no chunk is sent after cancel")
	assert.Zero(t, dev.count(protocol.CmdUploadComplete))
}

func TestCancelViaContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e, _, _ := newEngine(func(n int, cmd protocol.Command, seq uint16) ([]protocol.UploadAck, error) {
		if cmd == protocol.CmdUploadErase {
			cancel()
			return nil, nil
		}
		return okReply(n, cmd, seq)
	}, WithEraseTimeout(time.Second))

	res, err := e.Upload(ctx, image(10))
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
}

func TestBusy(t *testing.T) {
	sent := make(chan struct{}, 1)
	e, _, _ := newEngine(func(int, protocol.Command, uint16) ([]protocol.UploadAck, error) {
		sent <- struct{}{}
		return nil, nil
	}, WithAckTimeout(5*time.Second))

	done := make(chan error, 1)
	go func() {
		_, err := e.Upload(context.Background(), image(10))
		done <- err
	}()
	<-sent

	_, err := e.Upload(context.Background(), image(10))
	assert.ErrorIs(t, err, ErrBusy)

	e.Cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("upload did not observe cancel")
	}
}

func TestEmptyImage(t *testing.T) {
	e, dev, _ := newEngine(okReply)
	res, err := e.Upload(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyImage)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Empty(t, dev.commands())
}

func TestAckWithoutUploadIsDropped(t *testing.T) {
	e, _, _ := newEngine(okReply)
	assert.NotPanics(t, func() {
		e.HandleAck(protocol.UploadAck{Command: protocol.CmdUploadData})
	})
	e.Cancel()
	assert.Equal(t, PhaseIdle, e.Phase())
}
