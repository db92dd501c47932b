// Package notifier announces upload outcomes over MQTT as CBOR messages.
package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"k8s.io/utils/clock"

	"github.com/librescoot/scooter-ota/pkg/bus"
	"github.com/librescoot/scooter-ota/pkg/event"
	"github.com/librescoot/scooter-ota/pkg/log"
)

// Topic suffixes below Options.TopicPrefix.
const (
	TopicResult   = "upload/result"
	TopicProgress = "upload/progress"
)

const progressStep = 10

// Publisher sends one MQTT message.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Result is the payload on TopicResult.
type Result struct {
	Outcome    string `cbor:"1,keyasint"`
	Device     string `cbor:"2,keyasint,omitempty"`
	OldVersion string `cbor:"3,keyasint,omitempty"`
	NewVersion string `cbor:"4,keyasint,omitempty"`
	Error      string `cbor:"5,keyasint,omitempty"`
	Timestamp  int64  `cbor:"6,keyasint"`
}

// Progress is the payload on TopicProgress.
type Progress struct {
	Device    string `cbor:"2,keyasint,omitempty"`
	BytesSent int    `cbor:"7,keyasint"`
	Total     int    `cbor:"8,keyasint"`
	Percent   int    `cbor:"9,keyasint"`
}

type Notifier struct {
	pub    Publisher
	prefix string
	clock  clock.WithTickerAndDelayedExecution
	logger log.Logger
	enc    cbor.EncMode

	// owned by Run
	device      string
	lastPercent int
}

func New(pub Publisher, prefix string, clk clock.WithTickerAndDelayedExecution, logger log.Logger) (*Notifier, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = log.Std()
	}
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	return &Notifier{
		pub:         pub,
		prefix:      prefix,
		clock:       clk,
		logger:      logger.WithName("notifier"),
		enc:         enc,
		lastPercent: -1,
	}, nil
}

// Run consumes connection and upload events from sub until ctx is done or
// the subscription closes.
func (n *Notifier) Run(ctx context.Context, sub bus.Subscription) error {
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
			if err := n.Handle(ctx, ev); err != nil {
				n.logger.Warn("failed to publish notification", "error", err)
			}
		}
	}
}

func (n *Notifier) Handle(ctx context.Context, ev event.Event) error {
	switch e := ev.(type) {
	case event.Connected:
		n.device = e.Name
	case event.Ready:
		n.device = e.Name
	case event.UploadProgress:
		// one message per step keeps slow links from being flooded
		step := e.Percent / progressStep * progressStep
		if step == n.lastPercent {
			return nil
		}
		n.lastPercent = step
		return n.send(ctx, TopicProgress, Progress{
			Device:    n.device,
			BytesSent: e.BytesSent,
			Total:     e.TotalBytes,
			Percent:   e.Percent,
		})
	case event.UploadCompleted:
		n.lastPercent = -1
		return n.send(ctx, TopicResult, Result{
			Outcome:    "completed",
			Device:     e.DeviceName,
			OldVersion: e.OldVersion,
			NewVersion: e.NewVersion,
			Timestamp:  n.clock.Now().Unix(),
		})
	case event.UploadFailed:
		n.lastPercent = -1
		res := Result{Outcome: "failed", Device: n.device, Timestamp: n.clock.Now().Unix()}
		if e.Err != nil {
			res.Error = e.Err.Error()
		}
		return n.send(ctx, TopicResult, res)
	case event.UploadCancelled:
		n.lastPercent = -1
		return n.send(ctx, TopicResult, Result{Outcome: "cancelled", Device: n.device, Timestamp: n.clock.Now().Unix()})
	}
	return nil
}

func (n *Notifier) send(ctx context.Context, suffix string, v any) error {
	payload, err := n.enc.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", suffix, err)
	}
	topic := suffix
	if n.prefix != "" {
		topic = n.prefix + "/" + suffix
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := n.pub.Publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	n.logger.Debug("published", "topic", topic, "bytes", len(payload))
	return nil
}
