// Package recorder keeps a trace of firmware uploads in redis. Each attempt
// is a hash under ota:upload:<id>; every state change is announced on the
// ota:upload channel as "<id>:<status>".
package recorder

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/librescoot/scooter-ota/pkg/log"
	"github.com/librescoot/scooter-ota/pkg/updater"
)

const (
	KeyPrefix = "ota:upload:"
	Channel   = "ota:upload"

	StatusStarted = "started"
)

// DefaultTTL is how long a finished record is kept.
const DefaultTTL = 30 * 24 * time.Hour

// HashStore is the subset of the redis client used by the recorder.
type HashStore interface {
	WriteAndPublish(ctx context.Context, key string, fields map[string]any, channel, message string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Recorder implements updater.Recorder on top of a HashStore.
type Recorder struct {
	store  HashStore
	clock  clock.WithTickerAndDelayedExecution
	ttl    time.Duration
	logger log.Logger
	newID  func() string
}

var _ updater.Recorder = (*Recorder)(nil)

type Option func(*Recorder)

func WithClock(clk clock.WithTickerAndDelayedExecution) Option {
	return func(r *Recorder) { r.clock = clk }
}

// WithTTL sets the expiry applied once a record is finished. Zero keeps
// records forever.
func WithTTL(ttl time.Duration) Option {
	return func(r *Recorder) { r.ttl = ttl }
}

func WithLogger(l log.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

func New(store HashStore, opts ...Option) *Recorder {
	r := &Recorder{
		store:  store,
		clock:  clock.RealClock{},
		ttl:    DefaultTTL,
		logger: log.Std(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithName("recorder")
	return r
}

// CreateRecord stores a new record in the started state and returns its id.
func (r *Recorder) CreateRecord(ctx context.Context, rec updater.Record) (string, error) {
	id := r.newID()
	started := rec.StartedAt
	if started.IsZero() {
		started = r.clock.Now()
	}

	fields := map[string]any{
		"status":            StatusStarted,
		"serial":            rec.Serial,
		"scooter-id":        rec.ScooterID,
		"device-name":       rec.DeviceName,
		"hardware-revision": rec.HardwareRevision,
		"firmware-id":       rec.FirmwareID,
		"old-version":       rec.OldVersion,
		"new-version":       rec.NewVersion,
		"size":              strconv.Itoa(rec.Size),
		"started-at":        started.UTC().Format(time.RFC3339),
	}
	if err := r.store.WriteAndPublish(ctx, KeyPrefix+id, fields, Channel, message(id, StatusStarted)); err != nil {
		return "", fmt.Errorf("create upload record: %w", err)
	}
	r.logger.Debug("record created", "id", id, "serial", rec.Serial)
	return id, nil
}

// UpdateRecord moves a record to a terminal status.
func (r *Recorder) UpdateRecord(ctx context.Context, id, status, errMsg string) error {
	if id == "" {
		return errors.New("update upload record: empty id")
	}
	switch status {
	case updater.StatusCompleted, updater.StatusFailed, updater.StatusCancelled:
	default:
		return fmt.Errorf("update upload record %s: unknown status %q", id, status)
	}

	fields := map[string]any{
		"status":      status,
		"finished-at": r.clock.Now().UTC().Format(time.RFC3339),
	}
	if errMsg != "" {
		fields["error"] = errMsg
	}
	key := KeyPrefix + id
	if err := r.store.WriteAndPublish(ctx, key, fields, Channel, message(id, status)); err != nil {
		return fmt.Errorf("update upload record %s: %w", id, err)
	}
	if r.ttl > 0 {
		if err := r.store.Expire(ctx, key, r.ttl); err != nil {
			r.logger.Warn("could not set record expiry", "id", id, "error", err)
		}
	}
	return nil
}

func message(id, status string) string {
	return id + ":" + status
}

// HashReader reads a record back.
type HashReader interface {
	ReadHash(ctx context.Context, key string) (map[string]string, error)
}

// Get returns the fields of record id.
func Get(ctx context.Context, r HashReader, id string) (map[string]string, error) {
	if id == "" {
		return nil, errors.New("get upload record: empty id")
	}
	fields, err := r.ReadHash(ctx, KeyPrefix+id)
	if err != nil {
		return nil, fmt.Errorf("get upload record %s: %w", id, err)
	}
	return fields, nil
}

// ParseMessage splits a channel message into record id and status.
func ParseMessage(msg string) (id, status string, ok bool) {
	i := strings.LastIndexByte(msg, ':')
	if i <= 0 || i == len(msg)-1 {
		return "", "", false
	}
	return msg[:i], msg[i+1:], true
}
