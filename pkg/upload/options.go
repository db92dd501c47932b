package upload

import (
	"time"

	"k8s.io/utils/clock"

	"github.com/librescoot/scooter-ota/pkg/event"
	"github.com/librescoot/scooter-ota/pkg/log"
	"github.com/librescoot/scooter-ota/pkg/protocol"
)

const (
	DefaultChunkSize       = 128
	DefaultMaxWriteSize    = 244
	DefaultAckTimeout      = 5 * time.Second
	DefaultEraseTimeout    = 30 * time.Second
	DefaultCompleteTimeout = 10 * time.Second
	DefaultChunkRetries    = 3
)

// Config holds the engine configuration.
type Config struct {
	// ChunkSize is the preferred number of firmware bytes per data frame.
	ChunkSize int

	// MaxWriteSize is the transport's write limit. Chunks are shrunk so that
	// a data frame never exceeds it.
	MaxWriteSize int

	// AckTimeout bounds the wait for request and data acknowledgements.
	AckTimeout time.Duration

	// EraseTimeout bounds the wait for the erase acknowledgement.
	EraseTimeout time.Duration

	// CompleteTimeout bounds the wait for the final acknowledgement.
	CompleteTimeout time.Duration

	// ChunkRetries is how many times a chunk is resent after a send error or
	// a missing acknowledgement.
	ChunkRetries int

	Publisher event.Publisher
	Logger    log.Logger
	Clock     clock.WithTickerAndDelayedExecution
}

func defaultConfig() Config {
	return Config{
		ChunkSize:       DefaultChunkSize,
		MaxWriteSize:    DefaultMaxWriteSize,
		AckTimeout:      DefaultAckTimeout,
		EraseTimeout:    DefaultEraseTimeout,
		CompleteTimeout: DefaultCompleteTimeout,
		ChunkRetries:    DefaultChunkRetries,
		Publisher:       event.Nop,
		Clock:           clock.RealClock{},
	}
}

// effectiveChunkSize is the chunk size after applying the write limit.
func (c Config) effectiveChunkSize() int {
	size := c.ChunkSize
	if limit := c.MaxWriteSize - protocol.ChunkOverhead; limit < size {
		size = limit
	}
	if size < 1 {
		size = 1
	}
	return size
}

// Option is a functional option for configuring the Engine.
type Option func(*Config)

// WithChunkSize sets the preferred chunk size in bytes.
func WithChunkSize(size int) Option {
	return func(c *Config) {
		if size > 0 {
			c.ChunkSize = size
		}
	}
}

// WithMaxWriteSize sets the transport's write limit.
func WithMaxWriteSize(size int) Option {
	return func(c *Config) {
		if size > protocol.ChunkOverhead {
			c.MaxWriteSize = size
		}
	}
}

func WithAckTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.AckTimeout = d
		}
	}
}

func WithEraseTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.EraseTimeout = d
		}
	}
}

func WithCompleteTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.CompleteTimeout = d
		}
	}
}

// WithChunkRetries sets how often a chunk is resent. Zero disables resends.
func WithChunkRetries(n int) Option {
	return func(c *Config) {
		if n >= 0 {
			c.ChunkRetries = n
		}
	}
}

// WithPublisher sets where progress and log events go.
func WithPublisher(p event.Publisher) Option {
	return func(c *Config) {
		if p != nil {
			c.Publisher = p
		}
	}
}

func WithLogger(l log.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithClock replaces the clock used for acknowledgement timeouts.
func WithClock(clk clock.WithTickerAndDelayedExecution) Option {
	return func(c *Config) {
		if clk != nil {
			c.Clock = clk
		}
	}
}
