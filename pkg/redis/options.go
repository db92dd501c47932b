package redis

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

// Options configures the redis connection. An empty Addr disables every
// redis-backed component.
type Options struct {
	Addr        string        `json:"addr" mapstructure:"addr"`
	Password    string        `json:"-" mapstructure:"password"`
	DB          int           `json:"db" mapstructure:"db"`
	DialTimeout time.Duration `json:"dial-timeout" mapstructure:"dial-timeout"`
}

func NewOptions() *Options {
	return &Options{
		DialTimeout: 5 * time.Second,
	}
}

// Enabled reports whether a redis server is configured.
func (o *Options) Enabled() bool {
	return o.Addr != ""
}

func (o *Options) Validate() []error {
	var errs []error
	if o.DB < 0 {
		errs = append(errs, fmt.Errorf("--redis.db must not be negative"))
	}
	if o.Enabled() && o.DialTimeout <= 0 {
		errs = append(errs, fmt.Errorf("--redis.dial-timeout must be positive"))
	}
	return errs
}

func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Addr, "redis.addr", o.Addr, "Redis address (host:port). Empty disables result recording and telemetry mirroring.")
	fs.StringVar(&o.Password, "redis.password", o.Password, "Redis password.")
	fs.IntVar(&o.DB, "redis.db", o.DB, "Redis database number.")
	fs.DurationVar(&o.DialTimeout, "redis.dial-timeout", o.DialTimeout, "Timeout for establishing the redis connection.")
}
