package options

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/librescoot/scooter-ota/pkg/log"
	"github.com/librescoot/scooter-ota/pkg/notifier"
	"github.com/librescoot/scooter-ota/pkg/redis"
	"github.com/librescoot/scooter-ota/pkg/store"
)

// EnvPrefix prefixes every environment variable, e.g. SCOOTER_OTA_REDIS_ADDR.
const EnvPrefix = "SCOOTER_OTA"

// Options is the complete configuration of the scooter-ota command.
type Options struct {
	ConfigFile string `json:"-" mapstructure:"config"`

	Log       *log.Options      `json:"log" mapstructure:"log"`
	Transport *TransportOptions `json:"transport" mapstructure:"transport"`
	Session   *SessionOptions   `json:"session" mapstructure:"session"`
	Upload    *UploadOptions    `json:"upload" mapstructure:"upload"`
	Store     *store.Options    `json:"store" mapstructure:"store"`
	S3        *store.S3Options  `json:"s3" mapstructure:"s3"`
	Redis     *redis.Options    `json:"redis" mapstructure:"redis"`
	MQTT      *notifier.Options `json:"mqtt" mapstructure:"mqtt"`
	Metrics   *MetricsOptions   `json:"metrics" mapstructure:"metrics"`
}

func NewOptions() *Options {
	return &Options{
		Log:       log.NewOptions(),
		Transport: NewTransportOptions(),
		Session:   NewSessionOptions(),
		Upload:    NewUploadOptions(),
		Store:     store.NewOptions(),
		S3:        store.NewS3Options(),
		Redis:     redis.NewOptions(),
		MQTT:      notifier.NewOptions(),
		Metrics:   NewMetricsOptions(),
	}
}

// AddFlags registers every option on fs.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&o.ConfigFile, "config", "c", o.ConfigFile, "Path to a YAML configuration file.")
	o.Log.AddFlags(fs)
	o.Transport.AddFlags(fs)
	o.Session.AddFlags(fs)
	o.Upload.AddFlags(fs)
	o.Store.AddFlags(fs)
	o.S3.AddFlags(fs)
	o.Redis.AddFlags(fs)
	o.MQTT.AddFlags(fs)
	o.Metrics.AddFlags(fs)
}

// Validate returns every option error joined.
func (o *Options) Validate() error {
	var errs []error
	errs = append(errs, o.Log.Validate()...)
	errs = append(errs, o.Transport.Validate()...)
	errs = append(errs, o.Session.Validate()...)
	errs = append(errs, o.Upload.Validate()...)
	errs = append(errs, o.Store.Validate()...)
	errs = append(errs, o.S3.Validate()...)
	errs = append(errs, o.Redis.Validate()...)
	errs = append(errs, o.MQTT.Validate()...)
	errs = append(errs, o.Metrics.Validate()...)
	return errors.Join(errs...)
}

// Load layers the configuration file and SCOOTER_OTA_* environment
// variables over the flag values in fs. Flags set on the command line win.
func (o *Options) Load(fs *pflag.FlagSet) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}

	if o.ConfigFile != "" {
		v.SetConfigFile(o.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(o); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}
