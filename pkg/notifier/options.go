package notifier

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/pflag"
)

// Options configures the MQTT connection. An empty BrokerURL disables
// result notifications.
type Options struct {
	BrokerURL      string        `json:"broker-url" mapstructure:"broker-url"`
	ClientID       string        `json:"client-id" mapstructure:"client-id"`
	Username       string        `json:"username" mapstructure:"username"`
	Password       string        `json:"-" mapstructure:"password"`
	TopicPrefix    string        `json:"topic-prefix" mapstructure:"topic-prefix"`
	QoS            int           `json:"qos" mapstructure:"qos"`
	KeepAlive      uint16        `json:"keep-alive" mapstructure:"keep-alive"`
	ConnectTimeout time.Duration `json:"connect-timeout" mapstructure:"connect-timeout"`
}

func NewOptions() *Options {
	return &Options{
		ClientID:       "scooter-ota",
		TopicPrefix:    "scooter-ota",
		QoS:            1,
		KeepAlive:      60,
		ConnectTimeout: 5 * time.Second,
	}
}

func (o *Options) Enabled() bool {
	return o.BrokerURL != ""
}

func (o *Options) Validate() []error {
	if !o.Enabled() {
		return nil
	}
	var errs []error
	if _, err := url.Parse(o.BrokerURL); err != nil {
		errs = append(errs, fmt.Errorf("--mqtt.broker-url: %w", err))
	}
	if o.QoS < 0 || o.QoS > 2 {
		errs = append(errs, fmt.Errorf("--mqtt.qos must be 0, 1 or 2"))
	}
	if o.ClientID == "" {
		errs = append(errs, fmt.Errorf("--mqtt.client-id must be set"))
	}
	return errs
}

func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.BrokerURL, "mqtt.broker-url", o.BrokerURL, "MQTT broker URL, e.g. mqtt://localhost:1883. Empty disables notifications.")
	fs.StringVar(&o.ClientID, "mqtt.client-id", o.ClientID, "MQTT client id.")
	fs.StringVar(&o.Username, "mqtt.username", o.Username, "MQTT username.")
	fs.StringVar(&o.Password, "mqtt.password", o.Password, "MQTT password.")
	fs.StringVar(&o.TopicPrefix, "mqtt.topic-prefix", o.TopicPrefix, "Prefix of every published topic.")
	fs.IntVar(&o.QoS, "mqtt.qos", o.QoS, "QoS of published messages.")
	fs.Uint16Var(&o.KeepAlive, "mqtt.keep-alive", o.KeepAlive, "Keep alive in seconds.")
	fs.DurationVar(&o.ConnectTimeout, "mqtt.connect-timeout", o.ConnectTimeout, "Timeout of a single connection attempt.")
}
