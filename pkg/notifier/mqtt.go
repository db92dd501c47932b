package notifier

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/librescoot/scooter-ota/pkg/log"
)

// MQTTClient publishes over an autopaho managed connection that reconnects
// on its own.
type MQTTClient struct {
	cm     *autopaho.ConnectionManager
	qos    byte
	logger log.Logger
}

// DialMQTT starts the connection manager. It returns before the first
// connection is up; Publish waits for it.
func DialMQTT(ctx context.Context, opts *Options, logger log.Logger) (*MQTTClient, error) {
	if logger == nil {
		logger = log.Std()
	}
	brokerURL, err := url.Parse(opts.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid mqtt broker url: %w", err)
	}

	c := &MQTTClient{qos: byte(opts.QoS), logger: logger.WithName("mqtt")}
	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     opts.KeepAlive,
		CleanStartOnInitialConnection: true,
		ReconnectBackoff:              autopaho.NewConstantBackoff(3 * time.Second),
		ConnectTimeout:                opts.ConnectTimeout,
		ConnectUsername:               opts.Username,
		ConnectPassword:               []byte(opts.Password),
		ClientConfig: paho.ClientConfig{
			ClientID:           opts.ClientID,
			OnClientError:      c.onClientError,
			OnServerDisconnect: c.onServerDisconnect,
		},
		OnConnectionUp: c.onConnectionUp,
		OnConnectError: c.onConnectError,
	}

	c.logger.Info("starting mqtt client", "broker", opts.BrokerURL, "client_id", opts.ClientID)
	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.cm = cm
	return c, nil
}

func (c *MQTTClient) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := c.cm.AwaitConnection(ctx); err != nil {
		return fmt.Errorf("mqtt not connected: %w", err)
	}
	_, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     c.qos,
		Payload: payload,
	})
	return err
}

func (c *MQTTClient) Disconnect(ctx context.Context) {
	if err := c.cm.Disconnect(ctx); err != nil {
		c.logger.Debug("mqtt disconnect", "error", err)
		return
	}
	c.logger.Info("mqtt client disconnected")
}

func (c *MQTTClient) onConnectionUp(_ *autopaho.ConnectionManager, _ *paho.Connack) {
	c.logger.Info("mqtt connection established")
}

func (c *MQTTClient) onConnectError(err error) {
	c.logger.Error(err, "mqtt connection failed, retrying")
}

func (c *MQTTClient) onClientError(err error) {
	c.logger.Error(err, "mqtt client error")
}

func (c *MQTTClient) onServerDisconnect(d *paho.Disconnect) {
	if d.Properties != nil {
		c.logger.Warn("mqtt server requested disconnect", "reason", d.Properties.ReasonString)
		return
	}
	c.logger.Warn("mqtt server requested disconnect", "reason_code", d.ReasonCode)
}
