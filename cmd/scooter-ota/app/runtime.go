package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/librescoot/scooter-ota/cmd/scooter-ota/app/options"
	"github.com/librescoot/scooter-ota/pkg/bus"
	"github.com/librescoot/scooter-ota/pkg/event"
	"github.com/librescoot/scooter-ota/pkg/log"
	"github.com/librescoot/scooter-ota/pkg/metrics"
	"github.com/librescoot/scooter-ota/pkg/notifier"
	"github.com/librescoot/scooter-ota/pkg/redis"
	"github.com/librescoot/scooter-ota/pkg/session"
	"github.com/librescoot/scooter-ota/pkg/telemetry"
	"github.com/librescoot/scooter-ota/pkg/transport"
	"github.com/librescoot/scooter-ota/pkg/transport/simulator"
	"github.com/librescoot/scooter-ota/pkg/usock"
)

// errDisconnected is returned when the controller drops the link while a
// command still needs it.
var errDisconnected = errors.New("controller disconnected")

// runtime is the set of components shared by the device commands.
type runtime struct {
	opts   *options.Options
	logger log.Logger

	bus     *bus.PubSubBus
	tr      transport.Transport
	closeTr func()
	sess    *session.Session
	redis   *redis.Client
}

func newRuntime(ctx context.Context, opts *options.Options) (*runtime, error) {
	logger := log.Std()
	rt := &runtime{
		opts:   opts,
		logger: logger,
		bus:    bus.New(logger),
	}

	if err := rt.openTransport(); err != nil {
		rt.bus.Close()
		return nil, err
	}

	cfg := opts.Session.Config()
	cfg.Publisher = rt.bus
	cfg.Logger = logger
	rt.sess = session.New(rt.tr, cfg)

	if opts.Redis.Enabled() {
		client, err := redis.New(ctx, opts.Redis, logger)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.redis = client
	}
	return rt, nil
}

func (rt *runtime) openTransport() error {
	o := rt.opts.Transport
	switch o.Kind {
	case options.TransportBLE:
		rt.tr = transport.NewBLE(transport.BLEConfig{
			AdapterID:    o.Adapter,
			NamePrefix:   o.NamePrefix,
			MaxWriteSize: o.MaxWriteSize,
		}, rt.logger)
		rt.closeTr = func() {}
	case options.TransportUSOCK:
		br, err := usock.OpenBridge(usock.BridgeConfig{
			Serial:           o.SerialNumber,
			HardwareRevision: o.HardwareRevision,
		}, o.SerialDevice, o.BaudRate, rt.logger)
		if err != nil {
			return err
		}
		rt.tr = br
		rt.closeTr = func() { _ = br.Close() }
	case options.TransportSimulator:
		cfg := simulator.DefaultConfig()
		cfg.TelemetryInterval = o.SimTelemetryInterval
		cfg.MaxWriteSize = o.MaxWriteSize
		sim := simulator.New(cfg, nil, rt.logger)
		rt.tr = sim
		rt.closeTr = sim.Close
	default:
		return fmt.Errorf("unknown transport %q", o.Kind)
	}
	return nil
}

// Close shuts everything down. Publishers stop before the bus does.
func (rt *runtime) Close() {
	if rt.sess != nil {
		rt.sess.Close()
	}
	if rt.closeTr != nil {
		rt.closeTr()
	}
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	rt.bus.Close()
}

// startBackground runs the optional consumers: metrics server, telemetry
// mirror and MQTT notifier. They stop when ctx is done.
func (rt *runtime) startBackground(ctx context.Context, g *errgroup.Group) error {
	if addr := rt.opts.Metrics.Addr; addr != "" {
		rt.serveMetrics(ctx, g, addr)
	}

	if rt.redis != nil {
		mirror := telemetry.New(rt.redis, rt.logger)
		rt.consume(ctx, g, mirror.Run, event.TopicConnection, event.TopicTelemetry)
	}

	if rt.opts.MQTT.Enabled() {
		client, err := notifier.DialMQTT(ctx, rt.opts.MQTT, rt.logger)
		if err != nil {
			return err
		}
		n, err := notifier.New(client, rt.opts.MQTT.TopicPrefix, nil, rt.logger)
		if err != nil {
			client.Disconnect(ctx)
			return err
		}
		rt.consume(ctx, g, n.Run, event.TopicConnection, event.TopicUpload)
		g.Go(func() error {
			<-ctx.Done()
			dctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			client.Disconnect(dctx)
			return nil
		})
	}
	return nil
}

func (rt *runtime) consume(ctx context.Context, g *errgroup.Group, run func(context.Context, bus.Subscription) error, topics ...event.Topic) {
	sub := rt.bus.Subscribe(topics...)
	g.Go(func() error {
		defer rt.bus.Unsubscribe(sub)
		return run(ctx, sub)
	})
}

func (rt *runtime) serveMetrics(ctx context.Context, g *errgroup.Group, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		rt.logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
}

// connect connects to id and waits until the controller has identified
// itself.
func (rt *runtime) connect(ctx context.Context, id string) (session.State, error) {
	sub := rt.bus.Subscribe(event.TopicConnection)
	defer rt.bus.Unsubscribe(sub)

	if err := rt.sess.Connect(id); err != nil {
		return session.State{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, rt.opts.Session.ReadyTimeout)
	defer cancel()
	err := await(ctx, sub, func(ev event.Event) (bool, error) {
		switch e := ev.(type) {
		case event.Ready:
			return true, nil
		case event.ConnectionFailed:
			return true, fmt.Errorf("connect %s: %w", id, e.Err)
		case event.VersionRequestTimeout:
			return true, fmt.Errorf("controller %s did not answer %d version requests", id, e.Attempts)
		case event.Disconnected:
			return true, errDisconnected
		}
		return false, nil
	})
	if err != nil {
		rt.sess.Disconnect()
		return session.State{}, err
	}
	return rt.sess.State(), nil
}

// await reads sub until match reports done or ctx ends.
func await(ctx context.Context, sub bus.Subscription, match func(event.Event) (bool, error)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub:
			if !ok {
				return errors.New("event bus closed")
			}
			ev, ok := msg.(event.Event)
			if !ok {
				continue
			}
			if done, err := match(ev); done {
				return err
			}
		}
	}
}
