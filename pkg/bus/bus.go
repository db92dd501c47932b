// Package bus fans events out to subscribers by topic.
package bus

import (
	"reflect"

	"github.com/cskr/pubsub"

	"github.com/librescoot/scooter-ota/pkg/event"
	"github.com/librescoot/scooter-ota/pkg/log"
)

const defaultCapacity = 128

type Subscription chan any

type MessageBus interface {
	event.Publisher
	Subscribe(topics ...event.Topic) Subscription
	Unsubscribe(ch Subscription, topics ...event.Topic)
	Close()
}

type PubSubBus struct {
	ps     *pubsub.PubSub
	logger log.Logger
}

var _ MessageBus = (*PubSubBus)(nil)

func New(logger log.Logger) *PubSubBus {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &PubSubBus{
		ps:     pubsub.New(defaultCapacity),
		logger: logger.WithName("bus"),
	}
}

func (b *PubSubBus) Publish(ev event.Event) {
	if ev == nil {
		return
	}
	b.logger.Debug("publish", "topic", ev.Topic(), "payload_type", payloadType(ev))
	b.ps.Pub(ev, string(ev.Topic()))
}

// Subscribe returns a channel receiving every event on topics. With no
// topics the subscription covers all of them.
func (b *PubSubBus) Subscribe(topics ...event.Topic) Subscription {
	if len(topics) == 0 {
		topics = event.Topics
	}
	ch := b.ps.Sub(toStrings(topics)...)
	b.logger.Debug("subscribe", "topics", topics)
	return ch
}

func (b *PubSubBus) Unsubscribe(ch Subscription, topics ...event.Topic) {
	if len(topics) == 0 {
		b.ps.Unsub(ch)
		b.logger.Debug("unsubscribe", "mode", "all")
		return
	}
	b.ps.Unsub(ch, toStrings(topics)...)
	b.logger.Debug("unsubscribe", "topics", topics)
}

func (b *PubSubBus) Close() {
	b.ps.Shutdown()
}

func toStrings(topics []event.Topic) []string {
	out := make([]string, len(topics))
	for i, t := range topics {
		out[i] = string(t)
	}
	return out
}

func payloadType(v any) string {
	if v == nil {
		return "<nil>"
	}
	return reflect.TypeOf(v).String()
}
