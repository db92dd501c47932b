package bus

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librescoot/scooter-ota/pkg/event"
)

func receive(t *testing.T, ch Subscription) any {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishRoutesByTopic(t *testing.T) {
	b := New(nil)
	defer b.Close()

	upload := b.Subscribe(event.TopicUpload)
	warn := b.Subscribe(event.TopicWarning)

	b.Publish(event.UploadProgress{BytesSent: 10, TotalBytes: 100, Percent: 10})
	b.Publish(event.Warning{Message: "record", Err: errors.New("redis down")})

	assert.Equal(t, event.UploadProgress{BytesSent: 10, TotalBytes: 100, Percent: 10}, receive(t, upload))
	got, ok := receive(t, warn).(event.Warning)
	require.True(t, ok)
	assert.Equal(t, "record: redis down", got.String())

	select {
	case msg := <-upload:
		t.Fatalf("unexpected event on upload topic: %v", msg)
	default:
	}
}

func TestSubscribeAllTopics(t *testing.T) {
	b := New(nil)
	defer b.Close()

	all := b.Subscribe()
	b.Publish(event.Connected{Name: "S1"})
	b.Publish(event.RunningData{})

	assert.Equal(t, event.Connected{Name: "S1"}, receive(t, all))
	assert.IsType(t, event.RunningData{}, receive(t, all))
}

func TestUnsubscribe(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch := b.Subscribe(event.TopicConnection)
	b.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open, "channel is closed once it has no topics left")
}
