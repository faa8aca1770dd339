package eventbus_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/scenesync/pkg/eventbus"
	"github.com/vango-dev/scenesync/pkg/messenger"
	"github.com/vango-dev/scenesync/pkg/scene"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMessenger() *messenger.Messenger {
	return messenger.New(
		messenger.WithRegistry(scene.NewRegistry()),
		messenger.WithLogger(quiet()),
	)
}

// stream encodes a node and the given events in one packet.
func stream(t *testing.T, codes ...uint32) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := newMessenger().StreamWriter(&buf)
	require.NoError(t, err)

	node := scene.NewNode("lamp")
	require.NoError(t, w.Begin())
	require.NoError(t, w.Save(node))
	for _, code := range codes {
		require.NoError(t, w.Event(code, node, nil, []byte{byte(code)}))
	}
	require.NoError(t, w.End())
	return buf.Bytes()
}

func TestBridgePublishesDecodedEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pubsub := eventbus.NewChannel(quiet())
	defer pubsub.Close()
	msgs, err := pubsub.Subscribe(ctx, "scene")
	require.NoError(t, err)

	m := newMessenger()
	bridge := eventbus.New(pubsub, eventbus.WithTopic("scene"), eventbus.WithLogger(quiet()))
	bridge.Attach(m)

	_, err = m.Load(ctx, bytes.NewReader(stream(t, 4)))
	require.NoError(t, err)
	assert.Equal(t, int64(1), bridge.Published())

	select {
	case msg := <-msgs:
		msg.Ack()
		p, err := eventbus.Decode(msg)
		require.NoError(t, err)
		assert.Equal(t, uint32(4), p.Code)
		assert.Equal(t, "lamp", p.SenderName)
		assert.NotZero(t, p.Sender)
		assert.Equal(t, []byte{4}, p.Data)
		assert.Equal(t, "4", msg.Metadata.Get(eventbus.MetaCode))
		assert.Equal(t, "stream", msg.Metadata.Get(eventbus.MetaSource))
	case <-ctx.Done():
		t.Fatal("no message published")
	}
}

func TestBridgeFiltersCodes(t *testing.T) {
	pub := &capture{}
	m := newMessenger()
	bridge := eventbus.New(pub, eventbus.WithCodes(2), eventbus.WithLogger(quiet()))
	bridge.Attach(m)

	_, err := m.Load(context.Background(), bytes.NewReader(stream(t, 1, 2, 3)))
	require.NoError(t, err)
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "2", pub.msgs[0].Metadata.Get(eventbus.MetaCode))
	assert.Equal(t, eventbus.DefaultTopic, pub.topic)
}

func TestBridgeCountsFailures(t *testing.T) {
	pub := &capture{err: errors.New("broker down")}
	m := newMessenger()
	bridge := eventbus.New(pub, eventbus.WithLogger(quiet()))

	err := bridge.Publish(m, &messenger.Event{Code: 1, Source: "test"})
	require.Error(t, err)
	assert.Equal(t, int64(1), bridge.Failed())
	assert.Zero(t, bridge.Published())
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := eventbus.Decode(message.NewMessage("x", []byte("{")))
	assert.Error(t, err)
}

type capture struct {
	topic string
	msgs  []*message.Message
	err   error
}

func (c *capture) Publish(topic string, msgs ...*message.Message) error {
	if c.err != nil {
		return c.err
	}
	c.topic = topic
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func (c *capture) Close() error { return nil }
