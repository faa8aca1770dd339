// Package eventbus publishes decoded scene events to a watermill publisher.
//
// Any message.Publisher works; NewChannel returns an in-process gochannel
// pub/sub for local consumers and tests:
//
//	pubsub := eventbus.NewChannel(logger)
//	bridge := eventbus.New(pubsub, eventbus.WithTopic("scene.events"))
//	bridge.Attach(m)
//	msgs, _ := pubsub.Subscribe(ctx, "scene.events")
package eventbus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/vango-dev/scenesync/pkg/messenger"
)

// DefaultTopic is the topic events are published on.
const DefaultTopic = "scenesync.events"

// Metadata keys set on every message.
const (
	MetaCode   = "scenesync_code"
	MetaSource = "scenesync_source"
)

// Payload is the JSON body of a published event.
type Payload struct {
	Code       uint32 `json:"code"`
	Sender     uint32 `json:"sender,omitempty"`
	SenderName string `json:"sender_name,omitempty"`
	Target     uint32 `json:"target,omitempty"`
	TargetName string `json:"target_name,omitempty"`
	Time       uint32 `json:"time"`
	Source     string `json:"source"`
	Data       []byte `json:"data,omitempty"`
}

// Bridge turns messenger events into watermill messages.
type Bridge struct {
	pub    message.Publisher
	topic  string
	codes  map[uint32]bool
	logger *slog.Logger

	published atomic.Int64
	failed    atomic.Int64
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithTopic sets the topic.
func WithTopic(topic string) Option {
	return func(b *Bridge) {
		b.topic = topic
	}
}

// WithCodes limits publishing to the given event codes.
func WithCodes(codes ...uint32) Option {
	return func(b *Bridge) {
		b.codes = make(map[uint32]bool, len(codes))
		for _, c := range codes {
			b.codes[c] = true
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// New creates a bridge publishing to pub.
func New(pub message.Publisher, opts ...Option) *Bridge {
	b := &Bridge{pub: pub, topic: DefaultTopic}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.logger = b.logger.With("component", "eventbus", "topic", b.topic)
	return b
}

// NewChannel creates an in-process pub/sub.
func NewChannel(logger *slog.Logger) *gochannel.GoChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NewSlogLogger(logger))
}

// Topic returns the topic events are published on.
func (b *Bridge) Topic() string { return b.topic }

// Published returns the number of events published.
func (b *Bridge) Published() int64 { return b.published.Load() }

// Failed returns the number of events the publisher refused.
func (b *Bridge) Failed() int64 { return b.failed.Load() }

// Attach publishes every event m dispatches from now on.
func (b *Bridge) Attach(m *messenger.Messenger) {
	m.OnEvent(func(ev *messenger.Event) {
		_ = b.Publish(m, ev)
	})
}

// Publish sends one event. Handles are resolved through m.
func (b *Bridge) Publish(m *messenger.Messenger, ev *messenger.Event) error {
	if b.codes != nil && !b.codes[ev.Code] {
		return nil
	}
	msg, err := Encode(m, ev)
	if err != nil {
		b.failed.Add(1)
		return err
	}
	if err := b.pub.Publish(b.topic, msg); err != nil {
		b.failed.Add(1)
		b.logger.Warn("publish failed", "code", ev.Code, "source", ev.Source, "error", err)
		return fmt.Errorf("eventbus: publish: %w", err)
	}
	b.published.Add(1)
	return nil
}

// Encode builds the message for ev. The event data is copied.
func Encode(m *messenger.Messenger, ev *messenger.Event) (*message.Message, error) {
	p := Payload{
		Code:   ev.Code,
		Time:   ev.Time,
		Source: ev.Source,
		Data:   ev.Data,
	}
	if ev.Sender != nil {
		p.Sender = uint32(m.HandleOf(ev.Sender))
		p.SenderName = nameOf(ev.Sender)
	}
	if ev.Target != nil {
		p.Target = uint32(m.HandleOf(ev.Target))
		p.TargetName = nameOf(ev.Target)
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("eventbus: encode: %w", err)
	}

	msg := message.NewMessage(watermill.NewULID(), body)
	msg.Metadata.Set(MetaCode, strconv.FormatUint(uint64(ev.Code), 10))
	msg.Metadata.Set(MetaSource, ev.Source)
	return msg, nil
}

// Decode parses a message published by a Bridge.
func Decode(msg *message.Message) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return Payload{}, fmt.Errorf("eventbus: decode %s: %w", msg.UUID, err)
	}
	return p, nil
}

func nameOf(obj messenger.Object) string {
	if n, ok := obj.(messenger.Named); ok {
		return n.Name()
	}
	return ""
}
