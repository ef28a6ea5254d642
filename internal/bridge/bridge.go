package bridge

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"github.com/dshills/modframe/internal/event"
	"github.com/dshills/modframe/internal/metrics"
)

// Metadata keys set on every outbound message.
const (
	MetadataChannel = "modframe_channel"
	MetadataSource  = "modframe_source"
)

// DefaultTopicPrefix is prepended to channel names to form topics.
const DefaultTopicPrefix = "modframe."

var codec = sonic.ConfigStd

// Envelope is the JSON body of a bridged message.
type Envelope struct {
	Channel string    `json:"channel"`
	Source  string    `json:"source"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// Option configures a Bridge.
type Option func(*config)

type config struct {
	logger  zerolog.Logger
	metrics *metrics.Metrics
	prefix  string
	source  string
}

// WithLogger sets the bridge logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// WithTopicPrefix sets the topic prefix.
func WithTopicPrefix(prefix string) Option {
	return func(c *config) {
		c.prefix = prefix
	}
}

// WithSource sets the source name stamped on outbound messages. Inbound
// messages carrying the same source are skipped.
func WithSource(source string) Option {
	return func(c *config) {
		c.source = source
	}
}

type attachment struct {
	serial uint64
	id     event.SubscriptionID
}

// Bridge forwards calls on a set of bus channels to a publisher.
type Bridge struct {
	bus *event.Bus[any]
	pub message.Publisher
	cfg config

	mu       sync.Mutex
	channels []string
	attached map[string]attachment
	closed   bool
}

// New creates a bridge for the named channels. Channels are attached by
// Sync once they exist.
func New(bus *event.Bus[any], pub message.Publisher, channels []string, opts ...Option) (*Bridge, error) {
	if pub == nil {
		return nil, ErrPublisherRequired
	}
	cfg := config{
		logger: zerolog.Nop(),
		prefix: DefaultTopicPrefix,
		source: "modframe",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Bridge{
		bus:      bus,
		pub:      pub,
		cfg:      cfg,
		channels: append([]string(nil), channels...),
		attached: make(map[string]attachment),
	}, nil
}

// Topic returns the topic a channel is published on.
func (b *Bridge) Topic(channel string) string {
	return b.cfg.prefix + channel
}

// Sync subscribes to every configured channel that exists and is not yet
// attached. A channel destroyed and created again is attached anew. It
// returns the number of attached channels.
func (b *Bridge) Sync() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}

	for _, name := range b.channels {
		serial, err := b.bus.Serial(name)
		att, ok := b.attached[name]
		if err != nil {
			if ok {
				delete(b.attached, name)
				b.cfg.logger.Debug().Str("channel", name).Msg("bridged channel destroyed")
			}
			continue
		}
		if ok && att.serial == serial {
			continue
		}
		id, err := b.bus.Subscribe(name, b.forward(name))
		if err != nil {
			b.cfg.logger.Debug().Err(err).Str("channel", name).Msg("attach bridged channel")
			continue
		}
		b.attached[name] = attachment{serial: id.Channel, id: id}
		b.cfg.logger.Info().Str("channel", name).Str("topic", b.Topic(name)).Msg("channel bridged")
	}
	return len(b.attached)
}

// Attached returns the attached channel names in sorted order.
func (b *Bridge) Attached() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.attached))
	for name := range b.attached {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b *Bridge) forward(channel string) event.Func[any] {
	topic := b.Topic(channel)
	return func(payload any) {
		data, err := codec.Marshal(Envelope{
			Channel: channel,
			Source:  b.cfg.source,
			Time:    time.Now().UTC(),
			Payload: payload,
		})
		if err != nil {
			b.cfg.metrics.BridgeMessage("out", "error")
			b.cfg.logger.Warn().Err(err).Str("channel", channel).Msg("encode bridged payload")
			return
		}
		msg := message.NewMessage(newMessageID(), data)
		msg.Metadata.Set(MetadataChannel, channel)
		msg.Metadata.Set(MetadataSource, b.cfg.source)
		if err := b.pub.Publish(topic, msg); err != nil {
			b.cfg.metrics.BridgeMessage("out", "error")
			b.cfg.logger.Warn().Err(err).Str("topic", topic).Msg("publish bridged message")
			return
		}
		b.cfg.metrics.BridgeMessage("out", "ok")
	}
}

// Consume calls channel with the payload of every message received on
// topic until ctx is done. Messages published by this bridge's source are
// acknowledged and skipped.
func (b *Bridge) Consume(ctx context.Context, sub message.Subscriber, topic, channel string) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	msgs, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			b.deliver(channel, msg)
		}
	}
}

func (b *Bridge) deliver(channel string, msg *message.Message) {
	defer msg.Ack()

	if msg.Metadata.Get(MetadataSource) == b.cfg.source {
		return
	}
	var env Envelope
	if err := codec.Unmarshal(msg.Payload, &env); err != nil {
		b.cfg.metrics.BridgeMessage("in", "error")
		b.cfg.logger.Warn().Err(err).Str("message", msg.UUID).Msg("decode bridged message")
		return
	}
	if err := b.bus.Call(channel, env.Payload); err != nil {
		b.cfg.metrics.BridgeMessage("in", "error")
		b.cfg.logger.Warn().Err(err).Str("channel", channel).Msg("deliver bridged message")
		return
	}
	b.cfg.metrics.BridgeMessage("in", "ok")
}

// Close detaches every channel. The publisher is not closed.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	for name, att := range b.attached {
		if _, err := b.bus.Unsubscribe(name, att.id); err != nil && !errors.Is(err, event.ErrChannelNotFound) {
			errs = append(errs, err)
		}
	}
	b.attached = nil
	return errors.Join(errs...)
}
