package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/dshills/modframe/internal/event"
	"github.com/dshills/modframe/internal/metrics"
)

func newPubSub(t *testing.T) *gochannel.GoChannel {
	t.Helper()
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, NewLoggerAdapter(zerolog.Nop()))
	t.Cleanup(func() { _ = ps.Close() })
	return ps
}

func receive(t *testing.T, msgs <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-msgs:
		msg.Ack()
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestNewRequiresPublisher(t *testing.T) {
	if _, err := New(event.NewBus[any](), nil, nil); !errors.Is(err, ErrPublisherRequired) {
		t.Errorf("err = %v, want ErrPublisherRequired", err)
	}
}

func TestForwardsChannelCalls(t *testing.T) {
	bus := event.NewBus[any]()
	ps := newPubSub(t)
	m := metrics.New(prometheus.NewRegistry())

	b, err := New(bus, ps, []string{"runner", "later"}, WithSource("main"), WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	msgs, err := ps.Subscribe(context.Background(), b.Topic("runner"))
	if err != nil {
		t.Fatal(err)
	}

	if err := bus.Create("runner"); err != nil {
		t.Fatal(err)
	}
	if n := b.Sync(); n != 1 {
		t.Fatalf("Sync() = %d, want 1", n)
	}
	if n := b.Sync(); n != 1 {
		t.Fatalf("second Sync() = %d, want 1", n)
	}
	if err := bus.Call("runner", 16*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	msg := receive(t, msgs)
	if _, err := ulid.ParseStrict(msg.UUID); err != nil {
		t.Errorf("message id %q is not a ULID: %v", msg.UUID, err)
	}
	if msg.Metadata.Get(MetadataChannel) != "runner" || msg.Metadata.Get(MetadataSource) != "main" {
		t.Errorf("metadata = %v", msg.Metadata)
	}
	var env Envelope
	if err := codec.Unmarshal(msg.Payload, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Channel != "runner" || env.Source != "main" {
		t.Errorf("envelope = %+v", env)
	}
	if v, ok := env.Payload.(float64); !ok || time.Duration(v) != 16*time.Millisecond {
		t.Errorf("payload = %#v", env.Payload)
	}
}

func TestSyncReattachesRecreatedChannel(t *testing.T) {
	bus := event.NewBus[any]()
	ps := newPubSub(t)
	b, _ := New(bus, ps, []string{"c"})
	defer b.Close()

	_ = bus.Create("c")
	b.Sync()
	_ = bus.Destroy("c")
	if n := b.Sync(); n != 0 {
		t.Errorf("Sync() after destroy = %d, want 0", n)
	}
	_ = bus.Create("c")
	if n := b.Sync(); n != 1 {
		t.Errorf("Sync() after recreate = %d, want 1", n)
	}
	if subs, _ := bus.Subscribers("c"); subs != 1 {
		t.Errorf("subscribers = %d, want 1", subs)
	}
	if got := b.Attached(); len(got) != 1 || got[0] != "c" {
		t.Errorf("Attached() = %v", got)
	}
}

func TestUnencodablePayloadIsDropped(t *testing.T) {
	bus := event.NewBus[any]()
	ps := newPubSub(t)
	b, _ := New(bus, ps, []string{"c"})
	defer b.Close()

	msgs, _ := ps.Subscribe(context.Background(), b.Topic("c"))
	_ = bus.Create("c")
	b.Sync()

	if err := bus.Call("c", func() {}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if err := bus.Call("c", "ok"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	msg := receive(t, msgs)
	var env Envelope
	_ = codec.Unmarshal(msg.Payload, &env)
	if env.Payload != "ok" {
		t.Errorf("payload = %#v, want ok", env.Payload)
	}
}

func TestConsumeCallsChannel(t *testing.T) {
	bus := event.NewBus[any]()
	ps := newPubSub(t)

	sender, _ := New(event.NewBus[any](), ps, nil, WithSource("remote"))
	receiver, _ := New(bus, ps, nil, WithSource("local"))
	defer receiver.Close()

	_ = bus.Create("inbox")
	var (
		mu  sync.Mutex
		got []any
	)
	done := make(chan struct{}, 1)
	_, _ = bus.Subscribe("inbox", func(p any) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	consumed := make(chan error, 1)
	go func() { consumed <- receiver.Consume(ctx, ps, "modframe.inbox", "inbox") }()

	// gochannel drops messages published before the subscription exists.
	deadline := time.Now().Add(5 * time.Second)
	for delivered := false; !delivered; {
		sender.forward("inbox")("hello")
		select {
		case <-done:
			delivered = true
		case <-time.After(20 * time.Millisecond):
			if time.Now().After(deadline) {
				t.Fatal("timed out waiting for delivery")
			}
		}
	}

	// Own messages are skipped.
	receiver.forward("inbox")("echo")
	time.Sleep(100 * time.Millisecond)

	cancel()
	if err := <-consumed; err != nil {
		t.Errorf("Consume: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) == 0 || got[0] != "hello" {
		t.Errorf("got %v", got)
	}
	for _, p := range got {
		if p == "echo" {
			t.Error("message from own source was delivered")
		}
	}
}

func TestCloseDetaches(t *testing.T) {
	bus := event.NewBus[any]()
	b, _ := New(bus, newPubSub(t), []string{"c"})
	_ = bus.Create("c")
	b.Sync()

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if subs, _ := bus.Subscribers("c"); subs != 0 {
		t.Errorf("subscribers = %d, want 0", subs)
	}
	if n := b.Sync(); n != 0 {
		t.Errorf("Sync() after Close = %d", n)
	}
	if err := b.Consume(context.Background(), newPubSub(t), "t", "c"); !errors.Is(err, ErrClosed) {
		t.Errorf("Consume after Close = %v, want ErrClosed", err)
	}
}

func TestMessageIDsSortByTime(t *testing.T) {
	a := newMessageID()
	b := newMessageID()
	if !(a < b) {
		t.Errorf("ids not increasing: %s, %s", a, b)
	}
}
