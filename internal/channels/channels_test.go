package channels

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bashclaw/bashclaw/internal/bus"
	"github.com/bashclaw/bashclaw/internal/config"
)

// fakeChannel records sends and honors the running flag.
type fakeChannel struct {
	*BaseChannel
	mu   sync.Mutex
	sent []bus.OutboundMessage
}

func newFakeChannel(name string, router bus.MessageRouter) *fakeChannel {
	return &fakeChannel{BaseChannel: NewBaseChannel(name, router, config.ChannelSpec{AgentID: "main"})}
}

func (f *fakeChannel) Start(context.Context) error { f.SetRunning(true); return nil }
func (f *fakeChannel) Stop(context.Context) error  { f.SetRunning(false); return nil }

func (f *fakeChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestManagerDispatchesOutbound(t *testing.T) {
	mb := bus.NewMessageBus()
	ch := newFakeChannel("telegram", mb)
	m := NewManager(mb)
	m.Register(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.StartAll(ctx); err != nil {
		t.Fatal(err)
	}
	defer m.StopAll(context.Background())

	mb.PublishOutbound(bus.OutboundMessage{Channel: "telegram", ChatID: "42", Content: "hi"})
	waitFor(t, func() bool { return ch.sentCount() == 1 })

	ch.mu.Lock()
	got := ch.sent[0]
	ch.mu.Unlock()
	if got.ChatID != "42" || got.Content != "hi" {
		t.Errorf("delivered = %+v", got)
	}
}

func TestManagerSkipsInternalAndUnknown(t *testing.T) {
	mb := bus.NewMessageBus()
	ch := newFakeChannel("telegram", mb)
	m := NewManager(mb)
	m.Register(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.StartAll(ctx); err != nil {
		t.Fatal(err)
	}
	defer m.StopAll(context.Background())

	mb.PublishOutbound(bus.OutboundMessage{Channel: "cli", ChatID: "x", Content: "internal"})
	mb.PublishOutbound(bus.OutboundMessage{Channel: "matrix", ChatID: "x", Content: "unknown"})
	mb.PublishOutbound(bus.OutboundMessage{Channel: "telegram", ChatID: "1", Content: "real"})
	waitFor(t, func() bool { return ch.sentCount() == 1 })

	if ch.sentCount() != 1 {
		t.Errorf("sent = %d", ch.sentCount())
	}
}

func TestManagerSkipsStoppedChannel(t *testing.T) {
	mb := bus.NewMessageBus()
	ch := newFakeChannel("discord", mb)
	m := NewManager(mb)
	m.Register(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.StartAll(ctx); err != nil {
		t.Fatal(err)
	}
	defer m.StopAll(context.Background())

	ch.SetRunning(false)
	mb.PublishOutbound(bus.OutboundMessage{Channel: "discord", ChatID: "1", Content: "x"})
	ch.SetRunning(true)
	mb.PublishOutbound(bus.OutboundMessage{Channel: "discord", ChatID: "2", Content: "y"})
	waitFor(t, func() bool { return ch.sentCount() == 1 })

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.sent[0].ChatID != "2" {
		t.Errorf("delivered wrong message: %+v", ch.sent[0])
	}
}

func TestDeliverBypassesBus(t *testing.T) {
	mb := bus.NewMessageBus()
	ch := newFakeChannel("slack", mb)
	ch.SetRunning(true)
	m := NewManager(mb)
	m.Register(ch)

	if err := m.Deliver(context.Background(), bus.OutboundMessage{Channel: "slack", ChatID: "C1", Content: "direct"}); err != nil {
		t.Fatal(err)
	}
	if ch.sentCount() != 1 {
		t.Errorf("sent = %d", ch.sentCount())
	}
	if err := m.Deliver(context.Background(), bus.OutboundMessage{Channel: "nope"}); err == nil {
		t.Error("delivery to unregistered channel succeeded")
	}
}

func TestStatuses(t *testing.T) {
	mb := bus.NewMessageBus()
	m := NewManager(mb)
	a := newFakeChannel("telegram", mb)
	a.SetRunning(true)
	m.Register(a)
	m.Register(newFakeChannel("discord", mb))

	got := m.Statuses()
	if len(got) != 2 || got[0].Name != "discord" || got[1].Name != "telegram" {
		t.Fatalf("statuses = %+v", got)
	}
	if got[0].Running || !got[1].Running {
		t.Errorf("running flags = %+v", got)
	}
}

func TestBaseChannelPublishesInbound(t *testing.T) {
	mb := bus.NewMessageBus()
	base := NewBaseChannel("telegram", mb, config.ChannelSpec{AgentID: "support"})
	base.HandleMessage("u1", "chat9", "hello", "direct", map[string]string{"message_id": "7"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := mb.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound message published")
	}
	if msg.Channel != "telegram" || msg.SenderID != "u1" || msg.ChatID != "chat9" {
		t.Errorf("inbound = %+v", msg)
	}
	if msg.AgentID != "support" || msg.PeerKind != "direct" || msg.Metadata["message_id"] != "7" {
		t.Errorf("inbound = %+v", msg)
	}
}

func TestTextLimitOverride(t *testing.T) {
	mb := bus.NewMessageBus()
	base := NewBaseChannel("telegram", mb, config.ChannelSpec{TextLimit: 100})
	if base.TextLimit() != 100 {
		t.Errorf("limit = %d", base.TextLimit())
	}
	base = NewBaseChannel("telegram", mb, config.ChannelSpec{})
	if base.TextLimit() != 4096 {
		t.Errorf("default limit = %d", base.TextLimit())
	}
}

func TestBuildSkipsDisabledAndUnknown(t *testing.T) {
	mb := bus.NewMessageBus()
	m := Build(config.ChannelsConfig{
		"telegram": {Enabled: false, Token: "t"},
		"mystery":  {Enabled: true},
	}, mb)
	if got := m.Statuses(); len(got) != 0 {
		t.Errorf("registered channels = %+v", got)
	}
}

func TestIsInternal(t *testing.T) {
	for _, name := range []string{"cli", "web", "system", "subagent"} {
		if !IsInternal(name) {
			t.Errorf("%s not internal", name)
		}
	}
	if IsInternal("telegram") {
		t.Error("telegram flagged internal")
	}
}
