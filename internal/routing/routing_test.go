package routing

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bashclaw/bashclaw/internal/bus"
	"github.com/bashclaw/bashclaw/internal/config"
	"github.com/bashclaw/bashclaw/internal/pairing"
	"github.com/bashclaw/bashclaw/internal/ratelimit"
	"github.com/bashclaw/bashclaw/internal/state"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Agents.DefaultID = "main"
	cfg.Bindings = []config.Binding{
		{AgentID: "vip", Channel: "telegram", Peer: &config.PeerRef{ID: "alice"}},
		{AgentID: "guild-bot", GuildID: "g1"},
		{AgentID: "team-bot", TeamID: "t1"},
		{AgentID: "acct-bot", AccountID: "acct-2"},
		{AgentID: "tg-default", Channel: "telegram"},
	}
	cfg.IdentityLinks = []config.IdentityLink{
		{Canonical: "boss", Peers: []string{"telegram:111", "discord:boss#1"}},
	}
	cfg.Channels = config.ChannelsConfig{
		"discord": {AgentID: "discord-agent"},
	}
	return cfg
}

func TestResolveAgentLevels(t *testing.T) {
	cfg := testConfig()
	cases := []struct {
		name string
		tgt  Target
		want string
	}{
		{"exact peer", Target{Channel: "telegram", Sender: "alice"}, "vip"},
		{"thread parent", Target{Channel: "telegram", Sender: "reply-guy", ParentPeer: "alice"}, "vip"},
		{"guild", Target{Channel: "discord", Sender: "x", GuildID: "g1"}, "guild-bot"},
		{"team", Target{Channel: "slack", Sender: "x", TeamID: "t1"}, "team-bot"},
		{"account", Target{Channel: "slack", Sender: "x", AccountID: "acct-2"}, "acct-bot"},
		{"bare channel binding", Target{Channel: "telegram", Sender: "nobody"}, "tg-default"},
		{"channel agentId", Target{Channel: "discord", Sender: "nobody"}, "discord-agent"},
		{"default", Target{Channel: "web", Sender: "nobody"}, "main"},
	}
	for _, tc := range cases {
		if got := ResolveAgent(cfg, tc.tgt); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestCanonicalSender(t *testing.T) {
	cfg := testConfig()
	if got := CanonicalSender(cfg, "telegram", "111"); got != "boss" {
		t.Errorf("canonical = %q", got)
	}
	if got := CanonicalSender(cfg, "telegram", "222"); got != "222" {
		t.Errorf("unlinked = %q", got)
	}
}

func newGatekeeper(t *testing.T) (*Gatekeeper, *pairing.Store) {
	t.Helper()
	root := state.NewRoot(t.TempDir())
	if err := root.EnsureTree(); err != nil {
		t.Fatal(err)
	}
	ps := pairing.NewStore(root)
	return NewGatekeeper(nil, ratelimit.New(30), ps), ps
}

func TestAdmitOpenDM(t *testing.T) {
	g, _ := newGatekeeper(t)
	cfg := testConfig()
	d := g.Admit(cfg, bus.InboundMessage{Channel: "telegram", SenderID: "u", Content: "hi", PeerKind: "direct"})
	if d.Verdict != VerdictAccept {
		t.Errorf("verdict = %+v", d)
	}
}

func TestAdmitAllowlist(t *testing.T) {
	g, _ := newGatekeeper(t)
	cfg := testConfig()
	cfg.Channels["telegram"] = config.ChannelSpec{DMPolicy: "allowlist", Allowlist: []string{"alice"}}

	d := g.Admit(cfg, bus.InboundMessage{Channel: "telegram", SenderID: "alice", PeerKind: "direct"})
	if d.Verdict != VerdictAccept {
		t.Errorf("allowlisted = %+v", d)
	}
	d = g.Admit(cfg, bus.InboundMessage{Channel: "telegram", SenderID: "mallory", PeerKind: "direct"})
	if d.Verdict != VerdictDeny || d.Reason != "not_allowlisted" {
		t.Errorf("stranger = %+v", d)
	}
}

func TestAdmitPairing(t *testing.T) {
	g, ps := newGatekeeper(t)
	cfg := testConfig()
	cfg.Channels["telegram"] = config.ChannelSpec{DMPolicy: "pairing"}

	msg := bus.InboundMessage{Channel: "telegram", SenderID: "newbie", PeerKind: "direct"}
	d := g.Admit(cfg, msg)
	if d.Verdict != VerdictPairing || !strings.Contains(d.Reply, "code") {
		t.Fatalf("unpaired = %+v", d)
	}

	pending, _ := ps.Pending()
	if len(pending) != 1 {
		t.Fatalf("pending = %+v", pending)
	}
	if _, err := ps.Approve(pending[0].Code); err != nil {
		t.Fatal(err)
	}
	if d := g.Admit(cfg, msg); d.Verdict != VerdictAccept {
		t.Errorf("paired = %+v", d)
	}
}

func TestAdmitGroupPolicies(t *testing.T) {
	g, _ := newGatekeeper(t)
	cfg := testConfig()
	cfg.Channels["discord"] = config.ChannelSpec{GroupPolicy: "mention-only", BotName: "clawbot"}

	d := g.Admit(cfg, bus.InboundMessage{Channel: "discord", SenderID: "u", PeerKind: "group", Content: "hey @ClawBot help"})
	if d.Verdict != VerdictAccept {
		t.Errorf("mentioned = %+v", d)
	}
	d = g.Admit(cfg, bus.InboundMessage{Channel: "discord", SenderID: "u", PeerKind: "group", Content: "unrelated chatter"})
	if d.Verdict != VerdictDeny || d.Reason != "no_mention" {
		t.Errorf("unmentioned = %+v", d)
	}

	cfg.Channels["discord"] = config.ChannelSpec{GroupPolicy: "disabled"}
	d = g.Admit(cfg, bus.InboundMessage{Channel: "discord", SenderID: "u", PeerKind: "group", Content: "anything"})
	if d.Verdict != VerdictDeny {
		t.Errorf("disabled group = %+v", d)
	}
}

func TestAdmitRateLimit(t *testing.T) {
	root := state.NewRoot(t.TempDir())
	root.EnsureTree()
	g := NewGatekeeper(nil, ratelimit.New(2), pairing.NewStore(root))
	cfg := testConfig()
	msg := bus.InboundMessage{Channel: "web", SenderID: "spammer", PeerKind: "direct"}
	g.Admit(cfg, msg)
	g.Admit(cfg, msg)
	if d := g.Admit(cfg, msg); d.Verdict != VerdictDeny || d.Reason != "rate_limited" {
		t.Errorf("third = %+v", d)
	}
}

func TestAutoReply(t *testing.T) {
	g, _ := newGatekeeper(t)
	cfg := testConfig()
	cfg.Channels["telegram"] = config.ChannelSpec{
		AutoReplies: []config.AutoReply{{Pattern: "ping|are you there", Response: "pong"}},
	}
	d := g.Admit(cfg, bus.InboundMessage{Channel: "telegram", SenderID: "u", PeerKind: "direct", Content: "PING"})
	if d.Verdict != VerdictAutoReply || d.Reply != "pong" {
		t.Errorf("auto-reply = %+v", d)
	}
}

func TestDebouncerMergesBurst(t *testing.T) {
	d := NewDebouncer()
	var mu sync.Mutex
	var got []string
	fire := func(merged string) {
		mu.Lock()
		got = append(got, merged)
		mu.Unlock()
	}
	d.Submit("k", "one", 30*time.Millisecond, fire)
	d.Submit("k", "two", 30*time.Millisecond, fire)
	d.Submit("k", "three", 30*time.Millisecond, fire)

	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "one\ntwo\nthree" {
		t.Errorf("fired = %q", got)
	}
}

func TestDebouncerZeroWindowFiresInline(t *testing.T) {
	d := NewDebouncer()
	fired := ""
	d.Submit("k", "now", 0, func(m string) { fired = m })
	if fired != "now" {
		t.Errorf("fired = %q", fired)
	}
}

func TestDeduper(t *testing.T) {
	root := state.NewRoot(t.TempDir())
	root.EnsureTree()
	d := NewDeduper(root, 60)
	if d.Seen("telegram", "u", "m1", "hello") {
		t.Error("first delivery seen")
	}
	if !d.Seen("telegram", "u", "m1", "hello") {
		t.Error("replay not seen")
	}
	if d.Seen("telegram", "u", "m2", "hello") {
		t.Error("different message id seen")
	}
	var nilDedup *Deduper
	if nilDedup.Seen("a", "b", "c", "d") {
		t.Error("nil deduper reported seen")
	}
}

func TestSplitMessage(t *testing.T) {
	if got := SplitMessage("short", 100); len(got) != 1 || got[0] != "short" {
		t.Errorf("short = %q", got)
	}
	if got := SplitMessage("", 100); got != nil {
		t.Errorf("empty = %q", got)
	}

	// Paragraph boundary preferred.
	text := "first paragraph\n\nsecond paragraph"
	got := SplitMessage(text, 20)
	if len(got) != 2 || got[0] != "first paragraph" || got[1] != "second paragraph" {
		t.Errorf("paragraph split = %q", got)
	}

	// Space fallback.
	got = SplitMessage("aaa bbb ccc ddd", 7)
	for _, c := range got {
		if len(c) > 7 {
			t.Errorf("chunk too long: %q", c)
		}
	}
	if strings.Join(got, " ") != "aaa bbb ccc ddd" {
		t.Errorf("space split lost text: %q", got)
	}

	// Hard cut when nothing else fits.
	got = SplitMessage(strings.Repeat("x", 25), 10)
	if len(got) != 3 || len(got[0]) != 10 {
		t.Errorf("hard cut = %q", got)
	}
}

func TestTextLimits(t *testing.T) {
	if TextLimit("telegram") != 4096 || TextLimit("discord") != 2000 {
		t.Error("channel limits wrong")
	}
	if TextLimit("unknown") != 4096 {
		t.Error("default limit wrong")
	}
	plan := PlanDelivery("discord", "u1", "th", "m9", "acct", 0)
	if plan.TextLimit != 2000 || plan.To != "u1" {
		t.Errorf("plan = %+v", plan)
	}
}
