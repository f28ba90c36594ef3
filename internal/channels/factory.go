package channels

import (
	"log/slog"
	"sort"

	"github.com/bashclaw/bashclaw/internal/bus"
	"github.com/bashclaw/bashclaw/internal/config"
)

// Build constructs a Manager with one adapter per enabled channel entry.
// A misconfigured channel is logged and skipped; the rest still come up.
func Build(cfg config.ChannelsConfig, router bus.MessageRouter) *Manager {
	m := NewManager(router)

	names := make([]string, 0, len(cfg))
	for name := range cfg {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := cfg[name]
		if !spec.Enabled {
			continue
		}
		ch, err := newAdapter(name, spec, router)
		if err != nil {
			slog.Error("channel configuration rejected", "channel", name, "error", err)
			continue
		}
		m.Register(ch)
	}
	return m
}

func newAdapter(name string, spec config.ChannelSpec, router bus.MessageRouter) (Channel, error) {
	switch name {
	case "telegram":
		return NewTelegram(spec, router)
	case "discord":
		return NewDiscord(spec, router)
	case "slack":
		return NewSlack(spec, router)
	default:
		return nil, errUnknownChannel(name)
	}
}

type errUnknownChannel string

func (e errUnknownChannel) Error() string { return "unknown channel type: " + string(e) }
