package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bashclaw/bashclaw/internal/agent"
	"github.com/bashclaw/bashclaw/internal/audit"
	"github.com/bashclaw/bashclaw/internal/bus"
	"github.com/bashclaw/bashclaw/internal/config"
	"github.com/bashclaw/bashclaw/internal/cron"
	"github.com/bashclaw/bashclaw/internal/events"
	"github.com/bashclaw/bashclaw/internal/hooks"
	"github.com/bashclaw/bashclaw/internal/memory"
	"github.com/bashclaw/bashclaw/internal/pairing"
	"github.com/bashclaw/bashclaw/internal/providers"
	"github.com/bashclaw/bashclaw/internal/queue"
	"github.com/bashclaw/bashclaw/internal/ratelimit"
	"github.com/bashclaw/bashclaw/internal/routing"
	"github.com/bashclaw/bashclaw/internal/sessions"
	"github.com/bashclaw/bashclaw/internal/state"
	"github.com/bashclaw/bashclaw/internal/store"
	"github.com/bashclaw/bashclaw/internal/usage"
)

// runtime bundles the wired core shared by the gateway and the one-shot
// CLI commands.
type runtime struct {
	root     *state.Root
	cfg      *config.Manager
	backing  sessions.Backing
	catalog  *config.Catalog
	bus      *bus.MessageBus
	sessions *sessions.Manager
	engine   *queue.Engine
	pending  *queue.PendingStore
	events   *events.Queue
	hooks    *hooks.Registry
	memory   *memory.Store
	cron     *cron.Store
	usage    *usage.Tracker
	audit    *audit.Logger
	pairing  *pairing.Store
	gate     *routing.Gatekeeper
	loop     *agent.Loop
}

func resolveStateRoot() string {
	if stateRoot != "" {
		return stateRoot
	}
	if v := os.Getenv("BASHCLAW_STATE"); v != "" {
		return v
	}
	return state.DefaultRoot
}

// buildRuntime loads config and wires the core. Every command that talks
// to agents or state goes through here.
func buildRuntime() (*runtime, error) {
	root := state.NewRoot(resolveStateRoot())
	if err := root.EnsureTree(); err != nil {
		return nil, err
	}
	loadDotenv(root.Dir())

	cfgMgr, err := config.NewManager(resolveConfigPath(root.Dir()))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg := cfgMgr.Current()

	// Config may point at a different root than the flag default.
	if cfg.State.Root != "" && stateRoot == "" && os.Getenv("BASHCLAW_STATE") == "" {
		root = state.NewRoot(cfg.State.Root)
		if err := root.EnsureTree(); err != nil {
			return nil, err
		}
	}

	catalog, err := config.LoadCatalog(filepath.Join(root.Dir(), "models.json"))
	if err != nil {
		return nil, fmt.Errorf("load model catalog: %w", err)
	}

	mb := bus.NewMessageBus()
	backing, err := store.Open(cfg.State.Backing, root)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	sess := sessions.NewManager(backing)
	hookReg := hooks.NewRegistry()
	registerConfigHooks(hookReg, cfg)

	evq := events.NewQueue(root)
	engine := queue.NewEngine(root, cfg.LaneMax)
	auditLog := audit.New(root, boolOr(cfg.Security.AuditEnabled, true))
	pairingStore := pairing.NewStore(root)

	// security.rateLimitPerMin: 0 = default 30, negative = disabled.
	limiter := ratelimit.New(30)
	if rpm := cfg.Security.RateLimitPerMin; rpm > 0 {
		limiter = ratelimit.New(rpm)
	} else if rpm < 0 {
		limiter = nil
	}

	rt := &runtime{
		root:     root,
		cfg:      cfgMgr,
		backing:  backing,
		catalog:  catalog,
		bus:      mb,
		sessions: sess,
		engine:   engine,
		pending:  queue.NewPendingStore(root, nil),
		events:   evq,
		hooks:    hookReg,
		memory:   memory.NewStore(root),
		cron:     cron.NewStore(root),
		usage:    usage.NewTracker(root),
		audit:    auditLog,
		pairing:  pairingStore,
		gate:     routing.NewGatekeeper(auditLog, limiter, pairingStore),
	}

	rt.loop = agent.NewLoop(agent.Deps{
		Config:    cfgMgr,
		Catalog:   catalog,
		Sessions:  sess,
		Hooks:     hookReg,
		Events:    evq,
		Pending:   rt.pending,
		Engine:    engine,
		Usage:     rt.usage,
		Memory:    rt.memory,
		Root:      root,
		Cron:      rt.cron,
		Router:    mb,
		Publisher: mb,
		Providers: providers.ForModel,
		Audit:     auditLog,
	})
	return rt, nil
}

func (rt *runtime) close() {
	rt.cfg.Close()
	if c, ok := rt.backing.(io.Closer); ok {
		c.Close()
	}
}

// registerConfigHooks turns plugins.hooks entries into script hook
// registrations.
func registerConfigHooks(reg *hooks.Registry, cfg *config.Config) {
	for _, h := range cfg.Plugins.Hooks {
		if h.Name == "" || h.Event == "" || h.Script == "" {
			continue
		}
		reg.Register(hooks.Hook{
			Name:     h.Name,
			Event:    h.Event,
			Script:   h.Script,
			Enabled:  boolOr(h.Enabled, true),
			Priority: h.Priority,
			Strategy: h.Strategy,
			Source:   "config",
		})
	}
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
