// Package gateway is the always-on front door: it serves the REST API and
// websocket event feed, and runs the inbound message pipeline that connects
// channel adapters to the agent loop.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bashclaw/bashclaw/internal/agent"
	"github.com/bashclaw/bashclaw/internal/bus"
	"github.com/bashclaw/bashclaw/internal/channels"
	"github.com/bashclaw/bashclaw/internal/config"
	"github.com/bashclaw/bashclaw/internal/ratelimit"
	"github.com/bashclaw/bashclaw/internal/sessions"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Matches the config default so a zero port resolves the same either way.
const defaultPort = 18900

// Server hosts the REST API and websocket feed.
type Server struct {
	cfg        *config.Manager
	catalog    *config.Catalog
	sessions   *sessions.Manager
	channels   *channels.Manager
	loop       *agent.Loop
	dispatcher *Dispatcher
	feed       *wsFeed
	limiter    *ratelimit.Limiter
	started    time.Time

	httpServer *http.Server
}

// ServerDeps bundles the server's collaborators.
type ServerDeps struct {
	Config    *config.Manager
	Catalog   *config.Catalog
	Sessions  *sessions.Manager
	Channels  *channels.Manager
	Loop      *agent.Loop
	Dispatch  *Dispatcher
	Publisher bus.EventPublisher
}

// NewServer builds the server; Start brings up the listener.
func NewServer(deps ServerDeps) *Server {
	s := &Server{
		cfg:        deps.Config,
		catalog:    deps.Catalog,
		sessions:   deps.Sessions,
		channels:   deps.Channels,
		loop:       deps.Loop,
		dispatcher: deps.Dispatch,
		feed:       newWSFeed(deps.Publisher),
		started:    time.Now(),
	}
	if rpm := deps.Config.Current().Gateway.RateLimitRPM; rpm > 0 {
		s.limiter = ratelimit.New(rpm)
	}
	return s
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.authed(s.feed.handle))
	mux.HandleFunc("GET /api/status", s.authed(s.handleStatus))
	mux.HandleFunc("GET /api/config", s.authed(s.handleConfigGet))
	mux.HandleFunc("PUT /api/config", s.authed(s.handleConfigPut))
	mux.HandleFunc("GET /api/models", s.authed(s.handleModels))
	mux.HandleFunc("GET /api/sessions", s.authed(s.handleSessions))
	mux.HandleFunc("POST /api/sessions/clear", s.authed(s.handleSessionsClear))
	mux.HandleFunc("POST /api/chat", s.authed(s.handleChat))
	mux.HandleFunc("GET /api/channels", s.authed(s.handleChannels))
	mux.HandleFunc("GET /api/env", s.authed(s.handleEnvGet))
	mux.HandleFunc("PUT /api/env", s.authed(s.handleEnvPut))
	return mux
}

// Start binds the listener and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	gw := s.cfg.Current().Gateway
	host := gw.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := gw.Port
	if port == 0 {
		port = defaultPort
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen on %s: %w", addr, err)
	}
	s.httpServer = &http.Server{
		Handler:           s.mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	slog.Info("gateway listening", "addr", addr)
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// authed enforces the bearer token (when configured) and the request rate
// limit before delegating.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token := s.cfg.Current().Gateway.Token; token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != token {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		if s.limiter != nil {
			host, _, _ := net.SplitHostPort(r.RemoteAddr)
			if host == "" {
				host = r.RemoteAddr
			}
			if !s.limiter.Allow("gateway:" + host) {
				writeError(w, http.StatusTooManyRequests, "rate limited")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.cfg.Current()
	agents := []string{cfg.ResolveDefaultAgentID()}
	for _, e := range cfg.Agents.List {
		if e.ID != agents[0] {
			agents = append(agents, e.ID)
		}
	}
	keys, _ := s.sessions.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  Version,
		"uptime_s": int(time.Since(s.started).Seconds()),
		"agents":   agents,
		"sessions": len(keys),
	})
}

func (s *Server) handleConfigGet(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Current().MaskedCopy())
}

func (s *Server) handleConfigPut(w http.ResponseWriter, r *http.Request) {
	var incoming config.Config
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		writeError(w, http.StatusBadRequest, "invalid config body: "+err.Error())
		return
	}
	if err := incoming.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := config.Save(s.cfg.Path(), &incoming); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.cfg.Reload(); err != nil {
		writeError(w, http.StatusInternalServerError, "saved but reload failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	type modelRow struct {
		ID            string `json:"id"`
		Provider      string `json:"provider"`
		ContextWindow int    `json:"context_window"`
		MaxTokens     int    `json:"max_tokens"`
	}
	var rows []modelRow
	for name, p := range s.catalog.Providers {
		for _, m := range p.Models {
			rows = append(rows, modelRow{
				ID: m.ID, Provider: name,
				ContextWindow: m.ContextWindow, MaxTokens: m.MaxTokens,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"models":  rows,
		"aliases": s.catalog.Aliases,
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	keys, err := s.sessions.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	type row struct {
		Key         string `json:"key"`
		UpdatedAt   int64  `json:"updated_at,omitempty"`
		TotalTokens int64  `json:"total_tokens,omitempty"`
		Compactions int    `json:"compactions,omitempty"`
	}
	rows := make([]row, 0, len(keys))
	for _, k := range keys {
		meta, err := s.sessions.Meta(k)
		if err != nil {
			rows = append(rows, row{Key: k})
			continue
		}
		key := meta.SessionID
		if key == "" {
			key = k
		}
		rows = append(rows, row{
			Key:         key,
			UpdatedAt:   meta.UpdatedAt,
			TotalTokens: meta.TotalTokens,
			Compactions: meta.CompactionCount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": rows})
}

func (s *Server) handleSessionsClear(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Key == "" {
		writeError(w, http.StatusBadRequest, "key required")
		return
	}
	if err := s.sessions.Clear(body.Key); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string `json:"agent_id"`
		Channel string `json:"channel"`
		Sender  string `json:"sender"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Message == "" {
		writeError(w, http.StatusBadRequest, "message required")
		return
	}
	cfg := s.cfg.Current()
	if body.AgentID == "" {
		body.AgentID = cfg.ResolveDefaultAgentID()
	}
	if body.Channel == "" {
		body.Channel = "web"
	}
	if body.Sender == "" {
		body.Sender = "api"
	}

	spec := cfg.ResolveAgent(body.AgentID)
	content, blocked := GuardMessage(spec, body.Channel, body.Sender, body.Message)
	if blocked {
		writeError(w, http.StatusForbidden, "message rejected")
		return
	}

	text, err := s.loop.Run(r.Context(), agent.Request{
		AgentID:    body.AgentID,
		SessionKey: sessions.BuildDirectKey(body.AgentID, body.Channel, body.Sender),
		Message:    content,
		Channel:    body.Channel,
		Sender:     body.Sender,
	})
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	if agent.IsSilent(text) {
		text = ""
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

func (s *Server) handleChannels(w http.ResponseWriter, _ *http.Request) {
	var statuses []channels.ChannelStatus
	if s.channels != nil {
		statuses = s.channels.Statuses()
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": statuses})
}

func (s *Server) handleEnvGet(w http.ResponseWriter, _ *http.Request) {
	env := s.cfg.Current().Env
	masked := make(map[string]string, len(env))
	for k := range env {
		masked[k] = "***"
	}
	writeJSON(w, http.StatusOK, map[string]any{"env": masked})
}

func (s *Server) handleEnvPut(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Env map[string]string `json:"env"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Env == nil {
		writeError(w, http.StatusBadRequest, "env object required")
		return
	}
	cfg := s.cfg.Current()
	if cfg.Env == nil {
		cfg.Env = map[string]string{}
	}
	for k, v := range body.Env {
		if v == "" {
			delete(cfg.Env, k)
			continue
		}
		cfg.Env[k] = v
	}
	if err := config.Save(s.cfg.Path(), cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
