package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bashclaw/bashclaw/internal/providers"
)

// Compaction modes.
const (
	CompactTruncate = "truncate"
	CompactSummary  = "summary"
)

const (
	compactFloor        = 6 // never keep fewer records than this
	summaryMaxTokens    = 2048
	summaryTemperature  = 0.3
	compactedMarkerText = "[Session compacted]"
)

const summarizerSystemPrompt = `You are a conversation summarizer. Produce a concise summary of the conversation so far that preserves: user goals and preferences, decisions made, important facts and names, unfinished tasks, and any commitments. Write plain prose, no headers. Keep it under 2000 tokens.`

// Compactor shrinks session logs. Summary mode needs a provider; truncate
// mode is pure.
type Compactor struct {
	mgr *Manager
}

// NewCompactor creates a compactor over the manager.
func NewCompactor(mgr *Manager) *Compactor {
	return &Compactor{mgr: mgr}
}

// Compact runs the configured mode and increments compactionCount. Summary
// mode falls back to truncate when the summarizer call fails.
func (c *Compactor) Compact(ctx context.Context, key, mode string, reserveTokens int, provider providers.Provider, model string) error {
	var err error
	switch mode {
	case CompactSummary:
		err = c.compactSummary(ctx, key, provider, model)
		if err != nil {
			slog.Warn("summary compaction failed, falling back to truncate",
				"session", key, "error", err)
			err = c.compactTruncate(key, reserveTokens)
		}
	default:
		err = c.compactTruncate(key, reserveTokens)
	}
	if err != nil {
		return err
	}
	return c.mgr.UpdateMeta(key, func(m *Meta) { m.CompactionCount++ })
}

// compactTruncate keeps the newest N records whose total size fits in the
// reserve budget (reserveTokens × 4 chars), halving the candidate count
// from len/2 downward with a floor of compactFloor records.
func (c *Compactor) compactTruncate(key string, reserveTokens int) error {
	lock := c.mgr.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	entries, err := c.mgr.backing.Read(key)
	if err != nil {
		return err
	}
	header, body := splitHeader(entries)
	if len(body) <= compactFloor {
		return nil
	}

	budget := reserveTokens * 4
	keep := len(body) / 2
	for keep > compactFloor && entriesChars(body[len(body)-keep:]) > budget {
		keep /= 2
	}
	if keep < compactFloor {
		keep = compactFloor
	}
	kept := body[len(body)-keep:]

	out := make([]Entry, 0, len(kept)+1)
	if header != nil {
		out = append(out, *header)
	}
	out = append(out, kept...)
	if err := c.mgr.backing.Replace(key, out); err != nil {
		return err
	}
	slog.Info("session truncated", "session", key, "kept", keep, "dropped", len(body)-keep)
	return nil
}

// compactSummary summarizes the oldest 80% of records into one synthetic
// system record and keeps the newest 20% (at least compactFloor).
func (c *Compactor) compactSummary(ctx context.Context, key string, provider providers.Provider, model string) error {
	if provider == nil {
		return fmt.Errorf("summary compaction needs a provider")
	}
	lock := c.mgr.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	entries, err := c.mgr.backing.Read(key)
	if err != nil {
		return err
	}
	header, body := splitHeader(entries)
	if len(body) <= compactFloor {
		return nil
	}

	keep := len(body) / 5
	if keep < compactFloor {
		keep = compactFloor
	}
	if keep >= len(body) {
		return nil
	}
	old, kept := body[:len(body)-keep], body[len(body)-keep:]

	resp, err := provider.Chat(ctx, providers.ChatRequest{
		Model:       model,
		System:      summarizerSystemPrompt,
		MaxTokens:   summaryMaxTokens,
		Temperature: summaryTemperature,
		Messages: []providers.Message{{
			Role:    "user",
			Content: renderForSummary(old),
		}},
	})
	if err != nil {
		return fmt.Errorf("summarize session %s: %w", key, err)
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return fmt.Errorf("summarizer returned empty summary")
	}

	marker := NewMessage(RoleSystem, compactedMarkerText+" "+summary)
	marker.Compacted = true

	out := make([]Entry, 0, len(kept)+2)
	if header != nil {
		out = append(out, *header)
	}
	out = append(out, marker)
	out = append(out, kept...)
	if err := c.mgr.backing.Replace(key, out); err != nil {
		return err
	}
	slog.Info("session summarized", "session", key,
		"summarized", len(old), "kept", len(kept))
	return nil
}

func splitHeader(entries []Entry) (*Entry, []Entry) {
	var header *Entry
	body := make([]Entry, 0, len(entries))
	for i := range entries {
		if entries[i].Type == TypeSession && header == nil {
			header = &entries[i]
			continue
		}
		body = append(body, entries[i])
	}
	return header, body
}

func entriesChars(entries []Entry) int {
	total := 0
	for _, e := range entries {
		total += len(e.Content) + len(e.ToolName)
		for k, v := range e.ToolInput {
			total += len(k) + len(fmt.Sprint(v))
		}
	}
	return total
}

// renderForSummary flattens entries into a readable transcript for the
// summarizer prompt.
func renderForSummary(entries []Entry) string {
	var b strings.Builder
	b.WriteString("Summarize this conversation:\n\n")
	for _, e := range entries {
		switch e.Type {
		case TypeMessage:
			fmt.Fprintf(&b, "%s: %s\n", e.Role, e.Content)
		case TypeToolCall:
			fmt.Fprintf(&b, "assistant called tool %s\n", e.ToolName)
		case TypeToolResult:
			text := e.Content
			if len(text) > 500 {
				text = text[:500] + "..."
			}
			fmt.Fprintf(&b, "tool result: %s\n", text)
		}
	}
	return b.String()
}
