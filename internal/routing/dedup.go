package routing

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"github.com/bashclaw/bashclaw/internal/state"
)

// Deduper drops repeated deliveries of the same inbound message within a
// TTL. Channels that redeliver on reconnect (webhook retries, socket-mode
// replays) lean on this.
type Deduper struct {
	root *state.Root
	ttl  time.Duration
}

// NewDeduper creates a deduper. ttlSeconds <= 0 disables it.
func NewDeduper(root *state.Root, ttlSeconds int) *Deduper {
	if ttlSeconds <= 0 {
		return nil
	}
	return &Deduper{root: root, ttl: time.Duration(ttlSeconds) * time.Second}
}

// Seen reports whether this exact (channel, sender, content, messageID)
// tuple was already admitted within the TTL, and records it if not. A nil
// deduper never reports seen.
func (d *Deduper) Seen(channel, sender, messageID, content string) bool {
	if d == nil {
		return false
	}
	sum := sha256.Sum256([]byte(channel + "\x00" + sender + "\x00" + messageID + "\x00" + content))
	path := filepath.Join(d.root.DedupDir(), hex.EncodeToString(sum[:16]))

	if info, err := os.Stat(path); err == nil {
		if time.Since(info.ModTime()) < d.ttl {
			return true
		}
	}
	_ = state.WriteFileAtomic(path, []byte{'1'}, 0o600)
	return false
}

// Sweep removes expired markers. Called periodically by the gateway.
func (d *Deduper) Sweep() {
	if d == nil {
		return
	}
	entries, err := os.ReadDir(d.root.DedupDir())
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-d.ttl)
	for _, e := range entries {
		info, err := e.Info()
		if err == nil && info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(d.root.DedupDir(), e.Name()))
		}
	}
}
