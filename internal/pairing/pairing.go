// Package pairing implements code-based DM admission: unknown senders get a
// short-lived pairing code; an operator approves the code out of band and
// the sender lands in the verified set.
package pairing

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bashclaw/bashclaw/internal/state"
)

const (
	codeTTL    = 10 * time.Minute
	codeDigits = 6
)

// Request is a pending pairing request.
type Request struct {
	Code      string `json:"code"`
	Channel   string `json:"channel"`
	Sender    string `json:"sender"`
	CreatedAt int64  `json:"created_at"`
}

// Store persists pairing requests and the verified-sender set.
type Store struct {
	root *state.Root
}

// NewStore creates the store.
func NewStore(root *state.Root) *Store {
	return &Store{root: root}
}

func (s *Store) requestPath(code string) string {
	return filepath.Join(s.root.PairingDir(), state.SafeKey(code)+".json")
}

func (s *Store) verifiedPath(channel, sender string) string {
	return filepath.Join(s.root.VerifiedDir(), state.SafeKey(channel+":"+sender))
}

// IsVerified reports whether the sender has completed pairing.
func (s *Store) IsVerified(channel, sender string) bool {
	_, err := os.Stat(s.verifiedPath(channel, sender))
	return err == nil
}

// Begin issues (or re-issues) a pairing code for the sender.
func (s *Store) Begin(channel, sender string) (string, error) {
	code, err := randomCode()
	if err != nil {
		return "", err
	}
	req := Request{
		Code:      code,
		Channel:   channel,
		Sender:    sender,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := state.WriteJSONAtomic(s.requestPath(code), req, 0o600); err != nil {
		return "", fmt.Errorf("persist pairing request: %w", err)
	}
	return code, nil
}

// Approve redeems a code, marking its sender verified. Expired or unknown
// codes fail.
func (s *Store) Approve(code string) (Request, error) {
	var req Request
	if err := state.ReadJSON(s.requestPath(code), &req); err != nil {
		if os.IsNotExist(err) {
			return Request{}, fmt.Errorf("pairing: unknown code %q", code)
		}
		return Request{}, err
	}
	if time.Since(time.UnixMilli(req.CreatedAt)) > codeTTL {
		os.Remove(s.requestPath(code))
		return Request{}, fmt.Errorf("pairing: code %q expired", code)
	}
	if err := state.WriteFileAtomic(s.verifiedPath(req.Channel, req.Sender), []byte(code+"\n"), 0o600); err != nil {
		return Request{}, fmt.Errorf("persist verification: %w", err)
	}
	os.Remove(s.requestPath(code))
	return req, nil
}

// Pending lists outstanding (unexpired) requests.
func (s *Store) Pending() ([]Request, error) {
	paths, err := filepath.Glob(filepath.Join(s.root.PairingDir(), "*.json"))
	if err != nil {
		return nil, err
	}
	var out []Request
	for _, p := range paths {
		var req Request
		if err := state.ReadJSON(p, &req); err != nil {
			continue
		}
		if time.Since(time.UnixMilli(req.CreatedAt)) > codeTTL {
			os.Remove(p)
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

// Revoke removes a sender from the verified set.
func (s *Store) Revoke(channel, sender string) error {
	err := os.Remove(s.verifiedPath(channel, sender))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func randomCode() (string, error) {
	var buf [codeDigits]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	code := make([]byte, codeDigits)
	for i, b := range buf {
		code[i] = '0' + b%10
	}
	return string(code), nil
}
