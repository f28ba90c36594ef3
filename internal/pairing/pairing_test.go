package pairing

import (
	"testing"

	"github.com/bashclaw/bashclaw/internal/state"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := state.NewRoot(t.TempDir())
	if err := root.EnsureTree(); err != nil {
		t.Fatal(err)
	}
	return NewStore(root)
}

func TestPairingFlow(t *testing.T) {
	s := newTestStore(t)
	if s.IsVerified("telegram", "42") {
		t.Fatal("unknown sender verified")
	}

	code, err := s.Begin("telegram", "42")
	if err != nil {
		t.Fatal(err)
	}
	if len(code) != codeDigits {
		t.Errorf("code = %q", code)
	}

	pending, err := s.Pending()
	if err != nil || len(pending) != 1 || pending[0].Sender != "42" {
		t.Fatalf("pending = %+v, %v", pending, err)
	}

	req, err := s.Approve(code)
	if err != nil {
		t.Fatal(err)
	}
	if req.Channel != "telegram" || req.Sender != "42" {
		t.Errorf("approved = %+v", req)
	}
	if !s.IsVerified("telegram", "42") {
		t.Error("sender not verified after approve")
	}
	// Code is single-use.
	if _, err := s.Approve(code); err == nil {
		t.Error("code redeemed twice")
	}
}

func TestUnknownCode(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Approve("000000"); err == nil {
		t.Error("unknown code approved")
	}
}

func TestRevoke(t *testing.T) {
	s := newTestStore(t)
	code, _ := s.Begin("discord", "u1")
	s.Approve(code)
	if err := s.Revoke("discord", "u1"); err != nil {
		t.Fatal(err)
	}
	if s.IsVerified("discord", "u1") {
		t.Error("still verified after revoke")
	}
	// Revoking twice is fine.
	if err := s.Revoke("discord", "u1"); err != nil {
		t.Error(err)
	}
}
