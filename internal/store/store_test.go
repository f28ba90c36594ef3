package store

import (
	"testing"

	"github.com/bashclaw/bashclaw/internal/sessions"
	"github.com/bashclaw/bashclaw/internal/state"
	"github.com/bashclaw/bashclaw/internal/store/sqlite"
)

func TestOpenSelectsBacking(t *testing.T) {
	root := state.NewRoot(t.TempDir())
	if err := root.EnsureTree(); err != nil {
		t.Fatal(err)
	}

	b, err := Open("", root)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := b.(*sessions.FileBacking); !ok {
		t.Errorf("default backing = %T", b)
	}

	b, err = Open("file", root)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := b.(*sessions.FileBacking); !ok {
		t.Errorf("file backing = %T", b)
	}

	b, err = Open("sqlite", root)
	if err != nil {
		t.Fatal(err)
	}
	sb, ok := b.(*sqlite.Backing)
	if !ok {
		t.Fatalf("sqlite backing = %T", b)
	}
	if err := sb.Append("agent:main:main", sessions.NewMessage(sessions.RoleUser, "hi")); err != nil {
		t.Errorf("sqlite append: %v", err)
	}
	sb.Close()

	if _, err := Open("bogus", root); err == nil {
		t.Error("unknown backing accepted")
	}
}
