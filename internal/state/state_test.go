package state

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEnsureTree(t *testing.T) {
	root := NewRoot(t.TempDir())
	if err := root.EnsureTree(); err != nil {
		t.Fatal(err)
	}
	for _, dir := range []string{root.SessionsDir(), root.SessionLocks(), root.CronRunsDir(), root.VerifiedDir()} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("missing dir %s: %v", dir, err)
		}
	}
}

func TestWriteFileAtomicLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")
	if err := WriteFileAtomic(path, []byte("hello"), 0o600); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "hello" {
		t.Fatalf("read back: %q, %v", data, err)
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.json")
	type meta struct {
		Count int    `json:"count"`
		Name  string `json:"name"`
	}
	if err := WriteJSONAtomic(path, meta{Count: 3, Name: "x"}, 0o600); err != nil {
		t.Fatal(err)
	}
	var got meta
	if err := ReadJSON(path, &got); err != nil {
		t.Fatal(err)
	}
	if got.Count != 3 || got.Name != "x" {
		t.Errorf("got %+v", got)
	}

	if err := ReadJSON(filepath.Join(t.TempDir(), "nope.json"), &got); !os.IsNotExist(err) {
		t.Errorf("missing file error = %v", err)
	}
}

func TestLockExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.lock")
	a := NewFileLock(path)
	ok, err := a.TryAcquire()
	if err != nil || !ok {
		t.Fatalf("first acquire: %v %v", ok, err)
	}
	b := NewFileLock(path)
	ok, err = b.TryAcquire()
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("second acquire should fail while held")
	}
	if got := b.HolderPID(); got != os.Getpid() {
		t.Errorf("holder pid = %d", got)
	}
	if err := a.Release(); err != nil {
		t.Fatal(err)
	}
	ok, err = b.TryAcquire()
	if err != nil || !ok {
		t.Fatalf("acquire after release: %v %v", ok, err)
	}
	b.Release()
}

func TestStaleLockReaped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.lock")
	// Stamp a PID that cannot exist.
	if err := os.WriteFile(path, []byte("999999999\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	l := NewFileLock(path)
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire over stale lock: %v", err)
	}
	if got := l.HolderPID(); got != os.Getpid() {
		t.Errorf("holder pid after reap = %d", got)
	}
	l.Release()
}

func TestReapStaleIn(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "dead.slot"), []byte("999999999"), 0o600)
	os.WriteFile(filepath.Join(dir, "live.slot"), []byte("1"), 0o600) // pid 1 always alive
	if n := ReapStaleIn(dir); n != 1 {
		t.Errorf("reaped = %d", n)
	}
	if _, err := os.Stat(filepath.Join(dir, "live.slot")); err != nil {
		t.Error("live slot removed")
	}
}

func TestSafeKey(t *testing.T) {
	cases := map[string]string{
		"agent:main:telegram:direct:42": "agent_main_telegram_direct_42",
		"simple-name_1.0":               "simple-name_1.0",
		"a/b\\c d":                      "a_b_c_d",
	}
	for in, want := range cases {
		if got := SafeKey(in); got != want {
			t.Errorf("SafeKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAppendJSONLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	for i := 0; i < 3; i++ {
		if err := AppendJSONLine(path, map[string]int{"i": i}); err != nil {
			t.Fatal(err)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Errorf("lines = %d", len(lines))
	}
}
