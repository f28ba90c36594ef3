package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"testing"

	"github.com/bashclaw/bashclaw/internal/state"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	root := state.NewRoot(t.TempDir())
	if err := root.EnsureTree(); err != nil {
		t.Fatal(err)
	}
	return New(root, true)
}

func readRecords(t *testing.T, l *Logger) []Record {
	t.Helper()
	f, err := os.Open(l.root.AuditLog())
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var out []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var r Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			t.Fatalf("bad audit line %q: %v", scanner.Text(), err)
		}
		out = append(out, r)
	}
	return out
}

func TestAdmissionAndToolRecords(t *testing.T) {
	l := newTestLogger(t)
	l.Admission("telegram", "u1", "denied", "rate_limited")
	l.Tool("main", "shell", "allowed", "")

	recs := readRecords(t, l)
	if len(recs) != 2 {
		t.Fatalf("records = %d", len(recs))
	}
	if recs[0].Kind != "admission" || recs[0].Decision != "denied" || recs[0].Reason != "rate_limited" {
		t.Errorf("admission record = %+v", recs[0])
	}
	if recs[0].TS == 0 {
		t.Error("timestamp not stamped")
	}
	if recs[1].Kind != "tool" || recs[1].Tool != "shell" || recs[1].AgentID != "main" {
		t.Errorf("tool record = %+v", recs[1])
	}
}

func TestDisabledLoggerIsNil(t *testing.T) {
	root := state.NewRoot(t.TempDir())
	if l := New(root, false); l != nil {
		t.Fatal("disabled logger not nil")
	}
	// Methods on a nil logger must be safe.
	var l *Logger
	l.Admission("telegram", "u1", "allowed", "")
	l.Tool("main", "shell", "allowed", "")
	l.Log(Record{Kind: "elevation"})
}
