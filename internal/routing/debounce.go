package routing

import (
	"strings"
	"sync"
	"time"
)

// Debouncer buffers a sender's burst of messages and delivers one merged
// message when the burst goes quiet. Each arrival extends the window, so
// only the last caller triggers delivery.
type Debouncer struct {
	mu      sync.Mutex
	pending map[string]*debounceState
}

type debounceState struct {
	parts []string
	timer *time.Timer
}

// NewDebouncer creates an empty debouncer.
func NewDebouncer() *Debouncer {
	return &Debouncer{pending: make(map[string]*debounceState)}
}

// Submit buffers content under key (channel:sender). When the window
// closes, fire receives the newline-joined burst. A non-positive window
// fires immediately.
func (d *Debouncer) Submit(key, content string, window time.Duration, fire func(merged string)) {
	if window <= 0 {
		fire(content)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.pending[key]
	if ok {
		st.parts = append(st.parts, content)
		st.timer.Reset(window)
		return
	}
	st = &debounceState{parts: []string{content}}
	st.timer = time.AfterFunc(window, func() {
		d.mu.Lock()
		parts := st.parts
		delete(d.pending, key)
		d.mu.Unlock()
		fire(strings.Join(parts, "\n"))
	})
	d.pending[key] = st
}
