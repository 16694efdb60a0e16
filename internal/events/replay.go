package events

import "sync"

// replayBuffer is a fixed-size ring of recent events so a reconnecting
// WebSocket client can catch up from its last seen seq.
type replayBuffer struct {
	mu   sync.RWMutex
	buf  []Event
	pos  int // next write position
	full bool
}

func newReplayBuffer(capacity int) *replayBuffer {
	if capacity <= 0 {
		capacity = 256
	}
	return &replayBuffer{buf: make([]Event, capacity)}
}

// push appends ev, overwriting the oldest entry when full.
func (rb *replayBuffer) push(ev Event) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.buf[rb.pos] = ev
	rb.pos = (rb.pos + 1) % len(rb.buf)
	if rb.pos == 0 {
		rb.full = true
	}
}

// since returns buffered events with Seq > seq, oldest first.
func (rb *replayBuffer) since(seq int64) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	n := rb.pos
	start := 0
	if rb.full {
		n = len(rb.buf)
		start = rb.pos
	}
	var out []Event
	for i := 0; i < n; i++ {
		ev := rb.buf[(start+i)%len(rb.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
