// Package events streams engine activity to observers: WebSocket clients of
// the control API and, optionally, a Redis pub/sub channel.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Type names an event kind.
type Type string

const (
	TypeLoopStarted   Type = "loop_started"
	TypeLoopStopped   Type = "loop_stopped"
	TypeTick          Type = "tick"
	TypeLevels        Type = "levels"
	TypeExitTriggered Type = "exit_triggered"
	TypeExitOrder     Type = "exit_order"
	TypeExitExpired   Type = "exit_expired"
	TypeMarketClosed  Type = "market_closed"
)

// Event is one published envelope. Seq is strictly increasing per process.
type Event struct {
	Seq  int64           `json:"seq"`
	Type Type            `json:"type"`
	TS   time.Time       `json:"ts"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Sink receives events. Publish must not block the caller.
type Sink interface {
	Publish(ev Event)
}

// Bus stamps events and fans them out to sinks. A nil *Bus drops everything.
type Bus struct {
	mu    sync.Mutex
	seq   int64
	sinks []Sink
	now   func() time.Time
}

func NewBus(sinks ...Sink) *Bus {
	return &Bus{sinks: sinks, now: time.Now}
}

// Emit marshals data and publishes it. Marshal failures drop the event.
func (b *Bus) Emit(typ Type, data any) {
	if b == nil {
		return
	}
	var raw json.RawMessage
	if data != nil {
		buf, err := json.Marshal(data)
		if err != nil {
			return
		}
		raw = buf
	}

	b.mu.Lock()
	b.seq++
	ev := Event{Seq: b.seq, Type: typ, TS: b.now().UTC(), Data: raw}
	sinks := b.sinks
	b.mu.Unlock()

	for _, s := range sinks {
		s.Publish(ev)
	}
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(ev Event) { f(ev) }
