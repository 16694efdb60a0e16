package events

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dhan-autoexit/internal/metrics"
)

type recorder struct {
	mu  sync.Mutex
	got []Event
}

func (r *recorder) Publish(ev Event) {
	r.mu.Lock()
	r.got = append(r.got, ev)
	r.mu.Unlock()
}

func TestBus_StampsAndFansOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	bus := NewBus(a, b)

	bus.Emit(TypeTick, map[string]int{"eligible": 2})
	bus.Emit(TypeExitTriggered, nil)

	require.Len(t, a.got, 2)
	require.Len(t, b.got, 2)
	assert.Equal(t, int64(1), a.got[0].Seq)
	assert.Equal(t, int64(2), a.got[1].Seq)
	assert.JSONEq(t, `{"eligible":2}`, string(a.got[0].Data))
	assert.Nil(t, a.got[1].Data)
}

func TestBus_NilIsNoop(t *testing.T) {
	var bus *Bus
	bus.Emit(TypeTick, nil)
}

func TestReplayBuffer_Since(t *testing.T) {
	rb := newReplayBuffer(3)
	for i := int64(1); i <= 5; i++ {
		rb.push(Event{Seq: i})
	}
	got := rb.since(3)
	require.Len(t, got, 2)
	assert.Equal(t, int64(4), got[0].Seq)
	assert.Equal(t, int64(5), got[1].Seq)

	assert.Len(t, rb.since(0), 3, "only capacity is retained")
}

func TestHub_DeliversToWebSocketClient(t *testing.T) {
	hub := NewHub(nil, nil)
	bus := NewBus(hub)
	bus.Emit(TypeLoopStarted, nil) // seq 1, buffered for replay

	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?since_seq=0"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	bus.Emit(TypeExitOrder, map[string]string{"outcome": "placed"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var seen []Event
	for len(seen) < 2 {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		seen = append(seen, ev)
	}
	assert.Equal(t, TypeLoopStarted, seen[0].Type)
	assert.Equal(t, TypeExitOrder, seen[1].Type)
	assert.Equal(t, int64(2), seen[1].Seq)
}

func TestRedisPublisher_DropsWhenQueueFull(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	p := NewRedisPublisher(nil, "", m, nil)
	for i := 0; i < cap(p.queue)+3; i++ {
		p.Publish(Event{Seq: int64(i)})
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(m.EventsDropped))
	assert.Equal(t, DefaultChannel, p.channel)
}
