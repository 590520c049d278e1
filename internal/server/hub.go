package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/Sternrassler/balance-monitor/pkg/balance"
	"github.com/Sternrassler/balance-monitor/pkg/orchestrator"
)

const (
	// defaultBufferSize is the per-subscriber event buffer.
	defaultBufferSize = 64

	writeWait = 10 * time.Second
)

// Event types.
const (
	EventProgress      = "progress"
	EventResult        = "result"
	EventCycleComplete = "cycle_complete"
)

var (
	hubSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "balance_events_subscribers",
		Help: "Connected event stream subscribers",
	})

	hubDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "balance_events_dropped_total",
		Help: "Events dropped because a subscriber buffer was full",
	})
)

// Event is one observer notification as sent on the stream.
type Event struct {
	Type    string              `json:"type"`
	Time    time.Time           `json:"time"`
	Account string              `json:"account,omitempty"`
	Phase   orchestrator.Phase  `json:"phase,omitempty"`
	Result  *balance.Result     `json:"result,omitempty"`
	Cycle   *orchestrator.Cycle `json:"cycle,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// Hub is an orchestrator.Observer that fans events out to stream
// subscribers. Publishing never blocks: a subscriber whose buffer is full
// misses the event.
type Hub struct {
	mu         sync.Mutex
	subs       map[chan Event]struct{}
	bufferSize int
	logger     zerolog.Logger
	now        func() time.Time
}

// NewHub creates a hub. A non-positive bufferSize uses the default.
func NewHub(bufferSize int, logger zerolog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Hub{
		subs:       make(map[chan Event]struct{}),
		bufferSize: bufferSize,
		logger:     logger.With().Str("component", "hub").Logger(),
		now:        time.Now,
	}
}

// Subscribe registers a subscriber. The returned function unsubscribes and
// closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.bufferSize)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	hubSubscribers.Inc()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
			hubSubscribers.Dec()
		})
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish delivers ev to every subscriber with room in its buffer.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = h.now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			hubDropped.Inc()
		}
	}
}

func (h *Hub) OnProgress(account string, phase orchestrator.Phase) {
	h.Publish(Event{Type: EventProgress, Account: account, Phase: phase})
}

func (h *Hub) OnResult(account string, res balance.Result) {
	h.Publish(Event{Type: EventResult, Account: account, Result: &res, Error: res.Error()})
}

func (h *Hub) OnCycleComplete(cycle orchestrator.Cycle) {
	h.Publish(Event{Type: EventCycleComplete, Cycle: &cycle})
}

// ServeHTTP upgrades the request to a websocket and streams events until
// the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	events, unsubscribe := h.Subscribe()
	defer unsubscribe()

	// The stream is write-only; CloseRead handles pings and cancels ctx once
	// the client goes away.
	ctx := conn.CloseRead(r.Context())

	h.logger.Debug().Str("remote", r.RemoteAddr).Msg("Event subscriber connected")
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "hub closed")
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				h.logger.Debug().Err(err).Msg("Event subscriber disconnected")
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
