// Package broadcast fans real-time events out to websocket observers.
//
// Every observer owns a bounded send queue drained by a single writer
// goroutine, so a slow observer can only lose its own frames. A reader
// goroutine per observer tracks liveness and answers application level pings.
package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSendBuffer    = 64
	DefaultWriteTimeout  = 10 * time.Second
	DefaultProbeInterval = 30 * time.Second
	maxInboundFrameSize  = 4096
)

var ErrClosed = errors.New("broadcast hub is closed")

// Conn is the subset of *websocket.Conn the hub needs.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	ReadMessage() (messageType int, p []byte, err error)
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// Envelope is the wire shape of every frame sent to observers.
type Envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

type Options struct {
	SendBuffer    int
	WriteTimeout  time.Duration
	ProbeInterval time.Duration
}

type Hub struct {
	opts Options

	mu        sync.RWMutex
	observers map[string]*Observer
	closed    bool
	running   bool
}

func NewHub(opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = DefaultProbeInterval
	}
	return &Hub{opts: opts, observers: map[string]*Observer{}}
}

// Subscribe registers conn and starts its pumps. Subscribing to a closed hub
// closes conn and returns an observer that is already done.
func (h *Hub) Subscribe(conn Conn) *Observer {
	o := &Observer{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, h.opts.SendBuffer),
		done: make(chan struct{}),
	}
	o.alive.Store(true)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		o.close()
		return o
	}
	h.observers[o.id] = o
	n := len(h.observers)
	h.mu.Unlock()

	conn.SetReadLimit(maxInboundFrameSize)
	conn.SetPongHandler(func(string) error {
		o.alive.Store(true)
		return nil
	})
	go o.writePump()
	go o.readPump()

	log.Debug().Str("component", "broadcast").Str("observer_id", o.id).Int("observers", n).Msg("observer subscribed")
	return o
}

// Publish marshals {event, payload} once and queues it on every observer.
// Observers whose queue is full miss this frame.
func (h *Hub) Publish(topic string, payload any) error {
	if h == nil {
		return nil
	}
	data, err := json.Marshal(Envelope{Event: topic, Payload: payload})
	if err != nil {
		return errors.Wrapf(err, "broadcast: marshal %s", topic)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	for _, o := range h.observers {
		if !o.enqueue(data) {
			log.Warn().Str("component", "broadcast").Str("observer_id", o.id).Str("event", topic).Msg("observer queue full, dropping frame")
		}
	}
	return nil
}

func (h *Hub) Count() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Close removes every observer and rejects further publishes.
func (h *Hub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	observers := h.observers
	h.observers = map[string]*Observer{}
	h.mu.Unlock()

	for _, o := range observers {
		o.close()
	}
}

func (h *Hub) remove(o *Observer, reason error) {
	h.mu.Lock()
	_, ok := h.observers[o.id]
	delete(h.observers, o.id)
	n := len(h.observers)
	h.mu.Unlock()
	o.close()
	if ok {
		ev := log.Debug()
		if reason != nil {
			ev = log.Warn().Err(reason)
		}
		ev.Str("component", "broadcast").Str("observer_id", o.id).Int("observers", n).Msg("observer removed")
	}
}

func (h *Hub) snapshot() []*Observer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Observer, 0, len(h.observers))
	for _, o := range h.observers {
		out = append(out, o)
	}
	return out
}
