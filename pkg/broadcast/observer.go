package broadcast

import (
	"bytes"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

var errProbeUnanswered = errors.New("liveness probe unanswered")

type Observer struct {
	id   string
	hub  *Hub
	conn Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// alive is set by pongs and inbound frames and cleared by each probe.
	alive atomic.Bool
}

func (o *Observer) ID() string { return o.id }

// Done is closed once the observer has been removed from the hub.
func (o *Observer) Done() <-chan struct{} { return o.done }

func (o *Observer) enqueue(data []byte) bool {
	select {
	case <-o.done:
		return true
	default:
	}
	select {
	case o.send <- data:
		return true
	default:
		return false
	}
}

func (o *Observer) close() {
	o.closeOnce.Do(func() {
		close(o.done)
		_ = o.conn.Close()
	})
}

func (o *Observer) writePump() {
	for {
		select {
		case <-o.done:
			return
		case data := <-o.send:
			_ = o.conn.SetWriteDeadline(time.Now().Add(o.hub.opts.WriteTimeout))
			if err := o.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				o.hub.remove(o, errors.Wrap(err, "write"))
				return
			}
		}
	}
}

func (o *Observer) readPump() {
	for {
		_, data, err := o.conn.ReadMessage()
		if err != nil {
			select {
			case <-o.done:
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			o.hub.remove(o, err)
			return
		}
		o.alive.Store(true)
		if isClientPing(data) {
			o.pong()
		}
	}
}

func (o *Observer) pong() {
	data, err := json.Marshal(Envelope{Event: "pong", Payload: map[string]any{"ts": time.Now().UnixMilli()}})
	if err != nil {
		return
	}
	o.enqueue(data)
}

func (o *Observer) probe() error {
	if !o.alive.Swap(false) {
		return errProbeUnanswered
	}
	deadline := time.Now().Add(o.hub.opts.WriteTimeout)
	return o.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func isClientPing(data []byte) bool {
	data = bytes.TrimSpace(data)
	if string(data) == "ping" {
		return true
	}
	if len(data) == 0 || data[0] != '{' {
		return false
	}
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return false
	}
	return msg.Type == "ping"
}
