package broadcast

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Run probes observers every ProbeInterval until ctx is done. An observer
// that has sent neither a pong nor any frame since the previous probe is
// removed, so a dead observer is gone within two intervals.
func (h *Hub) Run(ctx context.Context) error {
	if ctx == nil {
		panic("broadcast: Run requires non-nil ctx")
	}
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return errors.New("broadcast: liveness loop already running")
	}
	h.running = true
	interval := h.opts.ProbeInterval
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.probeOnce()
		}
	}
}

func (h *Hub) probeOnce() int {
	removed := 0
	for _, o := range h.snapshot() {
		if err := o.probe(); err != nil {
			h.remove(o, err)
			removed++
		}
	}
	return removed
}
