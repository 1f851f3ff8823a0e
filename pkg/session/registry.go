package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/go-go-golems/switchboard/pkg/credstore"
	"github.com/go-go-golems/switchboard/pkg/transport"
)

type Options struct {
	Factory     transport.Factory
	Credentials credstore.Store
	Publisher   Publisher
	Handler     EventHandler
	// NewBackOff builds the reconnect policy of a session. Defaults to a
	// constant DefaultReconnectDelay.
	NewBackOff func() backoff.BackOff
	Now        func() time.Time
}

// Registry maps session ids to live sessions. All methods are safe for
// concurrent use.
type Registry struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	creating singleflight.Group
}

type entry struct {
	id string

	mu       sync.Mutex
	state    Session
	client   transport.Client
	gen      uint64
	backoff  backoff.BackOff
	timer    *time.Timer
	changed  chan struct{}
	stopping bool
	// credErr is the last credential save failure of the current generation.
	credErr string
}

func NewRegistry(ctx context.Context, opts Options) (*Registry, error) {
	if ctx == nil {
		return nil, errors.New("session registry: ctx is nil")
	}
	if opts.Factory == nil {
		return nil, errors.New("session registry: transport factory is nil")
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = ReconnectPolicy(DefaultReconnectDelay, 0)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	rctx, cancel := context.WithCancel(ctx)
	return &Registry{
		opts:    opts,
		ctx:     rctx,
		cancel:  cancel,
		entries: map[string]*entry{},
	}, nil
}

func normalizeID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrEmptySessionID
	}
	return id, nil
}

func (r *Registry) lookup(id string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[id]
}

// obtain returns the entry for id, creating and starting it on first
// reference. Concurrent first references share one creation.
func (r *Registry) obtain(id string) (*entry, bool, error) {
	if e := r.lookup(id); e != nil {
		return e, false, nil
	}
	created := false
	v, err, _ := r.creating.Do(id, func() (any, error) {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrClosed
		}
		if e, ok := r.entries[id]; ok {
			r.mu.Unlock()
			return e, nil
		}
		e := &entry{
			id:      id,
			state:   Session{ID: id, Status: StatusInitializing},
			backoff: r.opts.NewBackOff(),
			changed: make(chan struct{}),
		}
		r.entries[id] = e
		r.mu.Unlock()

		created = true
		log.Info().Str("component", "session").Str("session_id", id).Msg("session created")
		e.mu.Lock()
		gen := e.beginLocked()
		snap := e.state
		e.mu.Unlock()
		r.publishStatus(snap)
		go r.connect(e, gen)
		return e, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*entry), created, nil
}

// Ensure returns the live client of a session, creating the session if
// needed, and blocks until it is connected, ctx ends or the session turns out
// to be logged out.
func (r *Registry) Ensure(ctx context.Context, id string) (transport.Client, error) {
	id, err := normalizeID(id)
	if err != nil {
		return nil, err
	}
	e, _, err := r.obtain(id)
	if err != nil {
		return nil, err
	}
	for {
		e.mu.Lock()
		st := e.state
		client := e.client
		ch := e.changed
		e.mu.Unlock()

		if st.Status == StatusConnected && client != nil {
			return client, nil
		}
		if st.Status == StatusDisconnected && !st.ReconnectPending {
			if st.DisconnectReason == transport.ReasonLoggedOut {
				return nil, errors.Wrapf(ErrLoggedOut, "session %s", id)
			}
			return nil, errors.Wrapf(ErrNotConnected, "session %s gave up reconnecting", id)
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, errors.Wrapf(ErrNotConnected, "session %s is %s: %v", id, st.Status, ctx.Err())
		case <-r.ctx.Done():
			return nil, ErrClosed
		}
	}
}

// Start creates a session if absent and returns its snapshot without
// waiting. A session that is disconnected with no reconnect pending (for
// example after a logout) is started again.
func (r *Registry) Start(_ context.Context, id string) (Session, error) {
	id, err := normalizeID(id)
	if err != nil {
		return Session{}, err
	}
	e, created, err := r.obtain(id)
	if err != nil {
		return Session{}, err
	}
	if created {
		return e.snapshot(), nil
	}

	e.mu.Lock()
	if e.state.Status != StatusDisconnected || e.state.ReconnectPending {
		snap := e.state
		e.mu.Unlock()
		return snap, nil
	}
	gen := e.beginLocked()
	snap := e.state
	e.mu.Unlock()

	r.publishStatus(snap)
	go r.connect(e, gen)
	return e.snapshot(), nil
}

// Restart tears down the current client, cancels any pending reconnect and
// starts a fresh connection cycle.
func (r *Registry) Restart(_ context.Context, id string) (Session, error) {
	id, err := normalizeID(id)
	if err != nil {
		return Session{}, err
	}
	e, created, err := r.obtain(id)
	if err != nil {
		return Session{}, err
	}
	if created {
		return e.snapshot(), nil
	}

	e.mu.Lock()
	old := e.client
	e.client = nil
	e.stopTimerLocked()
	e.backoff.Reset()
	gen := e.beginLocked()
	snap := e.state
	e.mu.Unlock()

	closeClient(id, old)
	log.Info().Str("component", "session").Str("session_id", id).Msg("session restarting")
	r.publishStatus(snap)
	go r.connect(e, gen)
	return e.snapshot(), nil
}

// Logout logs the session out at the transport, deletes its credentials and
// leaves it disconnected without a pending reconnect.
func (r *Registry) Logout(ctx context.Context, id string) (Session, error) {
	id, err := normalizeID(id)
	if err != nil {
		return Session{}, err
	}
	e := r.lookup(id)
	if e == nil {
		return Session{}, errors.Wrapf(ErrSessionNotFound, "session %s", id)
	}

	e.mu.Lock()
	client := e.client
	e.stopping = true
	e.mu.Unlock()

	if client != nil {
		if err := client.Logout(ctx); err != nil {
			log.Warn().Err(err).Str("component", "session").Str("session_id", id).Msg("transport logout failed, discarding session locally")
		}
	}

	e.mu.Lock()
	e.stopping = false
	e.stopTimerLocked()
	e.gen++
	client = e.client
	e.client = nil
	e.state.Status = StatusDisconnected
	e.state.DisconnectReason = transport.ReasonLoggedOut
	e.state.ReconnectPending = false
	e.state.PairingChallenge = ""
	e.state.Identity = nil
	e.notifyLocked()
	snap := e.state
	e.mu.Unlock()

	closeClient(id, client)
	var delErr error
	if r.opts.Credentials != nil {
		if err := r.opts.Credentials.Delete(ctx, id); err != nil {
			delErr = errors.Wrapf(err, "delete credentials of %s", id)
		}
	}
	log.Info().Str("component", "session").Str("session_id", id).Msg("session logged out")
	r.publishStatus(snap)
	return snap, delErr
}

func (r *Registry) Status(id string) (Session, bool) {
	e := r.lookup(strings.TrimSpace(id))
	if e == nil {
		return Session{}, false
	}
	return e.snapshot(), true
}

// List returns a snapshot of every session, sorted by id.
func (r *Registry) List() []Session {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Client returns the live client of a connected session.
func (r *Registry) Client(id string) (transport.Client, bool) {
	e := r.lookup(strings.TrimSpace(id))
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Status != StatusConnected || e.client == nil {
		return nil, false
	}
	return e.client, true
}

// Close stops reconnect timers and closes every client. Sessions keep their
// last snapshot.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		e.stopTimerLocked()
		e.state.ReconnectPending = false
		e.gen++
		client := e.client
		e.client = nil
		e.notifyLocked()
		e.mu.Unlock()
		closeClient(e.id, client)
	}
	r.cancel()
	return nil
}

func (r *Registry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Registry) publishStatus(s Session) {
	r.publish(TopicStatus, s)
}

func (r *Registry) publish(topic string, payload any) {
	if r.opts.Publisher == nil {
		return
	}
	if err := r.opts.Publisher.Publish(topic, payload); err != nil {
		log.Debug().Err(err).Str("component", "session").Str("topic", topic).Msg("publish failed")
	}
}

func (e *entry) snapshot() Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.state
	if s.Identity != nil {
		id := *s.Identity
		s.Identity = &id
	}
	return s
}

// beginLocked starts a new client generation. Events from older generations
// are ignored from here on.
func (e *entry) beginLocked() uint64 {
	e.gen++
	e.credErr = ""
	e.state.Status = StatusInitializing
	e.state.PairingChallenge = ""
	e.state.Identity = nil
	e.state.ReconnectPending = false
	e.notifyLocked()
	return e.gen
}

func (e *entry) notifyLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}

func (e *entry) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func closeClient(sessionID string, c transport.Client) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		log.Debug().Err(err).Str("component", "session").Str("session_id", sessionID).Msg("client close failed")
	}
}
