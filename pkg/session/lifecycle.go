package session

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/switchboard/pkg/credstore"
	"github.com/go-go-golems/switchboard/pkg/transport"
)

// connect builds and connects a client for generation gen. It runs on its own
// goroutine since Connect may block. Failures are fed through the same path
// as a transport disconnect.
func (r *Registry) connect(e *entry, gen uint64) {
	creds := r.loadCredentials(e)

	client, err := r.opts.Factory.NewClient(r.ctx, transport.ClientConfig{
		SessionID:   e.id,
		Credentials: creds,
	})
	if err != nil {
		r.onDisconnected(e, gen, transport.Disconnected{
			Reason: transport.ReasonUnknown,
			Err:    errors.Wrap(err, "create transport client"),
		})
		return
	}

	e.mu.Lock()
	if e.gen != gen || r.isClosed() {
		e.mu.Unlock()
		closeClient(e.id, client)
		return
	}
	e.client = client
	e.mu.Unlock()

	go r.consume(e, gen, client)

	if err := client.Connect(r.ctx); err != nil {
		r.onDisconnected(e, gen, transport.Disconnected{
			Reason: transport.ReasonConnectionLost,
			Err:    errors.Wrap(err, "connect"),
		})
	}
}

func (r *Registry) loadCredentials(e *entry) []byte {
	if r.opts.Credentials == nil {
		return nil
	}
	creds, err := r.opts.Credentials.Load(r.ctx, e.id)
	if err == nil {
		return creds
	}
	if !errors.Is(err, credstore.ErrNotFound) {
		log.Warn().Err(err).Str("component", "session").Str("session_id", e.id).Msg("loading credentials failed, pairing from scratch")
		e.mu.Lock()
		e.state.LastError = err.Error()
		e.mu.Unlock()
	}
	return nil
}

// consume drains one client generation in order.
func (r *Registry) consume(e *entry, gen uint64, client transport.Client) {
	for ev := range client.Events() {
		r.dispatch(e, gen, ev)
	}
	log.Debug().Str("component", "session").Str("session_id", e.id).Uint64("generation", gen).Msg("event stream closed")
}

func (r *Registry) dispatch(e *entry, gen uint64, ev transport.Event) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("component", "session").Str("session_id", e.id).Interface("panic", p).Msg("recovered from panic while handling transport event")
		}
	}()

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return
	}
	e.state.LastEventAt = r.opts.Now()
	e.mu.Unlock()

	switch ev := ev.(type) {
	case transport.QRIssued:
		r.onQR(e, gen, ev)
	case transport.Connected:
		r.onConnected(e, gen, ev)
	case transport.Disconnected:
		r.onDisconnected(e, gen, ev)
	case transport.CredentialsUpdated:
		r.onCredentials(e, ev)
	default:
		if r.opts.Handler != nil {
			r.opts.Handler.HandleTransportEvent(r.ctx, e.id, ev)
		}
	}
}

func (r *Registry) onQR(e *entry, gen uint64, ev transport.QRIssued) {
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return
	}
	e.state.Status = StatusAwaitingPairing
	e.state.PairingChallenge = ev.Code
	e.notifyLocked()
	snap := e.state
	e.mu.Unlock()

	log.Info().Str("component", "session").Str("session_id", e.id).Msg("pairing challenge issued")
	r.publish(TopicQR, QRNotification{SessionID: e.id, QR: ev.Code})
	r.publishStatus(snap)
}

func (r *Registry) onConnected(e *entry, gen uint64, ev transport.Connected) {
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return
	}
	identity := ev.Identity
	e.state.Status = StatusConnected
	e.state.Identity = &identity
	e.state.PairingChallenge = ""
	e.state.DisconnectReason = ""
	e.state.LastError = e.credErr
	e.backoff.Reset()
	e.notifyLocked()
	snap := e.state
	e.mu.Unlock()

	log.Info().Str("component", "session").Str("session_id", e.id).Str("identity", identity.ID).Msg("session connected")
	r.publishStatus(snap)
}

func (r *Registry) onCredentials(e *entry, ev transport.CredentialsUpdated) {
	if r.opts.Credentials == nil {
		return
	}
	// a failed save is reported but the session stays usable
	err := r.opts.Credentials.Save(r.ctx, e.id, ev.Credentials)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		log.Error().Err(err).Str("component", "session").Str("session_id", e.id).Msg("saving credentials failed")
		e.credErr = err.Error()
		e.state.LastError = e.credErr
		return
	}
	e.credErr = ""
}

func (r *Registry) onDisconnected(e *entry, gen uint64, ev transport.Disconnected) {
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return
	}
	reason := ev.Reason
	if reason == "" {
		reason = transport.ReasonUnknown
	}
	if reason == transport.ReasonTimedOut && e.state.Status == StatusAwaitingPairing {
		reason = transport.ReasonPairingTimeout
	}

	// bump the generation so the rest of this client's stream is ignored
	e.gen++
	next := e.gen
	client := e.client
	e.client = nil
	e.state.Status = StatusDisconnected
	e.state.DisconnectReason = reason
	e.state.PairingChallenge = ""
	e.state.Identity = nil
	if ev.Err != nil {
		e.state.LastError = ev.Err.Error()
	}
	reconnect := !reason.Terminal() && !e.stopping && !r.isClosed() && !e.state.ReconnectPending
	if reconnect {
		e.state.ReconnectPending = true
	}
	e.notifyLocked()
	snap := e.state
	e.mu.Unlock()

	l := log.Warn().Str("component", "session").Str("session_id", e.id).Str("reason", string(reason))
	if ev.Err != nil {
		l = l.Err(ev.Err)
	}
	l.Bool("reconnect", reconnect).Msg("session disconnected")

	closeClient(e.id, client)

	if (reason.CredentialInvalid() || reason == transport.ReasonLoggedOut) && r.opts.Credentials != nil {
		if err := r.opts.Credentials.Delete(context.WithoutCancel(r.ctx), e.id); err != nil {
			log.Error().Err(err).Str("component", "session").Str("session_id", e.id).Msg("deleting invalid credentials failed")
		} else {
			log.Info().Str("component", "session").Str("session_id", e.id).Msg("credentials cleared")
		}
	}

	r.publishStatus(snap)
	if reconnect {
		r.scheduleReconnect(e, next)
	}
}

func (r *Registry) scheduleReconnect(e *entry, gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen || !e.state.ReconnectPending || e.timer != nil {
		return
	}
	delay := e.backoff.NextBackOff()
	if delay == backoff.Stop {
		e.state.ReconnectPending = false
		e.notifyLocked()
		log.Warn().Str("component", "session").Str("session_id", e.id).Msg("reconnect policy exhausted")
		return
	}
	log.Info().Str("component", "session").Str("session_id", e.id).Dur("delay", delay).Msg("reconnect scheduled")
	e.timer = time.AfterFunc(delay, func() { r.reconnect(e, gen) })
}

func (r *Registry) reconnect(e *entry, gen uint64) {
	e.mu.Lock()
	if e.gen != gen || !e.state.ReconnectPending || r.isClosed() {
		e.mu.Unlock()
		return
	}
	e.timer = nil
	next := e.beginLocked()
	snap := e.state
	e.mu.Unlock()

	log.Info().Str("component", "session").Str("session_id", e.id).Msg("reconnecting")
	r.publishStatus(snap)
	r.connect(e, next)
}
