// Package messagestore keeps a bounded, per-session, in-memory log of
// normalized message events plus a "latest event per conversation" index.
package messagestore

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

const DefaultMaxEventsPerSession = 5000

// Store is safe for concurrent use. Each session has its own lock so that
// sessions never contend with each other; within a session the event log and
// the conversation index are updated under the same lock.
type Store struct {
	maxEventsPerSession int

	mu       sync.RWMutex
	sessions map[string]*sessionLog
}

type sessionLog struct {
	mu        sync.RWMutex
	buf       []Event
	start     int
	ids       map[string]struct{}
	summaries map[string]Event
}

func New(maxEventsPerSession int) *Store {
	if maxEventsPerSession <= 0 {
		maxEventsPerSession = DefaultMaxEventsPerSession
	}
	return &Store{
		maxEventsPerSession: maxEventsPerSession,
		sessions:            map[string]*sessionLog{},
	}
}

func (s *Store) Limit() int { return s.maxEventsPerSession }

func (s *Store) log(sessionID string, create bool) *sessionLog {
	sessionID = strings.TrimSpace(sessionID)
	s.mu.RLock()
	l := s.sessions[sessionID]
	s.mu.RUnlock()
	if l != nil || !create {
		return l
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if l = s.sessions[sessionID]; l == nil {
		l = &sessionLog{
			ids:       map[string]struct{}{},
			summaries: map[string]Event{},
		}
		s.sessions[sessionID] = l
	}
	return l
}

// Append stores ev and updates its conversation summary. It returns false
// without error when an event with the same id is already retained for the
// session.
func (s *Store) Append(ev Event) (bool, error) {
	if s == nil {
		return false, errors.New("message store: nil store")
	}
	ev.SessionID = strings.TrimSpace(ev.SessionID)
	if ev.SessionID == "" {
		return false, errors.New("message store: session id is empty")
	}
	if ev.ID == "" {
		return false, errors.New("message store: event id is empty")
	}
	if ev.ConversationID == "" {
		return false, errors.New("message store: conversation id is empty")
	}
	ev = ev.clone()

	l := s.log(ev.SessionID, true)
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.ids[ev.ID]; dup {
		return false, nil
	}
	if evicted, ok := l.push(ev, s.maxEventsPerSession); ok {
		delete(l.ids, evicted.ID)
	}
	l.ids[ev.ID] = struct{}{}

	if cur, ok := l.summaries[ev.ConversationID]; !ok || ev.Timestamp >= cur.Timestamp {
		l.summaries[ev.ConversationID] = ev
	}
	return true, nil
}

// push appends in insertion order and overwrites the oldest slot once the
// log is full.
func (l *sessionLog) push(ev Event, limit int) (Event, bool) {
	if len(l.buf) < limit {
		l.buf = append(l.buf, ev)
		return Event{}, false
	}
	old := l.buf[l.start]
	l.buf[l.start] = ev
	l.start = (l.start + 1) % len(l.buf)
	return old, true
}

func (l *sessionLog) at(i int) Event {
	return l.buf[(l.start+i)%len(l.buf)]
}

// Query returns up to limit of the most recently appended events of a
// session, in insertion order. When before > 0 only events with
// Timestamp < before are considered. limit <= 0 returns every match.
func (s *Store) Query(sessionID string, limit int, before int64) []Event {
	return s.query(sessionID, limit, before, nil)
}

// QueryConversation is Query restricted to one conversation.
func (s *Store) QueryConversation(sessionID, conversationID string, limit int, before int64) []Event {
	return s.query(sessionID, limit, before, func(ev *Event) bool {
		return ev.ConversationID == conversationID
	})
}

func (s *Store) query(sessionID string, limit int, before int64, match func(*Event) bool) []Event {
	if s == nil {
		return nil
	}
	l := s.log(sessionID, false)
	if l == nil {
		return []Event{}
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Event, 0, min(max(limit, 0), len(l.buf)))
	for i := len(l.buf) - 1; i >= 0; i-- {
		ev := l.at(i)
		if before > 0 && ev.Timestamp >= before {
			continue
		}
		if match != nil && !match(&ev) {
			continue
		}
		out = append(out, ev.clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Conversations returns every conversation summary of a session, most
// recent first.
func (s *Store) Conversations(sessionID string) []ConversationSummary {
	if s == nil {
		return nil
	}
	l := s.log(sessionID, false)
	if l == nil {
		return []ConversationSummary{}
	}
	l.mu.RLock()
	out := make([]ConversationSummary, 0, len(l.summaries))
	for convID, ev := range l.summaries {
		out = append(out, ConversationSummary{
			SessionID:      ev.SessionID,
			ConversationID: convID,
			LastEvent:      ev.clone(),
		})
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastEvent.Timestamp == out[j].LastEvent.Timestamp {
			return out[i].ConversationID < out[j].ConversationID
		}
		return out[i].LastEvent.Timestamp > out[j].LastEvent.Timestamp
	})
	return out
}

// Len returns the number of retained events for a session.
func (s *Store) Len(sessionID string) int {
	if s == nil {
		return 0
	}
	l := s.log(sessionID, false)
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buf)
}

// Sessions lists the session ids that have at least one stored event.
func (s *Store) Sessions() []string {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}
