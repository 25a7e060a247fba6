// Package sysevents holds the per-session system-event queues: short
// text notes an agent processes at its next heartbeat.
package sysevents

import (
	"strings"
	"sync"
	"time"
)

// MaxPerSession caps each session's queue; the oldest event is evicted
// when a new one would exceed it.
const MaxPerSession = 20

// Event is a queued note.
type Event struct {
	Text string `json:"text"`
	TS   int64  `json:"ts"`
}

type sessionQueue struct {
	events   []Event
	lastText string
}

// Queue maps session keys to bounded event queues with consecutive
// duplicate suppression.
type Queue struct {
	// NowMs is the clock, overridable in tests.
	NowMs func() int64

	mu     sync.Mutex
	queues map[string]*sessionQueue
}

// New creates an empty queue set.
func New() *Queue {
	return &Queue{
		NowMs:  func() int64 { return time.Now().UnixMilli() },
		queues: make(map[string]*sessionQueue),
	}
}

// Enqueue appends a trimmed event under the session key. Empty text and
// texts identical to the previous enqueue are dropped.
func (q *Queue) Enqueue(sessionKey, text string) {
	sessionKey = strings.TrimSpace(sessionKey)
	text = strings.TrimSpace(text)
	if sessionKey == "" || text == "" {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	sq, ok := q.queues[sessionKey]
	if !ok {
		sq = &sessionQueue{}
		q.queues[sessionKey] = sq
	}
	if text == sq.lastText {
		return
	}

	sq.events = append(sq.events, Event{Text: text, TS: q.NowMs()})
	if len(sq.events) > MaxPerSession {
		sq.events = sq.events[len(sq.events)-MaxPerSession:]
	}
	sq.lastText = text
}

// Drain returns and removes all queued events for the key, clearing the
// duplicate-suppression state.
func (q *Queue) Drain(sessionKey string) []Event {
	sessionKey = strings.TrimSpace(sessionKey)

	q.mu.Lock()
	defer q.mu.Unlock()

	sq, ok := q.queues[sessionKey]
	if !ok || len(sq.events) == 0 {
		delete(q.queues, sessionKey)
		return nil
	}
	events := sq.events
	delete(q.queues, sessionKey)
	return events
}

// Peek returns the queued texts without consuming them.
func (q *Queue) Peek(sessionKey string) []string {
	sessionKey = strings.TrimSpace(sessionKey)

	q.mu.Lock()
	defer q.mu.Unlock()

	sq, ok := q.queues[sessionKey]
	if !ok {
		return nil
	}
	texts := make([]string, len(sq.events))
	for i, e := range sq.events {
		texts[i] = e.Text
	}
	return texts
}

// Has reports whether the session has pending events.
func (q *Queue) Has(sessionKey string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	sq, ok := q.queues[strings.TrimSpace(sessionKey)]
	return ok && len(sq.events) > 0
}

// Len returns the queue depth for a key.
func (q *Queue) Len(sessionKey string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	sq, ok := q.queues[strings.TrimSpace(sessionKey)]
	if !ok {
		return 0
	}
	return len(sq.events)
}
