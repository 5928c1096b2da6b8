// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package broker implements the in-process Event Broker: topic-
// addressed pub/sub with bounded per-subscription queues, drop-oldest
// overflow, FIFO-per-topic ordering, and replay-buffer resume.
package broker

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaycore/gateway/history"
)

const (
	defaultQueueSize  = 256
	defaultReplaySize = 1024
	slowConsumerAfter = 5 * time.Second
)

// Event is one published message.
type Event struct {
	Topic     string
	Sequence  uint64
	Payload   any
	Timestamp time.Time
}

// SignalKind tags a broker-generated (not user-published) notification.
type SignalKind string

const (
	SignalOverflow  SignalKind = "overflow"
	SignalGap       SignalKind = "gap"
	SignalCompleted SignalKind = "completed"
)

// Signal is delivered to a subscriber's handler alongside real events.
type Signal struct {
	Kind SignalKind
}

// Handler receives events and broker signals for one subscription.
// Exactly one of Event/Signal is non-nil per call.
type Handler func(ev *Event, sig *Signal)

// Stats reports broker-wide counters.
type Stats struct {
	ActiveSubscriptions int
	Delivered           uint64
	Dropped             uint64
}

type subscription struct {
	id       string
	topic    string
	queue    chan queuedItem
	handler  Handler
	lastSeen uint64

	mu           sync.Mutex
	delivered    uint64
	dropped      uint64
	fullSince    time.Time
	closed       bool
	done         chan struct{}
}

type queuedItem struct {
	ev  *Event
	sig *Signal
}

// Broker is the default in-process pub/sub backend: buffered Go
// channels per subscription, with a journal backing replay/resume.
type Broker struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	byTopic       map[string]map[string]*subscription
	journal       *history.Journal[Event]
	queueSize     int

	deliveredTotal uint64
	droppedTotal   uint64
	statsMu        sync.Mutex
}

// New constructs an empty Broker with default queue/replay sizing.
func New() *Broker {
	return &Broker{
		subscriptions: map[string]*subscription{},
		byTopic:       map[string]map[string]*subscription{},
		journal:       history.NewJournal[Event](defaultReplaySize),
		queueSize:     defaultQueueSize,
	}
}

// Publish delivers event to every live subscriber of topic (FIFO per
// topic) and journals it for future replay.
func (b *Broker) Publish(topic string, payload any) uint64 {
	ev := Event{Topic: topic, Payload: payload, Timestamp: time.Now().UTC()}
	seq := b.journal.Append(topic, ev)
	ev.Sequence = seq

	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.byTopic[topic]))
	for _, s := range b.byTopic[topic] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		b.enqueue(s, queuedItem{ev: &ev})
	}
	return seq
}

// Subscribe registers handler for topic and returns its subscription
// id. If resumeAfter > 0, buffered replay events are delivered before
// live delivery resumes; a gap signal is sent instead if they've
// already been evicted from the replay buffer.
func (b *Broker) Subscribe(topic string, resumeAfter uint64, handler Handler) string {
	id := uuid.NewString()
	sub := &subscription{
		id:      id,
		topic:   topic,
		queue:   make(chan queuedItem, b.queueSize),
		handler: handler,
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.subscriptions[id] = sub
	if b.byTopic[topic] == nil {
		b.byTopic[topic] = map[string]*subscription{}
	}
	b.byTopic[topic][id] = sub
	b.mu.Unlock()

	go b.deliverLoop(sub)

	if resumeAfter > 0 {
		replay, gap := b.journal.Since(topic, resumeAfter)
		if gap {
			b.enqueue(sub, queuedItem{sig: &Signal{Kind: SignalGap}})
		}
		for i := range replay {
			evCopy := replay[i].Value
			b.enqueue(sub, queuedItem{ev: &evCopy})
		}
	}

	return id
}

// Unsubscribe releases a subscription's queue and stops delivery.
func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subscriptions[id]
	if ok {
		delete(b.subscriptions, id)
		if m, ok2 := b.byTopic[sub.topic]; ok2 {
			delete(m, id)
		}
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	sub.mu.Lock()
	if !sub.closed {
		sub.closed = true
		close(sub.queue)
	}
	sub.mu.Unlock()
}

// Shutdown closes every subscription with a completed signal.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.subscriptions))
	for id := range b.subscriptions {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.mu.RLock()
		sub, ok := b.subscriptions[id]
		b.mu.RUnlock()
		if ok {
			b.enqueue(sub, queuedItem{sig: &Signal{Kind: SignalCompleted}})
		}
		b.Unsubscribe(id)
	}
}

// enqueue performs a non-blocking send with drop-oldest overflow: if
// the subscriber's queue is full, the oldest queued item is discarded
// to make room rather than blocking the publisher. A queue that stays
// full for longer than slowConsumerAfter additionally gets an
// overflow signal enqueued (best-effort) for slow-consumer detection.
func (b *Broker) enqueue(sub *subscription, item queuedItem) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.mu.Unlock()

	select {
	case sub.queue <- item:
		sub.mu.Lock()
		sub.fullSince = time.Time{}
		sub.mu.Unlock()
		return
	default:
	}

	sub.mu.Lock()
	wasFullSince := sub.fullSince
	if wasFullSince.IsZero() {
		sub.fullSince = time.Now()
	}
	sub.dropped++
	sub.mu.Unlock()
	b.statsMu.Lock()
	b.droppedTotal++
	b.statsMu.Unlock()

	select {
	case <-sub.queue: // evict oldest
	default:
	}
	select {
	case sub.queue <- item:
	default: // queue refilled concurrently; drop this item too
	}

	if !wasFullSince.IsZero() && time.Since(wasFullSince) > slowConsumerAfter {
		select {
		case sub.queue <- queuedItem{sig: &Signal{Kind: SignalOverflow}}:
		default:
		}
	}
}

func (b *Broker) deliverLoop(sub *subscription) {
	for item := range sub.queue {
		sub.mu.Lock()
		sub.delivered++
		sub.fullSince = time.Time{}
		if item.ev != nil {
			sub.lastSeen = item.ev.Sequence
		}
		sub.mu.Unlock()
		b.statsMu.Lock()
		b.deliveredTotal++
		b.statsMu.Unlock()

		sub.handler(item.ev, item.sig)
	}
	close(sub.done)
}

// Stats returns broker-wide delivery counters.
func (b *Broker) Stats() Stats {
	b.mu.RLock()
	active := len(b.subscriptions)
	b.mu.RUnlock()

	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return Stats{ActiveSubscriptions: active, Delivered: b.deliveredTotal, Dropped: b.droppedTotal}
}
