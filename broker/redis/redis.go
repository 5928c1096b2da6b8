// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package redis implements the Event Broker's publish/subscribe/stats
// contract over Redis Pub/Sub, for multi-process deployments. The
// replay buffer is a capped Redis list per topic instead of the
// in-memory broker's ring buffer.
package redis

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/relaycore/gateway/broker"
)

const (
	defaultQueueSize  = 256
	replayListMaxLen  = 1024
	channelPrefix     = "gateway:topic:"
	replayKeyPrefix   = "gateway:replay:"
)

// wireEvent is the JSON envelope published on the Redis channel and
// appended to the replay list.
type wireEvent struct {
	Sequence  uint64          `json:"sequence"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Broker fans the same publish/subscribe contract as broker.Broker
// out over a shared Redis instance.
type Broker struct {
	client *redis.Client

	mu            sync.Mutex
	subscriptions map[string]*subscription
	delivered     uint64
	dropped       uint64
}

type subscription struct {
	id     string
	topic  string
	pubsub *redis.PubSub
	queue  chan broker.Event
	cancel context.CancelFunc
}

// New constructs a Redis-backed broker over an existing client
// (production: go-redis against real Redis; tests: go-redis against miniredis).
func New(client *redis.Client) *Broker {
	return &Broker{client: client, subscriptions: map[string]*subscription{}}
}

func topicChannel(topic string) string { return channelPrefix + topic }
func topicReplayKey(topic string) string { return replayKeyPrefix + topic }

// Publish appends the event to the topic's capped replay list then
// publishes it on the topic's Pub/Sub channel, returning its sequence
// number (a per-topic Redis counter incremented on every publish, so
// it keeps increasing after the replay list reaches its cap).
func (b *Broker) Publish(ctx context.Context, topic string, payload any) (uint64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	next, err := b.client.Incr(ctx, topicReplayKey(topic)+":seq").Result()
	if err != nil {
		return 0, err
	}
	seq := uint64(next)

	we := wireEvent{Sequence: seq, Payload: raw, Timestamp: time.Now().UTC()}
	data, err := json.Marshal(we)
	if err != nil {
		return 0, err
	}

	pipe := b.client.TxPipeline()
	pipe.RPush(ctx, topicReplayKey(topic), data)
	pipe.LTrim(ctx, topicReplayKey(topic), -replayListMaxLen, -1)
	pipe.Publish(ctx, topicChannel(topic), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return seq, nil
}

// Subscribe registers handler for topic, replaying buffered events
// after resumeAfter (when retained) before delivering live messages.
func (b *Broker) Subscribe(ctx context.Context, topic string, resumeAfter uint64, handler broker.Handler) (string, error) {
	subCtx, cancel := context.WithCancel(ctx)
	ps := b.client.Subscribe(subCtx, topicChannel(topic))

	id := uuid.NewString()
	sub := &subscription{
		id:     id,
		topic:  topic,
		pubsub: ps,
		queue:  make(chan broker.Event, defaultQueueSize),
		cancel: cancel,
	}

	b.mu.Lock()
	b.subscriptions[id] = sub
	b.mu.Unlock()

	if resumeAfter > 0 {
		if err := b.replay(subCtx, topic, resumeAfter, handler); err != nil {
			handler(nil, &broker.Signal{Kind: broker.SignalGap})
		}
	}

	go b.deliverLoop(subCtx, sub, handler)
	return id, nil
}

func (b *Broker) replay(ctx context.Context, topic string, resumeAfter uint64, handler broker.Handler) error {
	raw, err := b.client.LRange(ctx, topicReplayKey(topic), 0, -1).Result()
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}

	var first wireEvent
	if err := json.Unmarshal([]byte(raw[0]), &first); err == nil && first.Sequence > resumeAfter+1 {
		handler(nil, &broker.Signal{Kind: broker.SignalGap})
	}

	for _, item := range raw {
		var we wireEvent
		if err := json.Unmarshal([]byte(item), &we); err != nil {
			continue
		}
		if we.Sequence <= resumeAfter {
			continue
		}
		var payload any
		_ = json.Unmarshal(we.Payload, &payload)
		handler(&broker.Event{Topic: topic, Sequence: we.Sequence, Payload: payload, Timestamp: we.Timestamp}, nil)
	}
	return nil
}

func (b *Broker) deliverLoop(ctx context.Context, sub *subscription, handler broker.Handler) {
	ch := sub.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				handler(nil, &broker.Signal{Kind: broker.SignalCompleted})
				return
			}
			var we wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &we); err != nil {
				continue
			}
			var payload any
			_ = json.Unmarshal(we.Payload, &payload)
			atomic.AddUint64(&b.delivered, 1)
			handler(&broker.Event{Topic: sub.topic, Sequence: we.Sequence, Payload: payload, Timestamp: we.Timestamp}, nil)
		}
	}
}

// Unsubscribe closes the subscriber's Redis Pub/Sub connection.
func (b *Broker) Unsubscribe(id string) error {
	b.mu.Lock()
	sub, ok := b.subscriptions[id]
	if ok {
		delete(b.subscriptions, id)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}
	sub.cancel()
	return sub.pubsub.Close()
}

// Shutdown unsubscribes every active subscription.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.subscriptions))
	for id := range b.subscriptions {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		_ = b.Unsubscribe(id)
	}
}

// Stats reports broker-wide delivery counters (active subscriptions,
// delivered; dropped is always 0 since Redis Pub/Sub has no per-client
// bounded queue to overflow — backpressure is the consumer's concern).
func (b *Broker) Stats() broker.Stats {
	b.mu.Lock()
	active := len(b.subscriptions)
	b.mu.Unlock()
	return broker.Stats{ActiveSubscriptions: active, Delivered: atomic.LoadUint64(&b.delivered), Dropped: atomic.LoadUint64(&b.dropped)}
}
