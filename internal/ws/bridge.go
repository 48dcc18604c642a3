package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Bridge mirrors session traffic between server instances over Redis
// pub/sub, so participants of the same session can be connected to
// different instances. Each relayed envelope is published to the session's
// channel; frames published by this instance are ignored on receipt.
type Bridge struct {
	rdb        *redis.Client
	hubManager *HubManager
	instanceID string

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

// bridgeFrame wraps an envelope with its origin instance to break relay
// loops.
type bridgeFrame struct {
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

// NewBridge creates a bridge over the given Redis client.
func NewBridge(rdb *redis.Client, hubManager *HubManager) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		rdb:        rdb,
		hubManager: hubManager,
		instanceID: uuid.New().String(),
		ctx:        ctx,
		cancel:     cancel,
		subs:       make(map[string]*redis.PubSub),
	}
}

func channelFor(sessionID string) string {
	return fmt.Sprintf("collab:%s", sessionID)
}

// Publish mirrors a locally relayed envelope to other instances.
func (b *Bridge) Publish(sessionID string, data []byte) {
	frame, err := json.Marshal(bridgeFrame{Origin: b.instanceID, Data: data})
	if err != nil {
		return
	}
	if err := b.rdb.Publish(b.ctx, channelFor(sessionID), frame).Err(); err != nil {
		log.Printf("bridge: failed to publish to %s: %v", channelFor(sessionID), err)
	}
}

// Subscribe starts relaying remote-origin frames for the session into the
// local hub. Idempotent per session.
func (b *Bridge) Subscribe(sessionID string) {
	b.mu.Lock()
	if _, ok := b.subs[sessionID]; ok {
		b.mu.Unlock()
		return
	}
	pubsub := b.rdb.Subscribe(b.ctx, channelFor(sessionID))
	b.subs[sessionID] = pubsub
	b.mu.Unlock()

	go func() {
		for msg := range pubsub.Channel() {
			var frame bridgeFrame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				log.Printf("bridge: dropping malformed frame on %s: %v", msg.Channel, err)
				continue
			}
			if frame.Origin == b.instanceID {
				continue
			}
			hub := b.hubManager.Get(sessionID)
			if hub == nil {
				continue
			}
			hub.Broadcast(frame.Data)
		}
	}()
}

// Unsubscribe stops relaying frames for the session.
func (b *Bridge) Unsubscribe(sessionID string) {
	b.mu.Lock()
	pubsub, ok := b.subs[sessionID]
	if ok {
		delete(b.subs, sessionID)
	}
	b.mu.Unlock()

	if ok {
		pubsub.Close()
	}
}

// Close stops all subscriptions.
func (b *Bridge) Close() {
	b.cancel()

	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*redis.PubSub)
	b.mu.Unlock()

	for _, pubsub := range subs {
		pubsub.Close()
	}
}
