// Package tuning distributes live algorithm-knob overrides to a running
// pool over Redis Pub/Sub. It carries no connection-slot accounting: the
// pool's capacity and scheduling decisions remain entirely local to the
// instance that owns them, per this project's scope (cross-process
// connection-slot coordination is explicitly out of scope).
package tuning

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/lattice-db/connpool/internal/config"
	"github.com/lattice-db/connpool/internal/pool"
)

// Update is the payload broadcast on the tuning channel: a partial set of
// knob overrides plus the instance that issued them.
type Update struct {
	Source string              `json:"source"`
	Knobs  config.KnobOverrides `json:"knobs"`
}

// Broadcaster publishes knob updates to every subscribed instance,
// including itself (so a single control-plane call can update a whole
// fleet uniformly).
type Broadcaster struct {
	client  *redis.Client
	channel string
}

// NewBroadcaster connects to Redis using cfg. It does not block on
// connectivity and makes no up-front liveness check; connection
// failures surface as errors from Publish.
func NewBroadcaster(cfg config.RedisConfig) *Broadcaster {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	return &Broadcaster{client: client, channel: cfg.Channel}
}

// Publish broadcasts a knob override set to every subscriber.
func (b *Broadcaster) Publish(ctx context.Context, source string, knobs config.KnobOverrides) error {
	payload, err := json.Marshal(Update{Source: source, Knobs: knobs})
	if err != nil {
		return fmt.Errorf("tuning: marshal update: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("tuning: publish: %w", err)
	}
	return nil
}

// Close releases the underlying Redis client.
func (b *Broadcaster) Close() error { return b.client.Close() }

// KnobStore is the subset of Pool's knob-tuning API the Subscriber needs.
// Implemented by *pool.Pool[T] for any connection type T.
type KnobStore interface {
	Knobs() *pool.Knobs
	SetKnobs(*pool.Knobs)
}

// Subscriber applies incoming knob updates to a KnobStore (typically a
// live Pool), always going through SetKnobs so updates are serialized
// with the pool's own mutex rather than racing its adjustment loop.
type Subscriber struct {
	client  *redis.Client
	channel string
	sub     *redis.PubSub

	mu    sync.Mutex
	store KnobStore
}

// NewSubscriber wires a Subscriber to apply knob updates to store
// whenever an Update arrives on cfg.Channel.
func NewSubscriber(cfg config.RedisConfig, store KnobStore) *Subscriber {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	return &Subscriber{client: client, channel: cfg.Channel, store: store}
}

// Run subscribes and applies updates until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) {
	s.sub = s.client.Subscribe(ctx, s.channel)
	ch := s.sub.Channel()
	log.Printf("[tuning] subscribed to %s", s.channel)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.apply(msg.Payload)
		}
	}
}

func (s *Subscriber) apply(payload string) {
	var u Update
	if err := json.Unmarshal([]byte(payload), &u); err != nil {
		log.Printf("[tuning] dropping malformed update: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := *s.store.Knobs() // copy, mutate, then swap the pointer atomically under the pool's own mutex
	u.Knobs.Apply(&next)
	s.store.SetKnobs(&next)
	log.Printf("[tuning] applied knob update from %s", u.Source)
}

// Close unsubscribes and releases the underlying Redis client.
func (s *Subscriber) Close() error {
	if s.sub != nil {
		s.sub.Close()
	}
	return s.client.Close()
}
