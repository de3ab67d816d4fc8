package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus implements MessageBus using Redis pub/sub.
// Redis delivers to connected subscribers only, like core NATS.
type RedisBus struct {
	client redis.UniversalClient
	config RedisConfig
	closed atomic.Bool
}

// RedisConfig holds Redis bus configuration.
type RedisConfig struct {
	Config // Embed base config

	// Timeout bounds publish and subscribe round trips.
	// Default: 5s
	Timeout time.Duration
}

// DefaultRedisConfig returns configuration with sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Config:  DefaultConfig(),
		Timeout: 5 * time.Second,
	}
}

// NewRedisBus creates a bus on an existing client. Close leaves the client open.
func NewRedisBus(client redis.UniversalClient, cfg RedisConfig) *RedisBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRedisConfig().Timeout
	}
	return &RedisBus{client: client, config: cfg}
}

// Publish sends a message to a subject.
func (b *RedisBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.config.Timeout)
	defer cancel()
	if err := b.client.Publish(ctx, subject, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe creates a subscription to a subject. It returns once Redis has
// confirmed the subscription, so no later publish is missed.
func (b *RedisBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.config.Timeout)
	defer cancel()

	ps := b.client.Subscribe(ctx, subject)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	s := &redisSub{
		ps:   ps,
		ch:   make(chan *Message, b.config.BufferSize),
		quit: make(chan struct{}),
	}
	go s.pump(ps.Channel())
	return s, nil
}

// Close marks the bus closed. The client belongs to the caller.
func (b *RedisBus) Close() error {
	b.closed.Store(true)
	return nil
}

// redisSub wraps a Redis pub/sub connection.
type redisSub struct {
	ps   *redis.PubSub
	ch   chan *Message
	quit chan struct{}
	once sync.Once
}

func (s *redisSub) pump(in <-chan *redis.Message) {
	defer close(s.ch)
	for {
		select {
		case <-s.quit:
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.ch <- &Message{Subject: m.Channel, Data: []byte(m.Payload)}:
			default:
				// Buffer full
			}
		}
	}
}

// Messages returns the message channel.
func (s *redisSub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *redisSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		close(s.quit)
		err = s.ps.Close()
	})
	return err
}
