// Package messaging provides the broker clients connecting gateway
// processes and backend workers: a Redis pub/sub broker carrying the
// domain event channels, and a NATS client for the analysis work queue.
// Publishers and subscribers in different processes communicate only
// through these brokers, never through in-memory calls.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voiceops/admin-gateway/internal/event"
)

// DefaultPrefix namespaces every broker channel and persisted key.
const DefaultPrefix = "adminvoice"

// RawHandler receives the raw payload of one broker message.
type RawHandler func(channel string, data []byte)

// BrokerConfig holds Redis broker connection settings.
type BrokerConfig struct {
	Addr     string // host:port
	Password string
	DB       int
	Prefix   string // key/channel namespace
}

// DefaultBrokerConfig returns sensible defaults.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		Addr:   "localhost:6379",
		Prefix: DefaultPrefix,
	}
}

// Broker wraps the Redis client with channel naming and subscription
// lifecycle management. One receive loop runs per underlying pub/sub
// connection; go-redis reconnects those automatically, so a broker outage
// degrades delivery but never crashes the process.
type Broker struct {
	client *redis.Client
	prefix string

	mu             sync.Mutex
	subs           map[string]*receiveLoop // exact channel -> loop
	psubs          map[string]*receiveLoop // pattern -> loop
	onReceiveError func(error)
}

type receiveLoop struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// NewBroker connects to Redis and verifies the connection with a ping.
func NewBroker(config BrokerConfig) (*Broker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("messaging: redis connection failed: %w", err)
	}

	prefix := config.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}

	log.Printf("[broker] connected to redis at %s (prefix=%s)", config.Addr, prefix)

	return &Broker{
		client: client,
		prefix: prefix,
		subs:   make(map[string]*receiveLoop),
		psubs:  make(map[string]*receiveLoop),
	}, nil
}

// Prefix returns the configured namespace.
func (b *Broker) Prefix() string {
	return b.prefix
}

// Client returns the underlying Redis client for use by the publisher's
// pipelined persistence and counter writes.
func (b *Broker) Client() *redis.Client {
	return b.client
}

// EventChannel returns the broker channel carrying events of one kind:
// <prefix>:events:<kind>.
func (b *Broker) EventChannel(kind event.Kind) string {
	return b.prefix + ":events:" + string(kind)
}

// EventPattern returns the wildcard pattern matching every event channel.
func (b *Broker) EventPattern() string {
	return b.prefix + ":events:*"
}

// KindFromChannel extracts the event kind from a channel name produced by
// EventChannel. Returns false for channels outside the event namespace.
func (b *Broker) KindFromChannel(channel string) (event.Kind, bool) {
	head := b.prefix + ":events:"
	if !strings.HasPrefix(channel, head) {
		return "", false
	}
	return event.Kind(strings.TrimPrefix(channel, head)), true
}

// Publish writes data to a broker channel. An acknowledged write is
// delivered to every live subscriber of that channel, in publish order.
func (b *Broker) Publish(ctx context.Context, channel string, data []byte) error {
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe attaches a handler to an exact channel. The handler runs on
// the channel's receive-loop goroutine; callers needing concurrency fan
// out themselves.
func (b *Broker) Subscribe(channel string, handler RawHandler) error {
	return b.subscribe(b.subs, channel, false, handler)
}

// PSubscribe attaches a handler to a channel pattern (e.g. the event
// wildcard from EventPattern).
func (b *Broker) PSubscribe(pattern string, handler RawHandler) error {
	return b.subscribe(b.psubs, pattern, true, handler)
}

func (b *Broker) subscribe(reg map[string]*receiveLoop, key string, pattern bool, handler RawHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := reg[key]; exists {
		return fmt.Errorf("messaging: already subscribed to %s", key)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var pubsub *redis.PubSub
	if pattern {
		pubsub = b.client.PSubscribe(ctx, key)
	} else {
		pubsub = b.client.Subscribe(ctx, key)
	}

	loop := &receiveLoop{pubsub: pubsub, cancel: cancel}
	reg[key] = loop

	go b.receive(ctx, pubsub, handler)

	return nil
}

// receive pumps one pub/sub connection. go-redis reconnects the
// underlying connection on its own; errors in between are reported
// through the receive-error handler so subscribers can flip their health
// flag, then the loop keeps trying.
func (b *Broker) receive(ctx context.Context, pubsub *redis.PubSub, handler RawHandler) {
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			log.Printf("[broker] receive: %v", err)
			b.mu.Lock()
			notify := b.onReceiveError
			b.mu.Unlock()
			if notify != nil {
				notify(err)
			}
			time.Sleep(time.Second)
			continue
		}
		handler(msg.Channel, []byte(msg.Payload))
	}
}

// SetReceiveErrorHandler registers a callback invoked whenever a receive
// loop hits a broker error. One handler serves every subscription.
func (b *Broker) SetReceiveErrorHandler(fn func(error)) {
	b.mu.Lock()
	b.onReceiveError = fn
	b.mu.Unlock()
}

// Claim atomically creates key with the given TTL if it does not exist,
// reporting whether this caller created it. Shared-storage single-winner
// election across gateway instances.
func (b *Broker) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	won, err := b.client.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("messaging: claim %s: %w", key, err)
	}
	return won, nil
}

// Unsubscribe tears down the subscription for an exact channel.
func (b *Broker) Unsubscribe(channel string) error {
	return b.unsubscribe(b.subs, channel)
}

// PUnsubscribe tears down a pattern subscription.
func (b *Broker) PUnsubscribe(pattern string) error {
	return b.unsubscribe(b.psubs, pattern)
}

func (b *Broker) unsubscribe(reg map[string]*receiveLoop, key string) error {
	b.mu.Lock()
	loop, ok := reg[key]
	if ok {
		delete(reg, key)
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("messaging: no subscription for %s", key)
	}
	loop.cancel()
	if err := loop.pubsub.Close(); err != nil {
		return fmt.Errorf("messaging: close subscription %s: %w", key, err)
	}
	return nil
}

// Healthy reports whether the broker connection answers a ping.
func (b *Broker) Healthy(ctx context.Context) bool {
	return b.client.Ping(ctx).Err() == nil
}

// Close tears down all subscriptions and the Redis connection.
func (b *Broker) Close() {
	b.mu.Lock()
	loops := make([]*receiveLoop, 0, len(b.subs)+len(b.psubs))
	for _, l := range b.subs {
		loops = append(loops, l)
	}
	for _, l := range b.psubs {
		loops = append(loops, l)
	}
	b.subs = make(map[string]*receiveLoop)
	b.psubs = make(map[string]*receiveLoop)
	b.mu.Unlock()

	for _, l := range loops {
		l.cancel()
		_ = l.pubsub.Close()
	}
	if err := b.client.Close(); err != nil {
		log.Printf("[broker] close: %v", err)
	}
	log.Printf("[broker] closed")
}
