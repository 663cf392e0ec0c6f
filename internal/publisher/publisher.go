// Package publisher stamps and validates domain events and writes them to
// the broker channel for their kind, optionally persisting them under
// TTL-bounded keys for short-lived replay and audit queries. Publishing
// never blocks on recipient resolution or distribution work.
package publisher

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/voiceops/admin-gateway/internal/event"
	"github.com/voiceops/admin-gateway/internal/messaging"
	"github.com/voiceops/admin-gateway/internal/metrics"
)

// Options control persistence for a publish call.
type Options struct {
	Persistent bool
	TTL        time.Duration // record TTL when Persistent; DefaultTTL if zero
}

// DefaultTTL bounds persisted event records when no TTL is given.
const DefaultTTL = 1 * time.Hour

// Publisher writes events to the broker and maintains the persisted
// indices and volume counters.
type Publisher struct {
	broker *messaging.Broker
}

// New creates a Publisher on top of the broker.
func New(broker *messaging.Broker) *Publisher {
	return &Publisher{broker: broker}
}

// Publish validates and stamps the event, writes it to the broker channel
// for its kind, and applies persistence and counters per opts. The broker
// write is the only cross-process path; an acknowledged write reaches
// every live subscriber of the channel. Counter failures are logged and
// never fail the publish.
func (p *Publisher) Publish(ctx context.Context, e *event.Event, opts Options) error {
	data, err := p.prepare(e)
	if err != nil {
		return err
	}

	pipe := p.broker.Client().Pipeline()
	p.queuePublish(ctx, pipe, e, data, opts)
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.PublishErrors.Inc()
		return fmt.Errorf("publisher: publish %s: %w", e.Kind, err)
	}

	p.bumpCounters(ctx, map[event.Kind]int64{e.Kind: 1}, e.Timestamp)
	metrics.EventsPublished.WithLabelValues(string(e.Kind)).Inc()
	return nil
}

// PublishBatch publishes N events with the same observable deliveries as N
// sequential Publish calls, but groups all channel and persistence writes
// into a single broker round-trip and aggregates counters per kind.
func (p *Publisher) PublishBatch(ctx context.Context, events []*event.Event, opts Options) error {
	if len(events) == 0 {
		return nil
	}

	type staged struct {
		e    *event.Event
		data []byte
	}
	batch := make([]staged, 0, len(events))
	for _, e := range events {
		data, err := p.prepare(e)
		if err != nil {
			return err
		}
		batch = append(batch, staged{e, data})
	}

	perKind := make(map[event.Kind]int64)
	pipe := p.broker.Client().Pipeline()
	for _, s := range batch {
		p.queuePublish(ctx, pipe, s.e, s.data, opts)
		perKind[s.e.Kind]++
	}
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.PublishErrors.Inc()
		return fmt.Errorf("publisher: publish batch of %d: %w", len(batch), err)
	}

	p.bumpCounters(ctx, perKind, batch[0].e.Timestamp)
	for kind, n := range perKind {
		metrics.EventsPublished.WithLabelValues(string(kind)).Add(float64(n))
	}
	return nil
}

// prepare assigns missing id/timestamp and verifies the event against the
// closed union before it touches the wire.
func (p *Publisher) prepare(e *event.Event) ([]byte, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	data, err := event.Marshal(e)
	if err != nil {
		return nil, err
	}
	if _, err := event.Validate(data); err != nil {
		return nil, fmt.Errorf("publisher: refusing %s: %w", e.Kind, err)
	}
	return data, nil
}

// queuePublish stages the channel write and, when persistent, the record,
// history, and index writes on the pipeline.
func (p *Publisher) queuePublish(ctx context.Context, pipe redis.Pipeliner, e *event.Event, data []byte, opts Options) {
	prefix := p.broker.Prefix()
	pipe.Publish(ctx, p.broker.EventChannel(e.Kind), data)

	if !opts.Persistent {
		return
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	pipe.Set(ctx, eventKey(prefix, e.ID), data, ttl)

	if e.SessionID != "" {
		historyKey := sessionHistoryKey(prefix, e.SessionID)
		pipe.LPush(ctx, historyKey, e.ID)
		pipe.LTrim(ctx, historyKey, 0, HistoryCap-1)
		pipe.Expire(ctx, historyKey, ttl)
	}

	indexKey := kindIndexKey(prefix, e.Kind)
	pipe.ZAdd(ctx, indexKey, redis.Z{
		Score:  float64(e.Timestamp.UnixMilli()),
		Member: e.ID,
	})
	pipe.Expire(ctx, indexKey, ttl)
}

// bumpCounters increments the hourly, daily, and all-time volume counters.
// Monitoring only: failures are logged, never surfaced.
func (p *Publisher) bumpCounters(ctx context.Context, perKind map[event.Kind]int64, at time.Time) {
	prefix := p.broker.Prefix()
	hourly, daily, _ := counterSlots(at)

	pipe := p.broker.Client().Pipeline()
	for kind, n := range perKind {
		hourlyKey := counterKey(prefix, kind, hourly)
		dailyKey := counterKey(prefix, kind, daily)
		pipe.IncrBy(ctx, hourlyKey, n)
		pipe.Expire(ctx, hourlyKey, hourlyCounterTTL)
		pipe.IncrBy(ctx, dailyKey, n)
		pipe.Expire(ctx, dailyKey, dailyCounterTTL)
		pipe.IncrBy(ctx, counterKey(prefix, kind, "total"), n)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("publisher: counter update failed: %v", err)
	}
}

// SessionEventHistory returns up to limit persisted events from the
// session's bounded history list, newest first. Malformed or expired
// records are logged and skipped.
func (p *Publisher) SessionEventHistory(ctx context.Context, sessionID string, limit int) ([]*event.Event, error) {
	if limit <= 0 || limit > HistoryCap {
		limit = HistoryCap
	}

	ids, err := p.broker.Client().LRange(ctx, sessionHistoryKey(p.broker.Prefix(), sessionID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("publisher: session history %s: %w", sessionID, err)
	}
	return p.fetchEvents(ctx, ids)
}

// EventsByKind returns persisted events of one kind with timestamps in
// [from, to], oldest first, up to limit.
func (p *Publisher) EventsByKind(ctx context.Context, kind event.Kind, from, to time.Time, limit int) ([]*event.Event, error) {
	rng := &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", from.UnixMilli()),
		Max: fmt.Sprintf("%d", to.UnixMilli()),
	}
	if limit > 0 {
		rng.Count = int64(limit)
	}

	ids, err := p.broker.Client().ZRangeByScore(ctx, kindIndexKey(p.broker.Prefix(), kind), rng).Result()
	if err != nil {
		return nil, fmt.Errorf("publisher: events by kind %s: %w", kind, err)
	}
	return p.fetchEvents(ctx, ids)
}

// fetchEvents resolves event ids to validated records, skipping entries
// whose record has expired or no longer parses.
func (p *Publisher) fetchEvents(ctx context.Context, ids []string) ([]*event.Event, error) {
	if len(ids) == 0 {
		return []*event.Event{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = eventKey(p.broker.Prefix(), id)
	}

	values, err := p.broker.Client().MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("publisher: fetch events: %w", err)
	}

	out := make([]*event.Event, 0, len(values))
	for i, v := range values {
		if v == nil {
			continue // record expired before its index entry
		}
		raw, ok := v.(string)
		if !ok {
			log.Printf("publisher: unexpected record type for %s", ids[i])
			continue
		}
		e, err := event.Validate([]byte(raw))
		if err != nil {
			log.Printf("publisher: skipping malformed record %s: %v", ids[i], err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
