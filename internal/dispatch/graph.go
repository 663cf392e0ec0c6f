package dispatch

import (
	"context"
	"fmt"

	"github.com/voiceops/admin-gateway/internal/event"
	"github.com/voiceops/admin-gateway/internal/messaging"
)

// RedisGraphCounters keeps broker-backed counters of graph mutations by
// node and relationship type, shared across gateway instances:
//
//	<prefix>:metrics:graph:nodes          hash: node type -> count
//	<prefix>:metrics:graph:relationships  hash: relationship type -> count
type RedisGraphCounters struct {
	broker *messaging.Broker
}

// NewRedisGraphCounters creates counters on the shared broker storage.
func NewRedisGraphCounters(b *messaging.Broker) *RedisGraphCounters {
	return &RedisGraphCounters{broker: b}
}

// RecordGraphUpdate bumps the per-type counters for one graph mutation.
func (g *RedisGraphCounters) RecordGraphUpdate(ctx context.Context, p event.GraphUpdatePayload) error {
	prefix := g.broker.Prefix()
	pipe := g.broker.Client().Pipeline()
	if p.NodeType != "" {
		n := int64(p.NodesAffected)
		if n == 0 {
			n = 1
		}
		pipe.HIncrBy(ctx, prefix+":metrics:graph:nodes", p.NodeType, n)
	}
	if p.RelationshipType != "" {
		n := int64(p.RelationshipsAffected)
		if n == 0 {
			n = 1
		}
		pipe.HIncrBy(ctx, prefix+":metrics:graph:relationships", p.RelationshipType, n)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dispatch: graph counters: %w", err)
	}
	return nil
}
