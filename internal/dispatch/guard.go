package dispatch

import (
	"context"
	"log"
	"time"
)

// claimClient is the slice of the broker the guard needs: an atomic
// set-if-absent claim with a TTL. Implemented by messaging.Broker.
type claimClient interface {
	Prefix() string
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// reactionClaimTTL bounds how long a claim key lives. Long enough that a
// redelivered event cannot react twice, short enough that claim keys never
// accumulate.
const reactionClaimTTL = 10 * time.Minute

// RedisReactionGuard elects the reacting instance per event through an
// atomic claim on the shared broker storage. The first instance to claim
// <prefix>:reacted:<event-id> runs the reaction rules; everyone else skips
// them.
type RedisReactionGuard struct {
	claims claimClient
}

// NewRedisReactionGuard creates a guard on the shared broker storage.
func NewRedisReactionGuard(c claimClient) *RedisReactionGuard {
	return &RedisReactionGuard{claims: c}
}

// FirstReaction reports whether this instance won the claim for eventID.
// When the claim store is unreachable it returns true: a duplicate
// derived event beats losing the reaction entirely.
func (g *RedisReactionGuard) FirstReaction(ctx context.Context, eventID string) bool {
	key := g.claims.Prefix() + ":reacted:" + eventID
	won, err := g.claims.Claim(ctx, key, reactionClaimTTL)
	if err != nil {
		log.Printf("dispatch: reaction claim event=%s: %v", eventID, err)
		return true
	}
	return won
}

var _ ReactionGuard = (*RedisReactionGuard)(nil)
