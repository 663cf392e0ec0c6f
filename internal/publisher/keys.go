package publisher

import (
	"time"

	"github.com/voiceops/admin-gateway/internal/event"
)

// Persisted key layout, all under the broker prefix:
//
//	<prefix>:event:<id>                    event record, TTL-bounded
//	<prefix>:session:<id>:events           per-session history list, capped
//	<prefix>:events:by_kind:<kind>         sorted index scored by timestamp
//	<prefix>:metrics:events:<kind>:<slot>  volume counters
const (
	// HistoryCap bounds each session's event history list.
	HistoryCap = 100

	// hourlyCounterTTL and dailyCounterTTL bound counter key lifetimes so
	// stale buckets expire on their own.
	hourlyCounterTTL = 48 * time.Hour
	dailyCounterTTL  = 35 * 24 * time.Hour
)

func eventKey(prefix, id string) string {
	return prefix + ":event:" + id
}

func sessionHistoryKey(prefix, sessionID string) string {
	return prefix + ":session:" + sessionID + ":events"
}

func kindIndexKey(prefix string, kind event.Kind) string {
	return prefix + ":events:by_kind:" + string(kind)
}

func counterKey(prefix string, kind event.Kind, slot string) string {
	return prefix + ":metrics:events:" + string(kind) + ":" + slot
}

// counterSlots returns the hourly bucket, daily bucket, and all-time slot
// names for a publish at time t.
func counterSlots(t time.Time) (hourly, daily, total string) {
	t = t.UTC()
	return t.Format("2006010215"), t.Format("20060102"), "total"
}
