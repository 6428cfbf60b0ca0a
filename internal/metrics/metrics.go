package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
)

// counterSet is a small thread-safe map of named counters with a running total.
type counterSet struct {
	total  uint64
	mu     sync.Mutex
	byName map[string]uint64
}

func (c *counterSet) inc(name string) {
	atomic.AddUint64(&c.total, 1)
	c.mu.Lock()
	if c.byName == nil {
		c.byName = make(map[string]uint64)
	}
	c.byName[name]++
	c.mu.Unlock()
}

func (c *counterSet) snapshot() (uint64, map[string]uint64) {
	total := atomic.LoadUint64(&c.total)
	c.mu.Lock()
	defer c.mu.Unlock()
	by := make(map[string]uint64, len(c.byName))
	for k, v := range c.byName {
		by[k] = v
	}
	return total, by
}

func (c *counterSet) reset() {
	atomic.StoreUint64(&c.total, 0)
	c.mu.Lock()
	c.byName = nil
	c.mu.Unlock()
}

var (
	rateLimitDrops counterSet
	botUpdates     counterSet // by update kind: message, callback_query, ignored
	deliveries     counterSet // by outcome: delivered, failed, skipped, dead_letter
)

// IncRateLimitDrop increments drop counters for the given prefix.
// Use prefix "global" for global limiter rejections.
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	rateLimitDrops.inc(prefix)
}

// RateLimitSnapshot returns a copy of the current counters.
func RateLimitSnapshot() (total uint64, by map[string]uint64) {
	return rateLimitDrops.snapshot()
}

// IncBotUpdate counts an inbound Telegram update by kind.
func IncBotUpdate(kind string) {
	botUpdates.inc(kind)
}

// IncDelivery counts a queue item outcome.
func IncDelivery(outcome string) {
	deliveries.inc(outcome)
}

// Snapshot returns every counter group, keyed by group name.
func Snapshot() map[string]interface{} {
	out := make(map[string]interface{}, 3)
	for name, set := range map[string]*counterSet{
		"rate_limit_drops":   &rateLimitDrops,
		"bot_updates":        &botUpdates,
		"webhook_deliveries": &deliveries,
	} {
		total, by := set.snapshot()
		out[name] = map[string]interface{}{"total": total, "by": by}
	}
	return out
}

// Names returns the sorted counter names of a group snapshot.
func Names(by map[string]uint64) []string {
	names := make([]string, 0, len(by))
	for k := range by {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Reset clears all counters. Tests only.
func Reset() {
	rateLimitDrops.reset()
	botUpdates.reset()
	deliveries.reset()
}
