// Package usage tracks running per-(user, provider) consumption counters
// in memory, and persists per-dispatch usage rows for billing-style range
// queries. The dispatch core never writes here itself; callers record
// after reading ModelResponse metrics.
package usage

import (
	"sync"
	"time"
)

// Counter is the running total for one (user, provider) pair. Cost is a
// float accumulated by repeated addition in call-completion order; exact
// comparisons belong nowhere near it.
type Counter struct {
	TokensUsed   int64     `json:"tokens_used"`
	RequestCount int64     `json:"request_count"`
	CostUSD      float64   `json:"cost_usd"`
	LastUsedAt   time.Time `json:"last_used_at"`
}

// Delta returns the growth of c relative to an earlier snapshot. Used by
// threshold checks: the caller keeps the previous snapshot and diffs it
// against a fresh read.
func (c Counter) Delta(prev Counter) Counter {
	return Counter{
		TokensUsed:   c.TokensUsed - prev.TokensUsed,
		RequestCount: c.RequestCount - prev.RequestCount,
		CostUSD:      c.CostUSD - prev.CostUSD,
		LastUsedAt:   c.LastUsedAt,
	}
}

type key struct {
	user     string
	provider string
}

// entry carries its own lock so concurrent dispatches for unrelated users
// never serialize on a global mutex; the outer map lock is held only long
// enough to find or insert the entry.
type entry struct {
	mu sync.Mutex
	c  Counter
}

type Accumulator struct {
	mu      sync.RWMutex
	entries map[key]*entry
}

func NewAccumulator() *Accumulator {
	return &Accumulator{entries: make(map[key]*entry)}
}

// Record folds one completed call into the running counter, creating it on
// first use. LastUsedAt is set to the call time unconditionally; a failed
// call that consumed zero tokens still counts as a request.
func (a *Accumulator) Record(userID, providerID string, tokens int, cost float64) {
	e := a.entryFor(key{user: userID, provider: providerID})
	e.mu.Lock()
	e.c.TokensUsed += int64(tokens)
	e.c.RequestCount++
	e.c.CostUSD += cost
	e.c.LastUsedAt = time.Now()
	e.mu.Unlock()
}

// Snapshot reads the current counter value; zero Counter for a pair that
// has never recorded.
func (a *Accumulator) Snapshot(userID, providerID string) Counter {
	a.mu.RLock()
	e, ok := a.entries[key{user: userID, provider: providerID}]
	a.mu.RUnlock()
	if !ok {
		return Counter{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.c
}

// ByUser returns all provider counters recorded for a user.
func (a *Accumulator) ByUser(userID string) map[string]Counter {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]Counter)
	for k, e := range a.entries {
		if k.user != userID {
			continue
		}
		e.mu.Lock()
		out[k.provider] = e.c
		e.mu.Unlock()
	}
	return out
}

func (a *Accumulator) entryFor(k key) *entry {
	a.mu.RLock()
	e, ok := a.entries[k]
	a.mu.RUnlock()
	if ok {
		return e
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok = a.entries[k]; ok {
		return e
	}
	e = &entry{}
	a.entries[k] = e
	return e
}
