/*
Logic: atomic counters shared across the listener, the upgrade
tunnel, and the health endpoint. Generalizes the teacher
middleware's AtomicCounter (single global instance here instead of
per-org, since spec.md §3 "Admission state" names one counter, not a
per-tenant set).
*/

package stats

import "sync/atomic"

// Counter is a thread-safe atomic counter that can go up and down.
type Counter struct {
	value int64
}

// Inc increments the counter by 1 and returns the new value.
func (c *Counter) Inc() int64 { return atomic.AddInt64(&c.value, 1) }

// Dec decrements the counter by 1 and returns the new value.
func (c *Counter) Dec() int64 { return atomic.AddInt64(&c.value, -1) }

// Add adds delta and returns the new value.
func (c *Counter) Add(delta int64) int64 { return atomic.AddInt64(&c.value, delta) }

// Get returns the current value.
func (c *Counter) Get() int64 { return atomic.LoadInt64(&c.value) }

// Runtime is the set of daemon-wide counters exposed through the
// health endpoint (spec.md §6).
type Runtime struct {
	ActiveClients       Counter
	OverloadRejections  Counter
}
