// Package pool provides pooled resources shared by the session layer.
package pool

import (
	"sync"
	"time"
)

// The session's coalescing sender arms and disarms a timer on every wake;
// pooling the timers keeps that churn off the allocator.
var timerPool sync.Pool

// GetTimer returns a timer armed for d.
//
// Return the timer with PutTimer once it is no longer needed.
func GetTimer(d time.Duration) *time.Timer {
	if v := timerPool.Get(); v != nil {
		t, _ := v.(*time.Timer)
		if t.Reset(d) {
			// Still armed from a previous user; drain a pending fire.
			select {
			case <-t.C:
			default:
			}
		}
		return t
	}
	return time.NewTimer(d)
}

// PutTimer stops t and returns it to the pool.
//
// t must not be touched after being returned.
func PutTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	timerPool.Put(t)
}
