// SPDX-License-Identifier: GPL-2.0-only

package eventloop

// Timer is a single armed timeout. Zero IntervalMs means one-shot; a
// non-zero value re-arms the timer at now+IntervalMs after it fires.
type Timer struct {
	expiryMs   int64
	cb         func()
	IntervalMs int64
	AutoFree   bool

	armed bool
}

// insertTimer inserts t into the ascending-by-expiry timer list. Timer
// counts are small (dozens at most), so a linear insert into a flat slice
// is preferable to an intrusive list or a heap.
func (l *Loop) insertTimer(t *Timer) {
	timers := l.timers
	i := 0
	for ; i < len(timers); i++ {
		if t.expiryMs < timers[i].expiryMs {
			break
		}
	}
	timers = append(timers, nil)
	copy(timers[i+1:], timers[i:])
	timers[i] = t
	l.timers = timers
	t.armed = true
}

func (l *Loop) deleteTimer(t *Timer) {
	if !t.armed {
		return
	}
	for i, cur := range l.timers {
		if cur == t {
			l.timers = append(l.timers[:i], l.timers[i+1:]...)
			break
		}
	}
	t.armed = false
}

// AddTimer arms a new timer to fire delayMs from now. Passing a non-zero
// intervalMs re-arms it after every firing. autoFree is recorded on the
// timer but does not change behavior: a fired one-shot always leaves
// the timer list.
func (l *Loop) AddTimer(delayMs int64, cb func(), intervalMs int64, autoFree bool) *Timer {
	t := &Timer{
		expiryMs:   l.nowMs() + delayMs,
		cb:         cb,
		IntervalMs: intervalMs,
		AutoFree:   autoFree,
	}
	l.insertTimer(t)
	return t
}

// CancelTimer removes t from the timer list. Canceling a timer that is
// not armed, or nil, is a no-op.
func (l *Loop) CancelTimer(t *Timer) {
	if t == nil {
		return
	}
	l.deleteTimer(t)
}

// runTimers fires every timer whose expiry has passed as of a single
// sampled "now", matching backend_event_loop_run_timers: no timer added
// during this pass is reconsidered until the next loop iteration.
func (l *Loop) runTimers() {
	now := l.nowMs()
	for len(l.timers) > 0 && l.timers[0].expiryMs <= now {
		t := l.timers[0]
		l.timers = l.timers[1:]
		t.armed = false
		t.cb()

		if t.IntervalMs > 0 {
			t.expiryMs = now + t.IntervalMs
			l.insertTimer(t)
		}
		// One-shot timers need no further bookkeeping; AutoFree only
		// mattered in the original's manual allocator.
	}
}
