/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

/*
Package events implements the single-threaded event loop the scheduler runs
in.

All scheduler state is owned by the loop goroutine. Other goroutines
(delivery agent I/O, the timer wheel) never touch it directly, they Post a
callback that the loop runs. Timers are keyed: requesting a timer for a key
that is already pending replaces it, and a cancelled timer is guaranteed
not to run even if the wheel already dispatched it.
*/
package events

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/foxcpp/qmgr/framework/exterrors"
	"github.com/foxcpp/qmgr/framework/log"
)

type timer struct {
	key interface{}
	fn  func()
}

type Loop struct {
	Log log.Logger

	wheel *TimeWheel

	pendingLock sync.Mutex
	pending     []func()
	wakeup      chan struct{}
	stop        chan error

	// Accessed only from the loop goroutine.
	timers     map[interface{}]*timer
	afterEvent []func()
}

func NewLoop(l log.Logger) *Loop {
	loop := &Loop{
		Log:    l,
		wakeup: make(chan struct{}, 1),
		stop:   make(chan error, 1),
		timers: make(map[interface{}]*timer),
	}
	loop.wheel = NewTimeWheel(loop.fire)
	return loop
}

func (l *Loop) fire(slot TimeSlot) {
	t := slot.Value.(*timer)
	l.Post(func() {
		if l.timers[t.key] != t {
			// Cancelled or replaced after the wheel dispatched it.
			return
		}
		delete(l.timers, t.key)
		t.fn()
	})
}

// Now returns the current time as seen by the scheduler.
func (l *Loop) Now() time.Time {
	return time.Now()
}

// RequestTimer arranges fn to be called on the loop goroutine after delay.
// A pending timer with the same key is replaced.
//
// Must be called from the loop goroutine.
func (l *Loop) RequestTimer(key interface{}, delay time.Duration, fn func()) {
	if old := l.timers[key]; old != nil {
		l.wheel.Remove(old)
	}
	t := &timer{key: key, fn: fn}
	l.timers[key] = t
	l.wheel.Add(time.Now().Add(delay), t)
}

// CancelTimer removes the pending timer with the specified key. It reports
// whether there was one.
//
// Must be called from the loop goroutine.
func (l *Loop) CancelTimer(key interface{}) bool {
	t := l.timers[key]
	if t == nil {
		return false
	}
	delete(l.timers, key)
	l.wheel.Remove(t)
	return true
}

// PendingTimers returns the amount of requested timers that did not run
// yet.
func (l *Loop) PendingTimers() int {
	return len(l.timers)
}

// Post schedules fn to be called on the loop goroutine. It is safe to call
// from any goroutine and never blocks.
func (l *Loop) Post(fn func()) {
	l.pendingLock.Lock()
	l.pending = append(l.pending, fn)
	l.pendingLock.Unlock()

	select {
	case l.wakeup <- struct{}{}:
	default:
	}
}

// AfterEvent registers a hook that is called after each batch of callbacks.
// The scheduler uses it to start deliveries made possible by the processed
// events.
func (l *Loop) AfterEvent(fn func()) {
	l.afterEvent = append(l.afterEvent, fn)
}

// Stop makes Run return err. Only the first call has effect.
func (l *Loop) Stop(err error) {
	select {
	case l.stop <- err:
	default:
	}
}

// Run processes events until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	for _, hook := range l.afterEvent {
		hook()
	}

	for {
		select {
		case err := <-l.stop:
			return err
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-l.stop:
			return err
		case <-l.wakeup:
		}

		l.pendingLock.Lock()
		batch := l.pending
		l.pending = nil
		l.pendingLock.Unlock()

		for _, fn := range batch {
			l.run(fn)
		}
		for _, hook := range l.afterEvent {
			l.run(hook)
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if err := recover(); err != nil {
			// Invariant violations and fatal conditions must not be masked.
			if _, ok := exterrors.AsBug(err); ok {
				panic(err)
			}
			if _, ok := exterrors.AsFatal(err); ok {
				panic(err)
			}
			l.Log.Printf("panic during event dispatch: %v\n%s", err, debug.Stack())
		}
	}()
	fn()
}

// Close stops the timer wheel. Pending timers are discarded.
func (l *Loop) Close() {
	l.wheel.Close()
}
