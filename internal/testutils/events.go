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

package testutils

import (
	"sort"
	"time"
)

type manualTimer struct {
	key interface{}
	at  time.Time
	seq int
	fn  func()
}

// Events is a manually driven timer facility and clock. Timers run only
// when the test calls Advance or Fire, which makes scheduling tests
// deterministic.
type Events struct {
	now    time.Time
	seq    int
	timers map[interface{}]*manualTimer
}

func NewEvents() *Events {
	return &Events{
		now:    time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		timers: make(map[interface{}]*manualTimer),
	}
}

func (e *Events) Now() time.Time {
	return e.now
}

func (e *Events) RequestTimer(key interface{}, delay time.Duration, fn func()) {
	e.seq++
	e.timers[key] = &manualTimer{key: key, at: e.now.Add(delay), seq: e.seq, fn: fn}
}

func (e *Events) CancelTimer(key interface{}) bool {
	_, ok := e.timers[key]
	delete(e.timers, key)
	return ok
}

// Len returns the amount of pending timers.
func (e *Events) Len() int {
	return len(e.timers)
}

// Pending reports whether the timer with the specified key is pending.
func (e *Events) Pending(key interface{}) bool {
	_, ok := e.timers[key]
	return ok
}

// Due returns the time the pending timer with the specified key will fire
// at.
func (e *Events) Due(key interface{}) (time.Time, bool) {
	t, ok := e.timers[key]
	if !ok {
		return time.Time{}, false
	}
	return t.at, true
}

// Sleep moves the clock without running any timers.
func (e *Events) Sleep(d time.Duration) {
	e.now = e.now.Add(d)
}

// Advance moves the clock forward by d running all timers that become due,
// in the order of their due time.
func (e *Events) Advance(d time.Duration) {
	target := e.now.Add(d)
	for {
		due := make([]*manualTimer, 0, len(e.timers))
		for _, t := range e.timers {
			if !t.at.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			break
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].at.Equal(due[j].at) {
				return due[i].seq < due[j].seq
			}
			return due[i].at.Before(due[j].at)
		})

		t := due[0]
		delete(e.timers, t.key)
		if t.at.After(e.now) {
			e.now = t.at
		}
		t.fn()
	}
	e.now = target
}

// Fire runs the pending timer with the specified key immediately.
func (e *Events) Fire(key interface{}) bool {
	t, ok := e.timers[key]
	if !ok {
		return false
	}
	delete(e.timers, key)
	t.fn()
	return true
}
