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

package qmgr

import (
	"container/list"
	"time"

	"github.com/foxcpp/qmgr/framework/exterrors"
	"golang.org/x/time/rate"
)

// Values of Queue.window below 1 that have special meaning.
const (
	windowThrottled = 0
	windowSuspended = -1
	windowSaved     = -2
)

// Queue holds entries for a single nexthop of a single transport.
type Queue struct {
	Nexthop   string
	transport *Transport

	todo *list.List
	busy *list.List

	// > 0  alive, up to window entries may be busy at once
	// 0    throttled, reason is set and the unthrottle timer is pending
	// -1   suspended, the resume timer is pending
	// -2   suspended and empty, destroyed once the resume timer fires
	window int
	reason error

	lastDone     time.Time
	sessionCache bool

	congestionWarn *rate.Limiter

	elem      *list.Element
	destroyed bool
}

type unthrottleTimer struct{ q *Queue }

type resumeTimer struct{ q *Queue }

func (q *Queue) Transport() *Transport {
	return q.transport
}

func (q *Queue) Window() int {
	return q.window
}

func (q *Queue) Reason() error {
	return q.reason
}

func (q *Queue) TodoLen() int {
	return q.todo.Len()
}

func (q *Queue) BusyLen() int {
	return q.busy.Len()
}

func (q *Queue) SessionCache() bool {
	return q.sessionCache
}

// Todo returns entries not dispatched yet, oldest first.
func (q *Queue) Todo() []*Entry {
	res := make([]*Entry, 0, q.todo.Len())
	for e := q.todo.Front(); e != nil; e = e.Next() {
		res = append(res, e.Value.(*Entry))
	}
	return res
}

func (q *Queue) Dead() bool {
	return q.window == windowThrottled
}

func (q *Queue) Suspended() bool {
	return q.window == windowSuspended || q.window == windowSaved
}

func (q *Queue) empty() bool {
	return q.todo.Len() == 0 && q.busy.Len() == 0
}

// ready reports whether the queue can admit one more delivery.
func (q *Queue) ready() bool {
	return q.window > q.busy.Len() && q.todo.Len() != 0
}

func (q *Queue) checkWindow(where string) {
	if q.window < windowSaved {
		exterrors.Panicf(where, "queue %s/%s: invalid concurrency window %d", q.transport.Name, q.Nexthop, q.window)
	}
}

func (s *Scheduler) createQueue(t *Transport, nexthop string) *Queue {
	q := &Queue{
		Nexthop:   nexthop,
		transport: t,
		todo:      list.New(),
		busy:      list.New(),
		window:    t.limits.InitDestConcurrency,
	}
	q.elem = t.queueList.PushBack(q)
	t.queues[nexthop] = q
	s.queueCount++
	queuesGauge.Inc()
	return q
}

// destroyQueue removes an empty queue from its transport.
func (s *Scheduler) destroyQueue(q *Queue) {
	if !q.empty() {
		exterrors.Panicf("destroyQueue", "queue %s/%s is not empty", q.transport.Name, q.Nexthop)
	}
	if q.window == windowThrottled {
		exterrors.Panicf("destroyQueue", "queue %s/%s is throttled", q.transport.Name, q.Nexthop)
	}
	s.events.CancelTimer(resumeTimer{q})

	t := q.transport
	t.queueList.Remove(q.elem)
	delete(t.queues, q.Nexthop)
	q.destroyed = true
	s.queueCount--
	queuesGauge.Dec()
}
