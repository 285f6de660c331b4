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
	"errors"
	"time"

	"github.com/foxcpp/qmgr/framework/exterrors"
)

// throttle shrinks the window of q by one. A queue whose window reaches
// zero is dead: no deliveries are admitted until the unthrottle timer
// fires or a delivery to it succeeds.
func (s *Scheduler) throttle(q *Queue, reason error) {
	q.checkWindow("throttle")
	if q.reason != nil {
		exterrors.Panicf("throttle", "queue %s/%s is throttled already", q.transport.Name, q.Nexthop)
	}
	if q.window <= 0 {
		exterrors.Panicf("throttle", "queue %s/%s is not alive (window %d)", q.transport.Name, q.Nexthop, q.window)
	}

	if reason == nil {
		reason = errors.New("qmgr: destination throttled")
	}

	q.window--
	if q.window != windowThrottled {
		s.Log.DebugMsg("window shrunk", "transport", q.transport.Name, "nexthop", q.Nexthop, "window", q.window)
		return
	}

	q.reason = reason
	s.events.RequestTimer(unthrottleTimer{q}, s.cfg.Scheduler.MinBackoff.D(), func() {
		s.unthrottle(q)
		if q.window > 0 && q.empty() {
			s.destroyQueue(q)
		}
	})
	queueThrottles.WithLabelValues(q.transport.Name).Inc()
	s.Log.Error("destination throttled", reason, "transport", q.transport.Name, "nexthop", q.Nexthop)
}

// unthrottle revives a dead queue with the initial window or grows the
// window of an alive one by one.
//
// Growth is capped by the destination concurrency limit and by the
// demonstrated demand: window never exceeds busy+init by more than one.
func (s *Scheduler) unthrottle(q *Queue) {
	q.checkWindow("unthrottle")
	limits := q.transport.limits

	if q.window == windowThrottled {
		s.events.CancelTimer(unthrottleTimer{q})
		q.reason = nil
		q.window = limits.InitDestConcurrency
		s.Log.Msg("destination revived", "transport", q.transport.Name, "nexthop", q.Nexthop, "window", q.window)
		return
	}
	if q.window < 0 {
		return
	}

	if (limits.DestConcurrencyLimit == 0 || limits.DestConcurrencyLimit > q.window) &&
		q.window <= q.busy.Len()+limits.InitDestConcurrency {
		q.window++
		s.Log.DebugMsg("window grown", "transport", q.transport.Name, "nexthop", q.Nexthop, "window", q.window)
	}
}

// suspend stops deliveries to an alive queue for d. The queue is resumed
// with the initial window by the timer.
func (s *Scheduler) suspend(q *Queue, d time.Duration) {
	q.checkWindow("suspend")
	if q.window <= 0 {
		exterrors.Panicf("suspend", "queue %s/%s is not alive (window %d)", q.transport.Name, q.Nexthop, q.window)
	}

	q.window = windowSuspended
	s.events.RequestTimer(resumeTimer{q}, d, func() {
		s.resume(q)
	})
}

func (s *Scheduler) resume(q *Queue) {
	if !q.Suspended() {
		exterrors.Panicf("resume", "queue %s/%s is not suspended (window %d)", q.transport.Name, q.Nexthop, q.window)
	}
	s.events.CancelTimer(resumeTimer{q})

	q.window = q.transport.limits.InitDestConcurrency
	if q.empty() {
		s.destroyQueue(q)
	}
}
