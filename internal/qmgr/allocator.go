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
	"fmt"

	"github.com/foxcpp/qmgr/framework/exterrors"
)

type watchdogTimer struct{ t *Transport }

// allocate requests a delivery agent connection for t. Once it is ready,
// the next entry of t is dispatched over it.
//
// The transport is marked busy until the connection attempt completes. A
// failed attempt throttles the transport as a whole. A connection attempt
// that does not complete within AgentTimeout is fatal.
func (s *Scheduler) allocate(t *Transport) {
	if t.dead {
		exterrors.Panicf("allocate", "transport %s is dead", t.Name)
	}
	if t.busy {
		exterrors.Panicf("allocate", "transport %s has a connection request outstanding", t.Name)
	}

	t.busy = true
	timeout := s.cfg.Scheduler.AgentTimeout.D()
	s.events.RequestTimer(watchdogTimer{t}, timeout, func() {
		s.OnFatal(fmt.Errorf("qmgr: transport %s: delivery agent did not respond within %v", t.Name, timeout))
	})

	s.connector.Connect(t.limits.Endpoint, func(conn Conn, err error) {
		s.events.CancelTimer(watchdogTimer{t})
		t.busy = false

		if err != nil {
			connectFailures.WithLabelValues(t.Name).Inc()
			err = exterrors.WithFields(err, map[string]interface{}{
				"transport": t.Name,
				"endpoint":  t.limits.Endpoint,
			})
			s.throttleTransport(t, err)
			s.deferTransport(t, err)
			return
		}

		s.dispatch(t, conn)
	})
}

func (s *Scheduler) dispatch(t *Transport, conn Conn) {
	q := s.selectQueue(t)
	if q == nil {
		// Work disappeared while the connection was set up, e.g. the
		// destination was throttled by another delivery.
		if err := conn.Close(); err != nil {
			s.Log.Error("failed to close unused connection", err, "transport", t.Name)
		}
		return
	}

	e := s.selectEntry(q)
	req := Request{
		Transport:    t.Name,
		Nexthop:      q.Nexthop,
		Message:      e.msg,
		Recipients:   e.rcpts,
		SessionCache: q.sessionCache,
	}
	s.Log.DebugMsg("dispatching", "transport", t.Name, "nexthop", q.Nexthop, "msg_id", e.msg.ID,
		"rcpts", len(e.rcpts), "busy", q.busy.Len(), "window", q.window)

	s.deliverer.Deliver(conn, req, func(o Outcome) {
		s.OnDeliveryOutcome(e, o)
	})
}
