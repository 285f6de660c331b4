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
	"errors"

	"github.com/foxcpp/qmgr/framework/config"
)

// Transport is a named delivery mechanism shared by many destinations.
// Transports are created on first reference and live as long as the
// Scheduler.
type Transport struct {
	Name   string
	limits config.Transport

	// A delivery agent connection request is outstanding.
	busy bool

	// Throttled as a whole, reason is set and the revive timer is pending.
	dead   bool
	reason error

	queues    map[string]*Queue
	queueList *list.List

	elem *list.Element
}

type transportTimer struct{ t *Transport }

// Limits returns the effective configuration of the transport.
func (t *Transport) Limits() config.Transport {
	return t.limits
}

func (t *Transport) Dead() bool {
	return t.dead
}

func (t *Transport) Reason() error {
	return t.reason
}

func (t *Transport) Queue(nexthop string) *Queue {
	return t.queues[nexthop]
}

// Queues returns destination queues of the transport in the current round
// robin order.
func (t *Transport) Queues() []*Queue {
	res := make([]*Queue, 0, t.queueList.Len())
	for e := t.queueList.Front(); e != nil; e = e.Next() {
		res = append(res, e.Value.(*Queue))
	}
	return res
}

func (s *Scheduler) transport(name string) *Transport {
	if t := s.transports[name]; t != nil {
		return t
	}

	t := &Transport{
		Name:      name,
		limits:    s.cfg.Transport(name),
		queues:    make(map[string]*Queue),
		queueList: list.New(),
	}
	t.elem = s.transportList.PushBack(t)
	s.transports[name] = t
	s.Log.DebugMsg("transport created", "transport", name)
	return t
}

// Transport returns the transport with the specified name or nil if it
// was never referenced.
func (s *Scheduler) Transport(name string) *Transport {
	return s.transports[name]
}

// Transports returns all known transports in the current round robin
// order.
func (s *Scheduler) Transports() []*Transport {
	res := make([]*Transport, 0, s.transportList.Len())
	for e := s.transportList.Front(); e != nil; e = e.Next() {
		res = append(res, e.Value.(*Transport))
	}
	return res
}

// selectTransport returns the next transport that has a destination ready
// for delivery and no connection request outstanding. The returned
// transport is moved to the end of the round robin order.
func (s *Scheduler) selectTransport() *Transport {
	for e := s.transportList.Front(); e != nil; e = e.Next() {
		t := e.Value.(*Transport)
		if t.busy || t.dead {
			continue
		}
		if t.firstReady() != nil {
			s.transportList.MoveToBack(e)
			return t
		}
	}
	return nil
}

func (t *Transport) firstReady() *list.Element {
	for e := t.queueList.Front(); e != nil; e = e.Next() {
		if e.Value.(*Queue).ready() {
			return e
		}
	}
	return nil
}

// selectQueue returns the next destination of t that may admit one more
// delivery. The returned queue is moved to the end of the round robin
// order.
func (s *Scheduler) selectQueue(t *Transport) *Queue {
	e := t.firstReady()
	if e == nil {
		return nil
	}
	t.queueList.MoveToBack(e)
	return e.Value.(*Queue)
}

// throttleTransport marks t dead and arms the revive timer. Throttling a
// dead transport has no effect.
func (s *Scheduler) throttleTransport(t *Transport, reason error) {
	if t.dead {
		return
	}
	if reason == nil {
		reason = errors.New("qmgr: transport throttled")
	}
	t.dead = true
	t.reason = reason
	s.events.RequestTimer(transportTimer{t}, s.cfg.Scheduler.MinBackoff.D(), func() {
		s.unthrottleTransport(t)
	})
	transportThrottles.WithLabelValues(t.Name).Inc()
	s.Log.Error("transport throttled", reason, "transport", t.Name)
}

func (s *Scheduler) unthrottleTransport(t *Transport) {
	if !t.dead {
		return
	}
	s.events.CancelTimer(transportTimer{t})
	t.dead = false
	t.reason = nil
	s.Log.Msg("transport revived", "transport", t.Name)
}

// deferTransport defers all not yet dispatched entries of t.
func (s *Scheduler) deferTransport(t *Transport, reason error) {
	for _, q := range t.Queues() {
		s.deferTodo(q, reason)
	}
}
