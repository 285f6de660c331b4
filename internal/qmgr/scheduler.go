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
Package qmgr implements the destination scheduler of the queue manager.

Messages are split into entries, one per (transport, nexthop) pair and at
most dest_recipient_limit recipients each. Entries of a single nexthop form
a destination queue. Scheduler picks transports and then queues of a
transport in round robin order and dispatches the oldest entry of a queue
to a delivery agent as long as the queue concurrency window allows it.

The window of a new destination is init_dest_concurrency. Each successful
delivery grows it by one up to dest_concurrency_limit (slow open), each
failed one shrinks it by one. A destination with window 0 is dead: nothing
is delivered to it and new entries are rejected until min_backoff passes.

Scheduler is not safe for concurrent use. All methods and all callbacks
of its collaborators run on a single goroutine, usually an events.Loop.
*/
package qmgr

import (
	"container/list"
	"errors"
	"fmt"
	"time"

	"github.com/foxcpp/qmgr/framework/config"
	"github.com/foxcpp/qmgr/framework/exterrors"
	"github.com/foxcpp/qmgr/framework/log"
)

var ErrUnknownQueue = errors.New("qmgr: no such destination queue")

type Scheduler struct {
	Log log.Logger

	// Called when the process can't continue, e.g. a delivery agent is
	// stuck. Defaults to panic with exterrors.Fatal, which the event loop
	// does not recover from.
	OnFatal func(error)

	cfg       *config.Config
	store     MessageStore
	events    Events
	connector Connector
	deliverer Deliverer

	transports    map[string]*Transport
	transportList *list.List

	queueCount     int
	messageCount   int
	recipientCount int
}

func New(cfg *config.Config, store MessageStore, events Events, connector Connector, deliverer Deliverer) *Scheduler {
	return &Scheduler{
		Log: log.Logger{Name: "qmgr"},
		OnFatal: func(err error) {
			panic(exterrors.Fatal{Err: err})
		},
		cfg:           cfg,
		store:         store,
		events:        events,
		connector:     connector,
		deliverer:     deliverer,
		transports:    make(map[string]*Transport),
		transportList: list.New(),
	}
}

// Schedule creates entries for rcpts of msg to be delivered to nexthop
// using the named transport.
//
// If the transport or the destination is throttled, nothing is scheduled
// and a temporary error is returned. The caller is expected to defer the
// recipients.
func (s *Scheduler) Schedule(msg *Message, transport, nexthop string, rcpts []Recipient) error {
	if msg.finalized {
		exterrors.Panicf("Schedule", "message %s is finalized already", msg.ID)
	}

	t := s.transport(transport)
	if t.dead {
		return exterrors.Deferral(fmt.Errorf("qmgr: transport %s is throttled: %w", t.Name, t.reason),
			map[string]interface{}{
				"transport": t.Name,
				"nexthop":   nexthop,
				"reason":    t.reason.Error(),
			})
	}

	q := t.queues[nexthop]
	if q != nil && q.window == windowThrottled {
		return exterrors.Deferral(fmt.Errorf("qmgr: destination %s is throttled: %w", nexthop, q.reason),
			map[string]interface{}{
				"transport": t.Name,
				"nexthop":   nexthop,
				"reason":    q.reason.Error(),
			})
	}
	if len(rcpts) == 0 {
		return nil
	}
	if q == nil {
		q = s.createQueue(t, nexthop)
	}

	if !msg.active {
		msg.active = true
		s.messageCount++
		messagesGauge.Inc()
	}

	limit := t.limits.RecipientLimit
	if limit == 0 {
		limit = len(rcpts)
	}
	for len(rcpts) != 0 {
		n := limit
		if n > len(rcpts) {
			n = len(rcpts)
		}
		s.createEntry(q, msg, rcpts[:n:n])
		rcpts = rcpts[n:]
	}
	return nil
}

// Tick dispatches as many entries as current windows allow. It should be
// called after every event that may have made more work runnable.
func (s *Scheduler) Tick() {
	for {
		t := s.selectTransport()
		if t == nil {
			return
		}
		s.allocate(t)
	}
}

// OnDeliveryOutcome processes the result of a dispatched entry.
func (s *Scheduler) OnDeliveryOutcome(e *Entry, o Outcome) {
	if !e.Busy() {
		exterrors.Panicf("OnDeliveryOutcome", "entry of %s is not assigned to a delivery agent", e.msg.ID)
	}
	q := e.queue
	t := q.transport
	deliveries.WithLabelValues(t.Name, o.Status.String()).Inc()

	reason := o.Reason
	if reason == nil && o.Status != Delivered {
		reason = errors.New("qmgr: delivery failed")
	}

	switch o.Status {
	case Delivered:
		s.unthrottle(q)
	case DestinationFailed:
		if q.window > 0 && q.reason == nil {
			s.throttle(q, reason)
		}
		if q.window == windowThrottled {
			// No new attempts will be made for a while, there is no point in
			// keeping the remaining entries in core.
			s.deferTodo(q, q.reason)
		}
		s.store.Defer(e.msg, e.rcpts, reason)
	case TransportFailed:
		s.throttleTransport(t, reason)
		s.deferTransport(t, reason)
		s.store.Defer(e.msg, e.rcpts, reason)
	default:
		exterrors.Panicf("OnDeliveryOutcome", "unknown status %d", o.Status)
	}

	s.completeEntry(e, q.busy)
}

func (s *Scheduler) lookup(transport, nexthop string) (*Queue, error) {
	t := s.transports[transport]
	if t == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownQueue, transport, nexthop)
	}
	q := t.queues[nexthop]
	if q == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownQueue, transport, nexthop)
	}
	return q, nil
}

// FlushDead revives all throttled transports and destinations. It returns
// the amount of revived destinations.
func (s *Scheduler) FlushDead() int {
	revived := 0
	for _, t := range s.Transports() {
		s.unthrottleTransport(t)
		for _, q := range t.Queues() {
			if q.window != windowThrottled {
				continue
			}
			s.unthrottle(q)
			revived++
			if q.empty() {
				s.destroyQueue(q)
			}
		}
	}
	return revived
}

// Unthrottle revives a single dead destination. If nexthop is empty, the
// transport itself is revived.
func (s *Scheduler) Unthrottle(transport, nexthop string) error {
	if nexthop == "" {
		t := s.transports[transport]
		if t == nil {
			return fmt.Errorf("qmgr: unknown transport: %s", transport)
		}
		s.unthrottleTransport(t)
		return nil
	}

	q, err := s.lookup(transport, nexthop)
	if err != nil {
		return err
	}
	if q.window != windowThrottled {
		return fmt.Errorf("qmgr: destination %s/%s is not throttled", transport, nexthop)
	}
	s.unthrottle(q)
	if q.empty() {
		s.destroyQueue(q)
	}
	return nil
}

// Suspend stops deliveries to an alive destination for d. Destinations
// with deliveries in progress can't be suspended.
func (s *Scheduler) Suspend(transport, nexthop string, d time.Duration) error {
	q, err := s.lookup(transport, nexthop)
	if err != nil {
		return err
	}
	if q.window <= 0 {
		return fmt.Errorf("qmgr: destination %s/%s is not alive", transport, nexthop)
	}
	if q.busy.Len() != 0 {
		return fmt.Errorf("qmgr: destination %s/%s has deliveries in progress", transport, nexthop)
	}
	s.suspend(q, d)
	return nil
}

// Resume ends the suspension of a destination early.
func (s *Scheduler) Resume(transport, nexthop string) error {
	q, err := s.lookup(transport, nexthop)
	if err != nil {
		return err
	}
	if !q.Suspended() {
		return fmt.Errorf("qmgr: destination %s/%s is not suspended", transport, nexthop)
	}
	s.resume(q)
	return nil
}

// Reroute moves all not yet dispatched entries of one destination to
// another, e.g. after a routing change. It returns the amount of moved
// entries.
func (s *Scheduler) Reroute(transport, nexthop, newTransport, newNexthop string) (int, error) {
	src, err := s.lookup(transport, nexthop)
	if err != nil {
		return 0, err
	}

	t := s.transport(newTransport)
	if t.dead {
		return 0, exterrors.Deferral(fmt.Errorf("qmgr: transport %s is throttled: %w", t.Name, t.reason),
			map[string]interface{}{"transport": t.Name, "nexthop": newNexthop})
	}
	dst := t.queues[newNexthop]
	if dst == src {
		return 0, nil
	}
	if dst != nil && dst.window == windowThrottled {
		return 0, exterrors.Deferral(fmt.Errorf("qmgr: destination %s is throttled: %w", newNexthop, dst.reason),
			map[string]interface{}{"transport": t.Name, "nexthop": newNexthop})
	}

	entries := src.Todo()
	if len(entries) == 0 {
		return 0, nil
	}
	if dst == nil {
		dst = s.createQueue(t, newNexthop)
	}
	for _, e := range entries {
		s.rerouteEntry(e, dst)
	}
	return len(entries), nil
}

type Stats struct {
	Transports      int
	DeadTransports  int
	Queues          int
	DeadQueues      int
	SuspendedQueues int
	Messages        int
	Recipients      int
}

func (s *Scheduler) Stats() Stats {
	st := Stats{
		Transports: len(s.transports),
		Queues:     s.queueCount,
		Messages:   s.messageCount,
		Recipients: s.recipientCount,
	}
	for _, t := range s.transports {
		if t.dead {
			st.DeadTransports++
		}
		for _, q := range t.queues {
			switch {
			case q.Dead():
				st.DeadQueues++
			case q.Suspended():
				st.SuspendedQueues++
			}
		}
	}
	return st
}
