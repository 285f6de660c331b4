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

// Completions closer than this are considered back-to-back deliveries.
const backToBackInterval = time.Second

// Entry is a message with a subset of its recipients waiting for delivery
// to a single destination.
type Entry struct {
	queue *Queue
	msg   *Message
	rcpts []Recipient

	// todo, busy or nil while the entry is not on any list.
	list *list.List
	elem *list.Element
}

func (e *Entry) Queue() *Queue {
	return e.queue
}

func (e *Entry) Message() *Message {
	return e.msg
}

func (e *Entry) Recipients() []Recipient {
	return e.rcpts
}

// Busy reports whether the entry is assigned to a delivery agent.
func (e *Entry) Busy() bool {
	return e.list != nil && e.list == e.queue.busy
}

func (s *Scheduler) createEntry(q *Queue, msg *Message, rcpts []Recipient) *Entry {
	q.checkWindow("createEntry")
	if q.window == windowThrottled {
		exterrors.Panicf("createEntry", "queue %s/%s is throttled", q.transport.Name, q.Nexthop)
	}
	if msg.finalized {
		exterrors.Panicf("createEntry", "message %s is finalized already", msg.ID)
	}
	if q.window == windowSaved {
		q.window = windowSuspended
	}

	e := &Entry{
		queue: q,
		msg:   msg,
		rcpts: rcpts,
	}
	msg.refcount++
	e.list = q.todo
	e.elem = q.todo.PushBack(e)
	s.recipientCount += len(rcpts)
	recipientsGauge.Add(float64(len(rcpts)))

	s.checkCongestion(q)
	return e
}

func (s *Scheduler) checkCongestion(q *Queue) {
	cfg := s.cfg.Scheduler
	if cfg.CongestionWarnInterval <= 0 {
		return
	}
	length := q.todo.Len() + q.busy.Len()
	if float64(length) <= cfg.CongestionFraction*float64(cfg.ActiveLimit) {
		return
	}

	if q.congestionWarn == nil {
		q.congestionWarn = rate.NewLimiter(rate.Every(cfg.CongestionWarnInterval.D()), 1)
	}
	if !q.congestionWarn.AllowN(s.events.Now(), 1) {
		return
	}

	limits := q.transport.limits
	var hint string
	switch {
	case limits.DestConcurrencyLimit != 0 && q.window >= limits.DestConcurrencyLimit:
		hint = "consider increasing dest_concurrency_limit of the transport"
	case q.window > limits.InitDestConcurrency:
		hint = "consider moving the destination to a dedicated transport"
	default:
		hint = "consider reducing connect and protocol timeouts of the delivery agent"
	}
	congestionWarnings.WithLabelValues(q.transport.Name).Inc()
	s.Log.Msg("destination congested", "transport", q.transport.Name, "nexthop", q.Nexthop,
		"entries", length, "active_limit", cfg.ActiveLimit, "window", q.window, "hint", hint)
}

// selectEntry moves the oldest todo entry of q to the busy list.
func (s *Scheduler) selectEntry(q *Queue) *Entry {
	front := q.todo.Front()
	if front == nil {
		return nil
	}
	e := q.todo.Remove(front).(*Entry)
	e.list = q.busy
	e.elem = q.busy.PushBack(e)

	if q.transport.limits.SessionCache {
		// Only a delivery closely following a completion turns caching on.
		// Concurrent deliveries keep it on.
		now := s.events.Now()
		backToBack := !q.lastDone.IsZero() && now.Sub(q.lastDone) <= backToBackInterval
		if !q.sessionCache && backToBack {
			q.sessionCache = true
			s.Log.DebugMsg("session cache enabled", "transport", q.transport.Name, "nexthop", q.Nexthop)
		} else if q.sessionCache && !backToBack && q.busy.Len() <= 1 {
			q.sessionCache = false
			s.Log.DebugMsg("session cache disabled", "transport", q.transport.Name, "nexthop", q.Nexthop)
		}
	}

	return e
}

// completeEntry removes e from the from list of its queue and drops its
// reference to the message. The queue is destroyed once empty (dead
// queues only under memory pressure) and the message is finalized once no
// entries reference it.
func (s *Scheduler) completeEntry(e *Entry, from *list.List) {
	q := e.queue
	t := q.transport
	if e.list != from {
		exterrors.Panicf("completeEntry", "entry of %s is not on the expected list", e.msg.ID)
	}

	from.Remove(e.elem)
	e.list = nil
	e.elem = nil
	s.recipientCount -= len(e.rcpts)
	recipientsGauge.Sub(float64(len(e.rcpts)))
	e.rcpts = nil
	q.lastDone = s.events.Now()

	if from == q.busy && t.limits.DestRateDelay > 0 {
		if q.window > 1 {
			exterrors.Panicf("completeEntry", "queue %s/%s: window %d with rate delay", t.Name, q.Nexthop, q.window)
		}
		if q.window > 0 {
			s.suspend(q, t.limits.DestRateDelay)
		}
	}

	if q.empty() {
		if q.window == windowThrottled && s.queueCount > 2*s.cfg.Scheduler.RecipientLimit {
			s.unthrottle(q)
		}
		if q.window == windowSuspended {
			q.window = windowSaved
		}
		if q.window > 0 {
			s.destroyQueue(q)
		}
	}

	msg := e.msg
	msg.refcount--
	if msg.refcount < 0 {
		exterrors.Panicf("completeEntry", "message %s: negative refcount", msg.ID)
	}

	// The last entry of a message with unread recipients always reads more,
	// the message can't be finalized before every recipient was tried.
	cfg := s.cfg.Scheduler
	if msg.MoreRecipients && (msg.refcount == 0 || s.recipientCount < cfg.RecipientLimit*cfg.FudgeFactor/100-100) {
		s.store.LoadMoreRecipients(msg)
	}

	if msg.refcount == 0 {
		s.finalize(msg)
	}
}

func (s *Scheduler) finalize(msg *Message) {
	if msg.finalized {
		exterrors.Panicf("finalize", "message %s is finalized already", msg.ID)
	}
	msg.finalized = true
	if msg.active {
		msg.active = false
		s.messageCount--
		messagesGauge.Dec()
	}
	s.store.Finalize(msg)
}

// rerouteEntry moves a not yet dispatched entry to dst.
func (s *Scheduler) rerouteEntry(e *Entry, dst *Queue) *Entry {
	if e.Busy() {
		exterrors.Panicf("rerouteEntry", "entry of %s is assigned to a delivery agent", e.msg.ID)
	}
	if dst.window == windowThrottled || dst.transport.dead {
		exterrors.Panicf("rerouteEntry", "queue %s/%s is throttled", dst.transport.Name, dst.Nexthop)
	}

	moved := s.createEntry(dst, e.msg, nil)
	moved.rcpts, e.rcpts = e.rcpts, moved.rcpts
	s.completeEntry(e, e.queue.todo)
	return moved
}

// deferTodo defers and removes all entries of q that were not dispatched
// yet.
func (s *Scheduler) deferTodo(q *Queue, reason error) {
	for q.todo.Len() != 0 {
		e := q.todo.Front().Value.(*Entry)
		s.store.Defer(e.msg, e.rcpts, reason)
		s.completeEntry(e, q.todo)
	}
}
