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

// Package msgstore implements an in-memory message store for the
// scheduler.
//
// Memory keeps message bodies and the per-recipient delivery status. It
// feeds recipients to the scheduler in pages, the way an on-disk queue
// manager reads a large recipient list piecemeal.
package msgstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/foxcpp/qmgr/framework/log"
	"github.com/foxcpp/qmgr/internal/qmgr"
	"github.com/google/uuid"
)

// Scheduler is the part of *qmgr.Scheduler used by the store.
type Scheduler interface {
	Schedule(msg *qmgr.Message, transport, nexthop string, rcpts []qmgr.Recipient) error
}

// Router selects the transport and nexthop for a recipient address.
type Router func(rcpt string) (transport, nexthop string)

// DefaultRoute sends mail for domains via "smtp" to the recipient domain
// and mail for bare local parts via "local".
func DefaultRoute(rcpt string) (transport, nexthop string) {
	at := strings.LastIndexByte(rcpt, '@')
	if at == -1 || at == len(rcpt)-1 {
		return "local", "localhost"
	}
	return "smtp", strings.ToLower(rcpt[at+1:])
}

type Disposition int

const (
	// All recipients were delivered.
	Delivered Disposition = iota
	// Some recipients were deferred and should be retried later.
	Deferred
	// No recipient was delivered or deferred.
	Bounced
)

func (d Disposition) String() string {
	switch d {
	case Delivered:
		return "delivered"
	case Deferred:
		return "deferred"
	case Bounced:
		return "bounced"
	}
	return "unknown"
}

type rcptState int

const (
	statePending rcptState = iota
	stateDelivered
	stateBounced
	stateDeferred
)

// Result is the final state of a message.
type Result struct {
	ID          string
	From        string
	Disposition Disposition
	Delivered   []string
	Bounced     []string
	Deferred    []string
	QueuedAt    time.Time
	FinalizedAt time.Time
}

type record struct {
	msg      *qmgr.Message
	from     string
	body     []byte
	rcpts    []qmgr.Recipient
	next     int
	state    map[string]rcptState
	queuedAt time.Time
}

// Memory implements qmgr.MessageStore, agent.BodySource and agent.Recorder.
//
// It is not safe for concurrent use, all methods should be called on the
// scheduler goroutine.
type Memory struct {
	Route    Router
	PageSize int
	Log      log.Logger

	// Called for each finalized message.
	OnFinalize func(Result)

	sched   Scheduler
	records map[string]*record
	results []Result
}

func New() *Memory {
	return &Memory{
		Route:    DefaultRoute,
		PageSize: 1000,
		Log:      log.Logger{Name: "msgstore"},
		records:  make(map[string]*record),
	}
}

// Attach sets the scheduler that recipients are passed to.
func (m *Memory) Attach(s Scheduler) {
	m.sched = s
}

// Add stores a new message and schedules the first page of its
// recipients.
func (m *Memory) Add(from string, body []byte, rcpts []string) (*qmgr.Message, error) {
	if m.sched == nil {
		return nil, errors.New("msgstore: no scheduler attached")
	}
	if len(rcpts) == 0 {
		return nil, errors.New("msgstore: no recipients")
	}

	rec := &record{
		msg:      qmgr.NewMessage(uuid.NewString()),
		from:     from,
		body:     body,
		rcpts:    make([]qmgr.Recipient, 0, len(rcpts)),
		state:    make(map[string]rcptState, len(rcpts)),
		queuedAt: time.Now(),
	}
	for i, addr := range rcpts {
		if _, ok := rec.state[addr]; ok {
			continue
		}
		rec.state[addr] = statePending
		rec.rcpts = append(rec.rcpts, qmgr.Recipient{Address: addr, Offset: int64(i)})
	}
	m.records[rec.msg.ID] = rec
	m.Log.DebugMsg("message added", "msg_id", rec.msg.ID, "sender", from, "rcpts", len(rec.rcpts))

	m.fill(rec)
	if rec.msg.Refcount() == 0 {
		// Nothing was accepted by the scheduler.
		m.Finalize(rec.msg)
	}
	return rec.msg, nil
}

// fill schedules pages of recipients until the scheduler accepts some or
// all recipients are read.
func (m *Memory) fill(rec *record) {
	m.schedulePage(rec)
	for rec.msg.Refcount() == 0 && rec.msg.MoreRecipients {
		m.schedulePage(rec)
	}
}

type route struct {
	transport, nexthop string
}

func (m *Memory) schedulePage(rec *record) {
	end := rec.next + m.PageSize
	if m.PageSize <= 0 || end > len(rec.rcpts) {
		end = len(rec.rcpts)
	}
	page := rec.rcpts[rec.next:end]
	rec.next = end
	rec.msg.MoreRecipients = rec.next < len(rec.rcpts)

	var order []route
	groups := make(map[route][]qmgr.Recipient)
	for _, rcpt := range page {
		transport, nexthop := m.Route(rcpt.Address)
		r := route{transport, nexthop}
		if _, ok := groups[r]; !ok {
			order = append(order, r)
		}
		groups[r] = append(groups[r], rcpt)
	}

	for _, r := range order {
		if err := m.sched.Schedule(rec.msg, r.transport, r.nexthop, groups[r]); err != nil {
			m.Defer(rec.msg, groups[r], err)
		}
	}
}

func (m *Memory) LoadMoreRecipients(msg *qmgr.Message) {
	rec := m.records[msg.ID]
	if rec == nil {
		msg.MoreRecipients = false
		return
	}
	m.fill(rec)
}

func (m *Memory) setState(msg *qmgr.Message, rcpts []qmgr.Recipient, state rcptState) {
	rec := m.records[msg.ID]
	if rec == nil {
		return
	}
	for _, rcpt := range rcpts {
		rec.state[rcpt.Address] = state
	}
}

func (m *Memory) Defer(msg *qmgr.Message, rcpts []qmgr.Recipient, reason error) {
	m.setState(msg, rcpts, stateDeferred)
	if len(rcpts) != 0 {
		m.Log.Error("delivery deferred", reason, "msg_id", msg.ID, "rcpts", len(rcpts))
	}
}

func (m *Memory) Delivered(msg *qmgr.Message, rcpt qmgr.Recipient) {
	m.setState(msg, []qmgr.Recipient{rcpt}, stateDelivered)
}

func (m *Memory) Bounced(msg *qmgr.Message, rcpt qmgr.Recipient, reason error) {
	m.setState(msg, []qmgr.Recipient{rcpt}, stateBounced)
	m.Log.Error("recipient bounced", reason, "msg_id", msg.ID, "rcpt", rcpt.Address)
}

func (m *Memory) Deferred(msg *qmgr.Message, rcpt qmgr.Recipient, reason error) {
	m.Defer(msg, []qmgr.Recipient{rcpt}, reason)
}

func (m *Memory) Open(msg *qmgr.Message) (string, io.ReadCloser, error) {
	rec := m.records[msg.ID]
	if rec == nil {
		return "", nil, fmt.Errorf("msgstore: unknown message %s", msg.ID)
	}
	return rec.from, io.NopCloser(bytes.NewReader(rec.body)), nil
}

// Finalize removes the message from the store and records its final
// state. Recipients without a reported result are considered deferred.
func (m *Memory) Finalize(msg *qmgr.Message) {
	rec := m.records[msg.ID]
	if rec == nil {
		return
	}
	delete(m.records, msg.ID)

	res := Result{
		ID:          msg.ID,
		From:        rec.from,
		QueuedAt:    rec.queuedAt,
		FinalizedAt: time.Now(),
	}
	for addr, state := range rec.state {
		switch state {
		case stateDelivered:
			res.Delivered = append(res.Delivered, addr)
		case stateBounced:
			res.Bounced = append(res.Bounced, addr)
		default:
			res.Deferred = append(res.Deferred, addr)
		}
	}
	sort.Strings(res.Delivered)
	sort.Strings(res.Bounced)
	sort.Strings(res.Deferred)

	switch {
	case len(res.Deferred) != 0:
		res.Disposition = Deferred
	case len(res.Delivered) == 0:
		res.Disposition = Bounced
	default:
		res.Disposition = Delivered
	}

	m.results = append(m.results, res)
	m.Log.Msg("message finalized", "msg_id", msg.ID, "disposition", res.Disposition.String(),
		"delivered", len(res.Delivered), "bounced", len(res.Bounced), "deferred", len(res.Deferred))
	if m.OnFinalize != nil {
		m.OnFinalize(res)
	}
}

// Len returns the amount of messages not finalized yet.
func (m *Memory) Len() int {
	return len(m.records)
}

// Results returns final states of finalized messages in the order of
// finalization.
func (m *Memory) Results() []Result {
	return append([]Result(nil), m.results...)
}
