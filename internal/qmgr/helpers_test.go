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
	"testing"
	"time"

	"github.com/foxcpp/qmgr/framework/config"
	"github.com/foxcpp/qmgr/framework/exterrors"
	"github.com/foxcpp/qmgr/internal/testutils"
)

type testStore struct {
	finalized map[string]int
	deferred  map[string][]Recipient
	reasons   []error

	loadCalls int
	loadMore  func(msg *Message)
}

func (ts *testStore) LoadMoreRecipients(msg *Message) {
	ts.loadCalls++
	if ts.loadMore != nil {
		ts.loadMore(msg)
		return
	}
	msg.MoreRecipients = false
}

func (ts *testStore) Defer(msg *Message, rcpts []Recipient, reason error) {
	ts.deferred[msg.ID] = append(ts.deferred[msg.ID], rcpts...)
	ts.reasons = append(ts.reasons, reason)
}

func (ts *testStore) Finalize(msg *Message) {
	ts.finalized[msg.ID]++
}

type testConn struct {
	closed bool
}

func (c *testConn) Close() error {
	c.closed = true
	return nil
}

// testConnector completes connection attempts immediately unless manual is
// set, in which case ready callbacks are kept in pending.
type testConnector struct {
	manual    bool
	err       error
	endpoints []string
	pending   []func(Conn, error)
}

func (tc *testConnector) Connect(endpoint string, ready func(Conn, error)) {
	tc.endpoints = append(tc.endpoints, endpoint)
	if tc.manual {
		tc.pending = append(tc.pending, ready)
		return
	}
	if tc.err != nil {
		ready(nil, tc.err)
		return
	}
	ready(&testConn{}, nil)
}

type delivery struct {
	req  Request
	done func(Outcome)
}

type testDeliverer struct {
	inflight []delivery
}

func (td *testDeliverer) Deliver(_ Conn, req Request, done func(Outcome)) {
	td.inflight = append(td.inflight, delivery{req: req, done: done})
}

// complete reports the outcome of the oldest in-flight delivery to nexthop.
func (td *testDeliverer) complete(t *testing.T, nexthop string, o Outcome) Request {
	t.Helper()
	for i, d := range td.inflight {
		if d.req.Nexthop != nexthop {
			continue
		}
		td.inflight = append(td.inflight[:i], td.inflight[i+1:]...)
		d.done(o)
		return d.req
	}
	t.Fatalf("no deliveries in flight for %s", nexthop)
	return Request{}
}

type testEnv struct {
	s         *Scheduler
	cfg       *config.Config
	store     *testStore
	events    *testutils.Events
	connector *testConnector
	deliverer *testDeliverer
	fatal     []error
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Scheduler.MinBackoff = config.Duration(5 * time.Minute)
	cfg.Scheduler.AgentTimeout = config.Duration(time.Minute)
	cfg.SetTransport("smtp", config.Transport{
		Endpoint:             "unix:smtp",
		DestConcurrencyLimit: 5,
		InitDestConcurrency:  2,
		RecipientLimit:       1,
	})
	return cfg
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	if cfg == nil {
		cfg = testConfig()
	}
	env := &testEnv{
		cfg: cfg,
		store: &testStore{
			finalized: map[string]int{},
			deferred:  map[string][]Recipient{},
		},
		events:    testutils.NewEvents(),
		connector: &testConnector{},
		deliverer: &testDeliverer{},
	}
	env.s = New(cfg, env.store, env.events, env.connector, env.deliverer)
	env.s.Log = testutils.Logger(t, "qmgr")
	env.s.OnFatal = func(err error) {
		env.fatal = append(env.fatal, err)
	}
	return env
}

func rcpts(addrs ...string) []Recipient {
	res := make([]Recipient, 0, len(addrs))
	for i, a := range addrs {
		res = append(res, Recipient{Address: a, Offset: int64(i)})
	}
	return res
}

func (env *testEnv) schedule(t *testing.T, msg *Message, transport, nexthop string, addrs ...string) {
	t.Helper()
	if err := env.s.Schedule(msg, transport, nexthop, rcpts(addrs...)); err != nil {
		t.Fatalf("Schedule %s via %s to %s: %v", msg.ID, transport, nexthop, err)
	}
}

func (env *testEnv) queue(t *testing.T, transport, nexthop string) *Queue {
	t.Helper()
	q, err := env.s.lookup(transport, nexthop)
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func expectBug(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		v := recover()
		if _, ok := exterrors.AsBug(v); !ok {
			t.Fatalf("expected invariant violation panic, got %v", v)
		}
	}()
	fn()
}

// checkInvariants verifies properties that must hold between events.
func checkInvariants(t *testing.T, s *Scheduler) {
	t.Helper()
	queues, rcptCount := 0, 0
	for _, tr := range s.transports {
		for _, q := range tr.queues {
			queues++
			if q.window > 0 && q.busy.Len() > q.window {
				t.Errorf("%s/%s: busy %d > window %d", tr.Name, q.Nexthop, q.busy.Len(), q.window)
			}
			if q.window == 0 && q.reason == nil {
				t.Errorf("%s/%s: throttled without reason", tr.Name, q.Nexthop)
			}
			if q.window != 0 && q.reason != nil {
				t.Errorf("%s/%s: alive with reason set", tr.Name, q.Nexthop)
			}
			for e := q.todo.Front(); e != nil; e = e.Next() {
				rcptCount += len(e.Value.(*Entry).rcpts)
			}
			for e := q.busy.Front(); e != nil; e = e.Next() {
				rcptCount += len(e.Value.(*Entry).rcpts)
			}
		}
	}
	if queues != s.queueCount {
		t.Errorf("queueCount = %d, actual queues = %d", s.queueCount, queues)
	}
	if rcptCount != s.recipientCount {
		t.Errorf("recipientCount = %d, actual recipients = %d", s.recipientCount, rcptCount)
	}
}

var errTest = errors.New("test failure")
