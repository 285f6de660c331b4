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

package sim

import (
	"context"
	"testing"
	"time"

	"github.com/foxcpp/qmgr/framework/config"
	"github.com/foxcpp/qmgr/internal/qmgr"
	"github.com/foxcpp/qmgr/internal/testutils"
)

type testRecorder struct {
	delivered, bounced int
}

func (r *testRecorder) Delivered(*qmgr.Message, qmgr.Recipient)      { r.delivered++ }
func (r *testRecorder) Bounced(*qmgr.Message, qmgr.Recipient, error) { r.bounced++ }
func (r *testRecorder) Deferred(*qmgr.Message, qmgr.Recipient, error) {}

func simRequest(nexthop string, n int) qmgr.Request {
	req := qmgr.Request{
		Transport: "smtp",
		Nexthop:   nexthop,
		Message:   qmgr.NewMessage("msg"),
	}
	for i := 0; i < n; i++ {
		req.Recipients = append(req.Recipients, qmgr.Recipient{Address: "user@" + nexthop, Offset: int64(i)})
	}
	return req
}

func TestAgent(t *testing.T) {
	ev := testutils.NewEvents()
	rec := &testRecorder{}
	a := NewAgent(ev, rec, 1,
		Domain{Name: "ok.example", Latency: time.Second},
		Domain{Name: "down.example", FailRate: 1, Latency: time.Second},
		Domain{Name: "bounce.example", BounceRate: 1},
	)
	a.ConnectLatency = 100 * time.Millisecond

	var c qmgr.Conn
	a.Connect("unix:smtp", func(conn qmgr.Conn, err error) {
		if err != nil {
			t.Fatal(err)
		}
		c = conn
	})
	ev.Advance(50 * time.Millisecond)
	if c != nil {
		t.Fatal("connection is ready before the latency passed")
	}
	ev.Advance(50 * time.Millisecond)
	if c == nil {
		t.Fatal("connection is not ready")
	}

	var outcome *qmgr.Outcome
	done := func(o qmgr.Outcome) { outcome = &o }

	a.Deliver(c, simRequest("ok.example", 3), done)
	ev.Advance(999 * time.Millisecond)
	if outcome != nil {
		t.Fatal("delivery completed early")
	}
	ev.Advance(time.Millisecond)
	if outcome == nil || outcome.Status != qmgr.Delivered || rec.delivered != 3 {
		t.Fatalf("ok.example: %+v, %d delivered", outcome, rec.delivered)
	}
	if !c.(*conn).closed {
		t.Error("connection is not closed after delivery")
	}

	outcome = nil
	a.Deliver(&conn{}, simRequest("down.example", 2), done)
	ev.Advance(time.Second)
	if outcome == nil || outcome.Status != qmgr.DestinationFailed || outcome.Reason == nil {
		t.Fatalf("down.example: %+v", outcome)
	}

	outcome = nil
	a.Deliver(&conn{}, simRequest("bounce.example", 2), done)
	ev.Advance(0)
	if outcome == nil || outcome.Status != qmgr.Delivered || rec.bounced != 2 {
		t.Fatalf("bounce.example: %+v, %d bounced", outcome, rec.bounced)
	}

	a.TransportFailRate = 1
	outcome = nil
	a.Deliver(&conn{}, simRequest("unknown.example", 1), done)
	ev.Advance(0)
	if outcome == nil || outcome.Status != qmgr.TransportFailed {
		t.Fatalf("crash: %+v", outcome)
	}

	if a.Connects != 1 || a.Deliveries != 4 {
		t.Errorf("wrong counters: %d connects, %d deliveries", a.Connects, a.Deliveries)
	}
}

func TestOptionsValidate(t *testing.T) {
	valid := Options{Messages: 1, Recipients: 1, Users: 1, Domains: []Domain{{Name: "example.org"}}}
	if err := valid.Validate(); err != nil {
		t.Fatal(err)
	}
	for name, mod := range map[string]func(o *Options){
		"no messages":     func(o *Options) { o.Messages = 0 },
		"no recipients":   func(o *Options) { o.Recipients = 0 },
		"no users":        func(o *Options) { o.Users = 0 },
		"no domains":      func(o *Options) { o.Domains = nil },
		"bad fail rate":   func(o *Options) { o.Domains = []Domain{{Name: "a", FailRate: 2}} },
		"bad bounce rate": func(o *Options) { o.Domains = []Domain{{Name: "a", BounceRate: -1}} },
	} {
		o := valid
		mod(&o)
		if err := o.Validate(); err == nil {
			t.Errorf("%s: no error", name)
		}
	}
}

func TestRun(t *testing.T) {
	cfg := config.Default()
	cfg.Defaults.RecipientLimit = 3

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	report, err := Run(ctx, cfg, Options{
		Messages:   20,
		Recipients: 5,
		Users:      10,
		Domains: []Domain{
			{Name: "fast.example", Latency: time.Millisecond},
			{Name: "bouncy.example", BounceRate: 0.5, Latency: time.Millisecond},
			{Name: "down.example", FailRate: 1, Latency: time.Millisecond},
		},
		PageSize: 2,
		Seed:     42,
	}, testutils.Logger(t, "sim"))
	if err != nil {
		t.Fatal(err)
	}

	if got := report.Delivered + report.Deferred + report.Bounced; got != 20 {
		t.Errorf("expected 20 finalized messages, got %d", got)
	}
	if report.Recipients.Deferred == 0 {
		t.Error("no recipients deferred for an unreachable destination")
	}
	if report.Recipients.Delivered == 0 {
		t.Error("nothing was delivered")
	}
	if report.Final.Messages != 0 || report.Final.Recipients != 0 {
		t.Errorf("scheduler is not empty: %+v", report.Final)
	}
	if report.Final.DeadQueues != 1 {
		t.Errorf("expected down.example to stay throttled, got %d dead queues", report.Final.DeadQueues)
	}
}

func TestRun_LMTPBackend(t *testing.T) {
	be, srv, addr := testutils.LMTPServer(t, "tcp", "127.0.0.1:0")
	defer srv.Close()

	cfg := config.Default()
	smtpTransport := cfg.Defaults
	smtpTransport.Endpoint = "tcp://" + addr
	smtpTransport.RecipientLimit = 2
	cfg.SetTransport("smtp", smtpTransport)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	report, err := Run(ctx, cfg, Options{
		Messages:   4,
		Recipients: 3,
		Users:      50,
		Domains:    []Domain{{Name: "example.org"}, {Name: "example.net"}},
		Seed:       7,
		Backend:    LMTPBackend(cfg, testutils.Logger(t, "sim")),
	}, testutils.Logger(t, "sim"))
	if err != nil {
		t.Fatal(err)
	}

	if report.Delivered != 4 || report.Deferred != 0 || report.Bounced != 0 {
		t.Errorf("wrong message dispositions: %+v", report)
	}
	if report.Connects == 0 || report.Deliveries == 0 {
		t.Errorf("delivery agent was not used: %d connects, %d deliveries", report.Connects, report.Deliveries)
	}

	accepted := 0
	for _, msg := range be.Messages() {
		if msg.From != "sim@localhost" {
			t.Errorf("wrong sender: %s", msg.From)
		}
		if len(msg.To) > 2 {
			t.Errorf("recipient limit exceeded: %v", msg.To)
		}
		accepted += len(msg.To)
	}
	if accepted != report.Recipients.Delivered {
		t.Errorf("server accepted %d recipients, %d reported delivered", accepted, report.Recipients.Delivered)
	}
}
