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
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/foxcpp/qmgr/framework/config"
	"github.com/foxcpp/qmgr/framework/log"
	"github.com/foxcpp/qmgr/internal/events"
	"github.com/foxcpp/qmgr/internal/msgstore"
	"github.com/foxcpp/qmgr/internal/qmgr"
)

type Options struct {
	// Amount of messages to inject.
	Messages int

	// Recipients per message.
	Recipients int

	// Local parts per domain recipients are picked from.
	Users int

	// Pause between injected messages, 0 injects everything at once.
	Interval time.Duration

	// Destinations recipients are spread over.
	Domains []Domain

	ConnectLatency    time.Duration
	TransportFailRate float64

	// Delivery agent used instead of the simulated one. Domain failure
	// rates and latencies as well as ConnectLatency and TransportFailRate
	// only apply to the simulated agent.
	Backend Backend

	// Recipients per Schedule call made by the store.
	PageSize int

	// Interval of progress reports, 0 disables them.
	ReportInterval time.Duration

	Seed int64
}

func (o Options) Validate() error {
	if o.Messages <= 0 {
		return errors.New("sim: at least one message is required")
	}
	if o.Recipients <= 0 {
		return errors.New("sim: at least one recipient per message is required")
	}
	if o.Users <= 0 {
		return errors.New("sim: at least one user per domain is required")
	}
	if len(o.Domains) == 0 {
		return errors.New("sim: no domains")
	}
	for _, d := range o.Domains {
		if d.FailRate < 0 || d.FailRate > 1 || d.BounceRate < 0 || d.BounceRate > 1 {
			return fmt.Errorf("sim: %s: rates should be in [0, 1]", d.Name)
		}
	}
	return nil
}

// Report summarizes a finished simulation.
type Report struct {
	Elapsed time.Duration

	Delivered, Deferred, Bounced int
	Recipients                   struct {
		Delivered, Deferred, Bounced int
	}

	Connects, Deliveries int

	// Scheduler state at the end of the run. Throttled destinations are
	// still listed as dead.
	Final qmgr.Stats
}

type reportTimer struct{}

type injectTimer struct{}

// Run injects synthetic mail into a fresh scheduler and waits until every
// message is finalized or ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config, opts Options, l log.Logger) (Report, error) {
	if err := opts.Validate(); err != nil {
		return Report{}, err
	}

	loop := events.NewLoop(l.Sublogger("events"))
	defer loop.Close()

	store := msgstore.New()
	store.Log = l.Sublogger("msgstore")
	if opts.PageSize > 0 {
		store.PageSize = opts.PageSize
	}

	agentCalls := &counter{}
	if opts.Backend != nil {
		connector, deliverer, closeBackend := opts.Backend(loop, store)
		defer closeBackend()
		agentCalls.Connector, agentCalls.Deliverer = connector, deliverer
	} else {
		a := NewAgent(loop, store, opts.Seed, opts.Domains...)
		a.ConnectLatency = opts.ConnectLatency
		a.TransportFailRate = opts.TransportFailRate
		agentCalls.Connector, agentCalls.Deliverer = a, a
	}

	sched := qmgr.New(cfg, store, loop, agentCalls, agentCalls)
	sched.Log = l.Sublogger("qmgr")
	sched.OnFatal = loop.Stop
	store.Attach(sched)
	loop.AfterEvent(sched.Tick)

	var report Report
	finalized := 0
	store.OnFinalize = func(res msgstore.Result) {
		switch res.Disposition {
		case msgstore.Delivered:
			report.Delivered++
		case msgstore.Deferred:
			report.Deferred++
		case msgstore.Bounced:
			report.Bounced++
		}
		report.Recipients.Delivered += len(res.Delivered)
		report.Recipients.Deferred += len(res.Deferred)
		report.Recipients.Bounced += len(res.Bounced)

		finalized++
		if finalized == opts.Messages {
			loop.Stop(nil)
		}
	}

	gen := rand.New(rand.NewSource(opts.Seed))
	injected := 0
	inject := func() {
		rcpts := make([]string, 0, opts.Recipients)
		for i := 0; i < opts.Recipients; i++ {
			d := opts.Domains[gen.Intn(len(opts.Domains))]
			rcpts = append(rcpts, fmt.Sprintf("user%d@%s", gen.Intn(opts.Users), d.Name))
		}
		body := fmt.Sprintf("Subject: simulated message %d\r\n\r\nHello!\r\n", injected)
		if _, err := store.Add("sim@localhost", []byte(body), rcpts); err != nil {
			loop.Stop(err)
		}
		injected++
	}

	var injectNext func()
	injectNext = func() {
		inject()
		if injected < opts.Messages {
			loop.RequestTimer(injectTimer{}, opts.Interval, injectNext)
		}
	}

	var reportNext func()
	reportNext = func() {
		st := sched.Stats()
		l.Msg("progress", "injected", injected, "finalized", finalized,
			"queues", st.Queues, "dead_queues", st.DeadQueues,
			"messages", st.Messages, "recipients", st.Recipients)
		loop.RequestTimer(reportTimer{}, opts.ReportInterval, reportNext)
	}

	start := time.Now()
	loop.Post(func() {
		if opts.Interval == 0 {
			for injected < opts.Messages {
				inject()
			}
		} else {
			injectNext()
		}
		if opts.ReportInterval > 0 {
			loop.RequestTimer(reportTimer{}, opts.ReportInterval, reportNext)
		}
	})

	err := loop.Run(ctx)
	report.Elapsed = time.Since(start)
	report.Connects = agentCalls.connects
	report.Deliveries = agentCalls.deliveries
	// The loop goroutine is gone, reading scheduler state is safe.
	report.Final = sched.Stats()
	return report, err
}
