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

// Package sim implements a simulated delivery agent and a synthetic mail
// source for load testing the scheduler without real destinations.
package sim

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/foxcpp/qmgr/framework/exterrors"
	"github.com/foxcpp/qmgr/internal/agent"
	"github.com/foxcpp/qmgr/internal/qmgr"
)

// Domain describes the behaviour of a simulated destination.
type Domain struct {
	Name string

	// Probability of a delivery attempt failing as a whole with a
	// temporary error. 1 makes the destination always unreachable.
	FailRate float64

	// Probability of a single recipient being rejected.
	BounceRate float64

	// Time a delivery attempt takes.
	Latency time.Duration
}

type timers interface {
	RequestTimer(key interface{}, delay time.Duration, fn func())
}

type timerKey struct {
	kind string
	seq  uint64
}

type conn struct {
	closed bool
}

func (c *conn) Close() error {
	if c.closed {
		return errors.New("sim: connection closed twice")
	}
	c.closed = true
	return nil
}

// Agent implements qmgr.Connector and qmgr.Deliverer. Attempts complete
// after a simulated delay using the scheduler timer facility. Everything
// runs on the scheduler goroutine.
type Agent struct {
	Recorder agent.Recorder

	// Time connection establishment takes.
	ConnectLatency time.Duration

	// Probability of an attempt ending with a delivery agent crash.
	TransportFailRate float64

	// Used for nexthops not listed in Domains.
	Default Domain

	timers  timers
	rand    *rand.Rand
	domains map[string]Domain
	seq     uint64

	Connects, Deliveries int
}

func NewAgent(timers timers, recorder agent.Recorder, seed int64, domains ...Domain) *Agent {
	a := &Agent{
		Recorder: recorder,
		timers:   timers,
		rand:     rand.New(rand.NewSource(seed)),
		domains:  make(map[string]Domain, len(domains)),
	}
	for _, d := range domains {
		a.domains[d.Name] = d
	}
	return a
}

func (a *Agent) after(kind string, d time.Duration, fn func()) {
	a.seq++
	a.timers.RequestTimer(timerKey{kind, a.seq}, d, fn)
}

func (a *Agent) Connect(_ string, ready func(qmgr.Conn, error)) {
	a.Connects++
	a.after("connect", a.ConnectLatency, func() {
		ready(&conn{}, nil)
	})
}

func (a *Agent) domain(nexthop string) Domain {
	if d, ok := a.domains[nexthop]; ok {
		return d
	}
	d := a.Default
	d.Name = nexthop
	return d
}

func (a *Agent) Deliver(c qmgr.Conn, req qmgr.Request, done func(qmgr.Outcome)) {
	a.Deliveries++
	d := a.domain(req.Nexthop)

	a.after("deliver", d.Latency, func() {
		defer c.Close()

		if a.rand.Float64() < a.TransportFailRate {
			done(qmgr.Outcome{
				Status: qmgr.TransportFailed,
				Reason: fmt.Errorf("sim: %s delivery agent crashed", req.Transport),
			})
			return
		}
		if a.rand.Float64() < d.FailRate {
			done(qmgr.Outcome{
				Status: qmgr.DestinationFailed,
				Reason: exterrors.WithFields(
					exterrors.WithTemporary(fmt.Errorf("sim: %s is not responding", d.Name), true),
					map[string]interface{}{"nexthop": d.Name},
				),
			})
			return
		}

		for _, rcpt := range req.Recipients {
			if a.rand.Float64() < d.BounceRate {
				a.Recorder.Bounced(req.Message, rcpt, fmt.Errorf("sim: %s: no such user", rcpt.Address))
				continue
			}
			a.Recorder.Delivered(req.Message, rcpt)
		}
		done(qmgr.Outcome{Status: qmgr.Delivered})
	})
}
