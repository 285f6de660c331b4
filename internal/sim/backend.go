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
	"github.com/foxcpp/qmgr/framework/config"
	"github.com/foxcpp/qmgr/framework/log"
	"github.com/foxcpp/qmgr/internal/agent"
	"github.com/foxcpp/qmgr/internal/events"
	"github.com/foxcpp/qmgr/internal/msgstore"
	"github.com/foxcpp/qmgr/internal/qmgr"
)

// Backend builds the delivery agent side of a run. The returned function is
// called once the event loop stopped.
type Backend func(loop *events.Loop, store *msgstore.Memory) (qmgr.Connector, qmgr.Deliverer, func())

// LMTPBackend delivers to LMTP servers listening on the transport endpoints
// of cfg. Relative unix socket paths are resolved against
// cfg.Scheduler.AgentDirectory.
func LMTPBackend(cfg *config.Config, l log.Logger) Backend {
	return func(loop *events.Loop, store *msgstore.Memory) (qmgr.Connector, qmgr.Deliverer, func()) {
		dialer := agent.NewDialer(loop, cfg.Scheduler.AgentDirectory)
		dialer.Log = l.Sublogger("agent/dialer")

		lmtp := agent.NewLMTP(loop, store, store)
		lmtp.Log = l.Sublogger("agent/lmtp")
		return dialer, lmtp, lmtp.Close
	}
}

// counter records scheduler calls into the delivery agent. Both methods run
// on the event loop goroutine.
type counter struct {
	qmgr.Connector
	qmgr.Deliverer

	connects, deliveries int
}

func (c *counter) Connect(endpoint string, ready func(qmgr.Conn, error)) {
	c.connects++
	c.Connector.Connect(endpoint, ready)
}

func (c *counter) Deliver(conn qmgr.Conn, req qmgr.Request, done func(qmgr.Outcome)) {
	c.deliveries++
	c.Deliverer.Deliver(conn, req, done)
}
