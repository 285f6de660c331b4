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

// Package agent contains delivery agent adapters for the scheduler: a
// non-blocking connector for agent endpoints and a LMTP based deliverer.
//
// Blocking I/O is done in separate goroutines, results are handed back to
// the scheduler using Poster.
package agent

import (
	"context"
	"net"
	"time"

	"github.com/foxcpp/qmgr/framework/config"
	"github.com/foxcpp/qmgr/framework/log"
	"github.com/foxcpp/qmgr/internal/qmgr"
)

// Poster runs callbacks on the goroutine that owns the scheduler.
// *events.Loop implements it.
type Poster interface {
	Post(fn func())
}

// Conn is an established delivery agent connection.
type Conn struct {
	net.Conn
	Endpoint config.Endpoint
}

// Dialer implements qmgr.Connector by dialing the transport endpoint.
type Dialer struct {
	Loop    Poster
	BaseDir string
	Timeout time.Duration
	Log     log.Logger

	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func NewDialer(loop Poster, baseDir string) *Dialer {
	return &Dialer{
		Loop:    loop,
		BaseDir: baseDir,
		Timeout: 30 * time.Second,
		Log:     log.Logger{Name: "agent/dialer"},
		dial:    (&net.Dialer{}).DialContext,
	}
}

func (d *Dialer) Connect(endpoint string, ready func(qmgr.Conn, error)) {
	endp, err := config.ParseEndpoint(endpoint, d.BaseDir)
	if err != nil {
		d.Loop.Post(func() {
			ready(nil, err)
		})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.Timeout)
		conn, err := d.dial(ctx, endp.Network(), endp.Address())
		cancel()
		if err != nil {
			d.Log.DebugMsg("connect failed", "endpoint", endp.String(), "reason", err.Error())
		}

		d.Loop.Post(func() {
			if err != nil {
				ready(nil, err)
				return
			}
			ready(&Conn{Conn: conn, Endpoint: endp}, nil)
		})
	}()
}
