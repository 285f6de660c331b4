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

import "time"

// MessageStore owns the messages referenced by the scheduler.
//
// All methods are called on the event loop goroutine and must not block.
type MessageStore interface {
	// LoadMoreRecipients reads the next batch of recipients of msg and
	// schedules them using Scheduler.Schedule. It should clear
	// msg.MoreRecipients once all recipients are read.
	LoadMoreRecipients(msg *Message)

	// Defer records that delivery to rcpts should be retried later.
	Defer(msg *Message, rcpts []Recipient, reason error)

	// Finalize is called exactly once per message, when no queue entries
	// reference it anymore.
	Finalize(msg *Message)
}

// Events is the timer facility and clock the scheduler runs on.
//
// Timers are keyed, requesting a timer for a key that is pending already
// replaces it. Timer callbacks run on the same goroutine as the rest of
// the scheduler.
type Events interface {
	Now() time.Time
	RequestTimer(key interface{}, delay time.Duration, fn func())
	CancelTimer(key interface{}) bool
}

// Conn is a connection to a delivery agent.
type Conn interface {
	Close() error
}

// Connector establishes delivery agent connections without blocking the
// caller. ready is called on the event loop goroutine once the connection
// is established or failed.
type Connector interface {
	Connect(endpoint string, ready func(Conn, error))
}

// Deliverer hands a queue entry to the delivery agent. done should be
// called on the event loop goroutine.
type Deliverer interface {
	Deliver(conn Conn, req Request, done func(Outcome))
}

// Request is the work item passed to the delivery agent.
type Request struct {
	Transport  string
	Nexthop    string
	Message    *Message
	Recipients []Recipient

	// Delivery agent is allowed to keep the connection to the
	// destination open for the next request.
	SessionCache bool
}

type Status int

const (
	// Delivered means the destination accepted the attempt. Individual
	// recipients may still be rejected, that is recorded by the delivery
	// agent itself.
	Delivered Status = iota

	// DestinationFailed means the destination could not be reached or
	// failed in a way that affects all recipients.
	DestinationFailed

	// TransportFailed means the delivery agent itself failed.
	TransportFailed
)

func (s Status) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case DestinationFailed:
		return "destination_failed"
	case TransportFailed:
		return "transport_failed"
	}
	return "unknown"
}

type Outcome struct {
	Status Status
	Reason error
}
