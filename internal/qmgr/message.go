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

// Recipient is a single envelope recipient of a message.
type Recipient struct {
	Address string

	// Position of the recipient record in the message store. Opaque to
	// the scheduler.
	Offset int64
}

// Message is the in-core state of a queued message as seen by the
// scheduler. The message itself is owned by the MessageStore, the
// scheduler only keeps track of entries referencing it.
type Message struct {
	ID string

	// Set by the store while not all recipients of the message were
	// scheduled yet. The scheduler asks the store for more once the
	// amount of in-core recipients is low enough.
	MoreRecipients bool

	refcount  int
	active    bool
	finalized bool
}

func NewMessage(id string) *Message {
	return &Message{ID: id}
}

// Refcount returns the amount of queue entries referencing the message.
func (m *Message) Refcount() int {
	return m.refcount
}

// Finalized reports whether the message was already handed back to the
// store.
func (m *Message) Finalized() bool {
	return m.finalized
}
