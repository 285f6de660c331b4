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

package testutils

import (
	"io"
	"net"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
)

type LMTPMessage struct {
	From string
	To   []string
	Data []byte
}

// LMTPBackend records messages received by the test LMTP server.
//
// Error fields should be set before the first connection is made.
type LMTPBackend struct {
	lock            sync.Mutex
	messages        []*LMTPMessage
	sessionCounter  int
	mailFromCounter int

	MailErr     error
	RcptErr     map[string]error
	DataErr     error
	LMTPDataErr map[string]error
}

func (be *LMTPBackend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	be.lock.Lock()
	defer be.lock.Unlock()
	be.sessionCounter++
	return &session{backend: be}, nil
}

func (be *LMTPBackend) Messages() []*LMTPMessage {
	be.lock.Lock()
	defer be.lock.Unlock()
	return append([]*LMTPMessage(nil), be.messages...)
}

func (be *LMTPBackend) SessionCount() int {
	be.lock.Lock()
	defer be.lock.Unlock()
	return be.sessionCounter
}

func (be *LMTPBackend) CheckMsg(t *testing.T, indx int, from string, rcptTo []string, data string) {
	t.Helper()

	msgs := be.Messages()
	if len(msgs) <= indx {
		t.Errorf("Expected at least %d messages in mailbox, got %d", indx+1, len(msgs))
		return
	}

	msg := msgs[indx]
	if msg.From != from {
		t.Errorf("Wrong MAIL FROM: %v", msg.From)
	}

	to := append([]string(nil), msg.To...)
	sort.Strings(to)
	sort.Strings(rcptTo)
	if !reflect.DeepEqual(to, rcptTo) {
		t.Errorf("Wrong RCPT TO: %v", msg.To)
	}
	if string(msg.Data) != data {
		t.Errorf("Wrong DATA payload: %q", string(msg.Data))
	}
}

type session struct {
	backend *LMTPBackend
	msg     *LMTPMessage
}

func (s *session) Reset() {
	s.msg = &LMTPMessage{}
}

func (s *session) Logout() error {
	return nil
}

func (s *session) AuthPlain(username, password string) error {
	return smtp.ErrAuthUnsupported
}

func (s *session) Mail(from string, opts *smtp.MailOptions) error {
	s.backend.lock.Lock()
	s.backend.mailFromCounter++
	s.backend.lock.Unlock()

	if s.backend.MailErr != nil {
		return s.backend.MailErr
	}

	s.Reset()
	s.msg.From = from
	return nil
}

func (s *session) Rcpt(to string) error {
	if err := s.backend.RcptErr[to]; err != nil {
		return err
	}

	s.msg.To = append(s.msg.To, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	return s.LMTPData(r, nil)
}

func (s *session) LMTPData(r io.Reader, status smtp.StatusCollector) error {
	if s.backend.DataErr != nil {
		return s.backend.DataErr
	}

	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.msg.Data = b

	s.backend.lock.Lock()
	s.backend.messages = append(s.backend.messages, s.msg)
	s.backend.lock.Unlock()

	if status != nil {
		for _, rcpt := range s.msg.To {
			status.SetStatus(rcpt, s.backend.LMTPDataErr[rcpt])
		}
	}
	return nil
}

// LMTPServer starts a LMTP server listening on the specified address.
// Use "127.0.0.1:0" to get a random port. The actual address is returned.
func LMTPServer(t *testing.T, network, addr string) (*LMTPBackend, *smtp.Server, string) {
	t.Helper()

	l, err := net.Listen(network, addr)
	if err != nil {
		t.Fatal(err)
	}

	be := new(LMTPBackend)
	s := smtp.NewServer(be)
	s.Domain = "localhost"
	s.LMTP = true
	s.AllowInsecureAuth = true
	s.ReadTimeout = 10 * time.Second
	s.WriteTimeout = 10 * time.Second

	go func() {
		if err := s.Serve(l); err != nil {
			t.Log("LMTP server:", err)
		}
	}()

	// Dial it once to make sure Server completes its initialization before
	// we try to use it.
	testConn, err := net.Dial(network, l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	testConn.Close()

	return be, s, l.Addr().String()
}
