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

package agent

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/foxcpp/qmgr/framework/exterrors"
	"github.com/foxcpp/qmgr/framework/log"
	"github.com/foxcpp/qmgr/internal/qmgr"
)

// BodySource provides message contents for delivery. Open is called on the
// scheduler goroutine and must not block, the returned body is read from
// a separate goroutine.
type BodySource interface {
	Open(msg *qmgr.Message) (from string, body io.ReadCloser, err error)
}

// Recorder receives per-recipient results of deliveries the destination
// accepted. Methods are called on the scheduler goroutine.
type Recorder interface {
	Delivered(msg *qmgr.Message, rcpt qmgr.Recipient)
	Bounced(msg *qmgr.Message, rcpt qmgr.Recipient, reason error)
	Deferred(msg *qmgr.Message, rcpt qmgr.Recipient, reason error)
}

type rcptResult struct {
	rcpt qmgr.Recipient
	err  error
}

// LMTP implements qmgr.Deliverer by passing messages to a LMTP server.
type LMTP struct {
	Loop     Poster
	Source   BodySource
	Recorder Recorder
	Log      log.Logger

	// Name used in LHLO.
	Hostname string

	// Deadline for a single delivery, including the LMTP handshake.
	Timeout time.Duration

	pool *sessionPool
}

func NewLMTP(loop Poster, source BodySource, recorder Recorder) *LMTP {
	return &LMTP{
		Loop:     loop,
		Source:   source,
		Recorder: recorder,
		Log:      log.Logger{Name: "agent/lmtp"},
		Hostname: "localhost",
		Timeout:  5 * time.Minute,
		pool:     newSessionPool(),
	}
}

// Close closes the cached sessions.
func (l *LMTP) Close() {
	l.pool.Close()
}

func (l *LMTP) Deliver(conn qmgr.Conn, req qmgr.Request, done func(qmgr.Outcome)) {
	from, body, err := l.Source.Open(req.Message)
	if err != nil {
		conn.Close()
		l.Log.Error("cannot open message", err, "msg_id", req.Message.ID)
		done(qmgr.Outcome{Status: qmgr.DestinationFailed, Reason: err})
		return
	}

	go func() {
		defer body.Close()
		outcome, results := l.deliver(conn, req, from, body)

		l.Loop.Post(func() {
			for _, res := range results {
				switch {
				case res.err == nil:
					l.Recorder.Delivered(req.Message, res.rcpt)
				case exterrors.IsTemporaryOrUnspec(res.err):
					l.Recorder.Deferred(req.Message, res.rcpt, res.err)
				default:
					l.Recorder.Bounced(req.Message, res.rcpt, res.err)
				}
			}
			done(outcome)
		})
	}()
}

// deliver runs a single LMTP transaction. Per-recipient results are
// returned only if the outcome is Delivered, otherwise all recipients of
// the request are deferred by the scheduler.
func (l *LMTP) deliver(conn qmgr.Conn, req qmgr.Request, from string, body io.Reader) (qmgr.Outcome, []rcptResult) {
	sess, err := l.session(conn, req)
	if err != nil {
		return failure(err), nil
	}
	sess.setDeadline(time.Now().Add(l.Timeout))

	keep := false
	defer func() {
		if keep && req.SessionCache {
			sess.lastUse = time.Now()
			l.pool.Put(poolKey(req), sess)
			return
		}
		sess.Close()
	}()

	if err := sess.cl.Mail(from, &smtp.MailOptions{}); err != nil {
		err = wrapClientErr(err, req.Nexthop)
		if isSMTPErr(err) && !exterrors.IsTemporary(err) {
			// Rejected sender, nothing to retry for this destination.
			keep = sess.reset()
			return qmgr.Outcome{Status: qmgr.Delivered}, bounceAll(req.Recipients, err)
		}
		sess.broken = true
		if sess.reused {
			// The cached session went stale while it was idle.
			return qmgr.Outcome{Status: qmgr.DestinationFailed, Reason: err}, nil
		}
		return failure(err), nil
	}

	results := make([]rcptResult, 0, len(req.Recipients))
	accepted := make(map[string]qmgr.Recipient, len(req.Recipients))
	for _, rcpt := range req.Recipients {
		if err := sess.cl.Rcpt(rcpt.Address); err != nil {
			err = wrapClientErr(err, req.Nexthop)
			if !isSMTPErr(err) {
				sess.broken = true
				return failure(err), nil
			}
			results = append(results, rcptResult{rcpt: rcpt, err: err})
			continue
		}
		accepted[rcpt.Address] = rcpt
	}
	if len(accepted) == 0 {
		keep = sess.reset()
		return qmgr.Outcome{Status: qmgr.Delivered}, results
	}

	statuses := make(map[string]error, len(accepted))
	wc, err := sess.cl.LMTPData(func(rcpt string, status *smtp.SMTPError) {
		if status == nil {
			statuses[rcpt] = nil
			return
		}
		statuses[rcpt] = wrapClientErr(status, req.Nexthop)
	})
	if err == nil {
		_, err = io.Copy(wc, body)
		if closeErr := wc.Close(); err == nil {
			err = closeErr
		}
	}
	if err != nil {
		err = wrapClientErr(err, req.Nexthop)
		sess.broken = true
		if isSMTPErr(err) && !exterrors.IsTemporary(err) {
			for _, rcpt := range accepted {
				results = append(results, rcptResult{rcpt: rcpt, err: err})
			}
			return qmgr.Outcome{Status: qmgr.Delivered}, results
		}
		return failure(err), nil
	}

	for addr, rcpt := range accepted {
		status, ok := statuses[addr]
		if !ok {
			status = exterrors.WithTemporary(errors.New("agent: no LMTP status reported for recipient"), true)
		}
		results = append(results, rcptResult{rcpt: rcpt, err: status})
	}
	keep = true
	return qmgr.Outcome{Status: qmgr.Delivered}, results
}

// session returns a cached session to the destination if the request
// allows it or establishes a new one over conn.
func (l *LMTP) session(conn qmgr.Conn, req qmgr.Request) (*lmtpSession, error) {
	if req.SessionCache {
		if cached := l.pool.Get(poolKey(req)); cached != nil {
			conn.Close()
			l.Log.DebugMsg("reusing cached session", "transport", req.Transport, "nexthop", req.Nexthop)
			sess := cached.(*lmtpSession)
			sess.reused = true
			return sess, nil
		}
	}

	ac, ok := conn.(*Conn)
	if !ok {
		conn.Close()
		return nil, errors.New("agent: not a network connection")
	}

	host := ac.Endpoint.Host
	if host == "" {
		host = "localhost"
	}
	ac.SetDeadline(time.Now().Add(l.Timeout))

	cl, err := smtp.NewClientLMTP(ac.Conn, host)
	if err != nil {
		ac.Close()
		return nil, wrapClientErr(err, req.Nexthop)
	}
	if err := cl.Hello(l.Hostname); err != nil {
		cl.Close()
		return nil, wrapClientErr(err, req.Nexthop)
	}
	return &lmtpSession{cl: cl, conn: ac.Conn, lastUse: time.Now()}, nil
}

func poolKey(req qmgr.Request) string {
	return req.Transport + "/" + req.Nexthop
}

// failure maps a transaction-level error to the scheduler outcome.
// Temporary protocol replies indicate a problem with the destination,
// anything else is a failure of the delivery agent itself.
func failure(err error) qmgr.Outcome {
	if isSMTPErr(err) {
		return qmgr.Outcome{Status: qmgr.DestinationFailed, Reason: err}
	}
	return qmgr.Outcome{Status: qmgr.TransportFailed, Reason: err}
}

func bounceAll(rcpts []qmgr.Recipient, err error) []rcptResult {
	res := make([]rcptResult, 0, len(rcpts))
	for _, rcpt := range rcpts {
		res = append(res, rcptResult{rcpt: rcpt, err: err})
	}
	return res
}

type lmtpSession struct {
	cl      *smtp.Client
	conn    net.Conn
	lastUse time.Time
	broken  bool
	reused  bool
}

func (s *lmtpSession) Usable() bool {
	return s.cl != nil && !s.broken
}

func (s *lmtpSession) LastUseAt() time.Time {
	return s.lastUse
}

func (s *lmtpSession) setDeadline(t time.Time) {
	s.conn.SetDeadline(t)
}

// reset aborts the current transaction. It reports whether the session
// can be reused.
func (s *lmtpSession) reset() bool {
	if err := s.cl.Reset(); err != nil {
		s.broken = true
		return false
	}
	return true
}

// Close sends the QUIT command, if it fails - it directly closes the
// connection.
func (s *lmtpSession) Close() error {
	if s.cl == nil {
		return nil
	}
	cl := s.cl
	s.cl = nil
	if s.broken {
		return cl.Close()
	}
	if err := cl.Quit(); err != nil {
		return cl.Close()
	}
	return nil
}

// smtpError marks errors that are protocol replies of the remote side.
type smtpError struct {
	error
	code int
}

func (e smtpError) Unwrap() error   { return e.error }
func (e smtpError) Temporary() bool { return e.code/100 == 4 }

func isSMTPErr(err error) bool {
	var se smtpError
	return errors.As(err, &se)
}

func wrapClientErr(err error, nexthop string) error {
	if err == nil {
		return nil
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return exterrors.WithFields(smtpError{error: err, code: smtpErr.Code}, map[string]interface{}{
			"nexthop":       nexthop,
			"smtp_code":     smtpErr.Code,
			"smtp_enchcode": smtpErr.EnhancedCode,
			"smtp_msg":      smtpErr.Message,
		})
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return exterrors.WithFields(err, map[string]interface{}{
			"nexthop":     nexthop,
			"remote_addr": opErr.Addr,
			"io_op":       opErr.Op,
		})
	}

	return exterrors.WithFields(err, map[string]interface{}{
		"nexthop": nexthop,
	})
}
