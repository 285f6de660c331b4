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

package log

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/foxcpp/qmgr/framework/exterrors"
)

func captureLogger(debug bool) (Logger, *[]string) {
	var lines []string
	l := Logger{
		Out: FuncOutput(func(_ time.Time, dbg bool, msg string) {
			if dbg {
				msg = "[debug] " + msg
			}
			lines = append(lines, msg)
		}, nil),
		Name:  "test",
		Debug: debug,
	}
	return l, &lines
}

func TestLoggerMsg_OrderedFields(t *testing.T) {
	l, lines := captureLogger(false)
	l.Msg("throttled", "window", 0, "nexthop", "example.org")

	if len(*lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(*lines))
	}
	want := `test: throttled	{"nexthop":"example.org","window":0}`
	if (*lines)[0] != want {
		t.Errorf("wrong output:\n%s\nwant:\n%s", (*lines)[0], want)
	}
}

func TestLoggerError_Fields(t *testing.T) {
	l, lines := captureLogger(false)
	err := exterrors.WithFields(errors.New("connection refused"), map[string]interface{}{
		"transport": "smtp",
	})
	l.Error("connect to transport", err, "attempt", 1)

	want := `test: connect to transport	{"attempt":1,"reason":"connection refused","transport":"smtp"}`
	if (*lines)[0] != want {
		t.Errorf("wrong output:\n%s\nwant:\n%s", (*lines)[0], want)
	}
}

func TestLoggerError_Nil(t *testing.T) {
	l, lines := captureLogger(false)
	l.Error("nothing", nil)
	if len(*lines) != 0 {
		t.Errorf("nil error should not be logged: %v", *lines)
	}
}

func TestLoggerDebug(t *testing.T) {
	l, lines := captureLogger(false)
	l.Debugf("hidden %d", 1)
	l.DebugMsg("hidden")
	if len(*lines) != 0 {
		t.Fatalf("debug messages written with Debug=false: %v", *lines)
	}

	l.Debug = true
	l.Debugf("shown %d", 2)
	if len(*lines) != 1 || (*lines)[0] != "[debug] test: shown 2" {
		t.Errorf("wrong debug output: %v", *lines)
	}
}

func TestLoggerSubloggerWith(t *testing.T) {
	l, lines := captureLogger(false)
	l = l.Sublogger("smtp").With("transport", "smtp")
	l.Msg("selected", "nexthop", "example.org")

	if !strings.HasPrefix((*lines)[0], "test/smtp: selected\t") {
		t.Errorf("wrong prefix: %s", (*lines)[0])
	}
	if !strings.Contains((*lines)[0], `"transport":"smtp"`) {
		t.Errorf("missing logger field: %s", (*lines)[0])
	}
}

func TestLoggerZap(t *testing.T) {
	l, lines := captureLogger(false)
	l.Zap().Named("agent").Info("hello")
	if len(*lines) != 1 || (*lines)[0] != "test/agent: hello" {
		t.Errorf("wrong zap bridge output: %v", *lines)
	}
}

func TestLoggerMsg_FieldValues(t *testing.T) {
	l, lines := captureLogger(false)
	l.Fields = map[string]interface{}{"transport": "smtp", "nexthop": "default"}
	l.Msg("deferred",
		"nexthop", "example.org",
		"delay", 1500*time.Millisecond,
		"at", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		"reason", errors.New("451 busy"))

	want := `test: deferred	{"at":"2024-01-02T03:04:05.000","delay":"1.5s","nexthop":"example.org","reason":"451 busy","transport":"smtp"}`
	if (*lines)[0] != want {
		t.Errorf("wrong output:\n%s\nwant:\n%s", (*lines)[0], want)
	}
}
