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

package exterrors

import (
	"errors"
	"fmt"
)

// Bug is the panic value used when an internal invariant is violated, e.g.
// a throttled queue is throttled again. Such conditions are never recovered
// from locally, they indicate a logic error elsewhere.
type Bug struct {
	Where string
	Msg   string
}

func (b Bug) Error() string {
	return "BUG: " + b.Where + ": " + b.Msg
}

// Panicf panics with a Bug value.
func Panicf(where, format string, args ...interface{}) {
	panic(Bug{Where: where, Msg: fmt.Sprintf(format, args...)})
}

// Fatal is the panic value used for conditions the process can't continue
// after, e.g. a delivery agent that stopped responding. Like Bug, it is
// never recovered from by the event loop.
type Fatal struct {
	Err error
}

func (f Fatal) Error() string {
	return "fatal: " + f.Err.Error()
}

func (f Fatal) Unwrap() error {
	return f.Err
}

// AsFatal reports whether v (typically a recover() result) is a Fatal.
func AsFatal(v interface{}) (Fatal, bool) {
	f, ok := v.(Fatal)
	return f, ok
}

// AsBug reports whether v (typically a recover() result) is a Bug.
func AsBug(v interface{}) (Bug, bool) {
	switch v := v.(type) {
	case Bug:
		return v, true
	case error:
		var b Bug
		if errors.As(v, &b) {
			return b, true
		}
	}
	return Bug{}, false
}
