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
	"testing"
)

func TestFields_OuterOverrides(t *testing.T) {
	inner := WithFields(errors.New("refused"), map[string]interface{}{"a": 1, "b": 1})
	outer := WithFields(fmt.Errorf("connect: %w", inner), map[string]interface{}{"a": 2})

	f := Fields(outer)
	if f["a"] != 2 || f["b"] != 1 {
		t.Errorf("wrong fields: %v", f)
	}
}

func TestTemporary(t *testing.T) {
	plain := errors.New("x")
	if !IsTemporaryOrUnspec(plain) || IsTemporary(plain) {
		t.Error("plain error classified wrong")
	}
	perm := WithTemporary(plain, false)
	if IsTemporaryOrUnspec(perm) {
		t.Error("permanent error is temporary")
	}
	if !IsTemporary(WithFields(WithTemporary(plain, true), nil)) {
		t.Error("wrapped temporary error lost")
	}
}

func TestPanicf(t *testing.T) {
	defer func() {
		b, ok := AsBug(recover())
		if !ok {
			t.Fatal("not a Bug")
		}
		if b.Error() != "BUG: throttle: queue x already throttled" {
			t.Errorf("wrong message: %v", b.Error())
		}
	}()
	Panicf("throttle", "queue %s already throttled", "x")
}

func TestAsFatal(t *testing.T) {
	inner := errors.New("agent stuck")
	f, ok := AsFatal(Fatal{Err: inner})
	if !ok {
		t.Fatal("Fatal value not recognized")
	}
	if !errors.Is(f, inner) {
		t.Error("Fatal does not unwrap to the cause")
	}
	if _, ok := AsFatal(inner); ok {
		t.Error("plain error recognized as Fatal")
	}
	if _, ok := AsBug(Fatal{Err: inner}); ok {
		t.Error("Fatal recognized as Bug")
	}
}
