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

import "errors"

type TemporaryErr interface {
	Temporary() bool
}

// IsTemporaryOrUnspec reports whether err is temporary, assuming errors
// without a Temporary method are temporary. Delivery failures default to
// retry.
func IsTemporaryOrUnspec(err error) bool {
	var temp TemporaryErr
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	return true
}

// IsTemporary reports whether err has a Temporary method returning true.
// Errors without one are considered permanent.
func IsTemporary(err error) bool {
	var temp TemporaryErr
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	return false
}

type temporaryErr struct {
	error
	temp bool
}

func (t temporaryErr) Unwrap() error   { return t.error }
func (t temporaryErr) Temporary() bool { return t.temp }

// WithTemporary marks err as temporary or permanent.
// The original error value can be obtained using errors.Unwrap.
func WithTemporary(err error, temporary bool) error {
	return temporaryErr{err, temporary}
}

// Deferral wraps err as a temporary error carrying fields. It is the usual
// shape of the errors returned when work cannot be accepted right now.
func Deferral(err error, fields map[string]interface{}) error {
	return WithFields(WithTemporary(err, true), fields)
}
