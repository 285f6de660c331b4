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

// Package log implements a minimalistic structured logging library.
//
// Messages are plain strings with an optional set of key-value fields that
// are rendered as a JSON object with deterministic key order:
//
//	qmgr/smtp: throttled destination	{"nexthop":"example.org","window":0}
//
// Actual output (stderr, zap, test log) is done by Output implementations.
package log

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/foxcpp/qmgr/framework/exterrors"
)

// Logger is the structure that writes formatted output to the underlying
// log.Output object.
//
// Logger is stateless and can be copied freely. However, consider that
// underlying log.Output will not be copied.
//
// Each log message is prefixed with logger name. Timestamp and debug flag
// formatting is done by log.Output.
type Logger struct {
	Out   Output
	Name  string
	Debug bool

	// Additional fields that will be added
	// to the Msg output.
	Fields map[string]interface{}
}

// Sublogger returns a copy of l with name appended to the logger name.
func (l Logger) Sublogger(name string) Logger {
	if l.Name != "" {
		name = l.Name + "/" + name
	}
	l.Name = name
	return l
}

// With returns a copy of l that adds the passed key-value pairs to all
// messages.
func (l Logger) With(fields ...interface{}) Logger {
	newF := make(map[string]interface{}, len(l.Fields)+len(fields)/2)
	for k, v := range l.Fields {
		newF[k] = v
	}
	fieldsToMap(fields, newF)
	l.Fields = newF
	return l
}

func (l Logger) Debugf(format string, val ...interface{}) {
	if !l.Debug {
		return
	}
	l.log(true, l.formatMsg(fmt.Sprintf(format, val...), nil))
}

func (l Logger) Printf(format string, val ...interface{}) {
	l.log(false, l.formatMsg(fmt.Sprintf(format, val...), nil))
}

func (l Logger) Println(val ...interface{}) {
	l.log(false, l.formatMsg(strings.TrimRight(fmt.Sprintln(val...), "\n"), nil))
}

// Msg writes an event log message in a machine-readable format (currently
// JSON).
//
//	name: msg\t{"key":"value","key2":"value2"}
//
// Key-value pairs are built from fields slice which should contain key strings
// followed by corresponding values.
//
// If value in fields implements LogFormatter, it will be represented by the
// string returned by FormatLog method. Same goes for fmt.Stringer and error
// interfaces.
func (l Logger) Msg(msg string, fields ...interface{}) {
	m := make(map[string]interface{}, len(fields)/2)
	fieldsToMap(fields, m)
	l.log(false, l.formatMsg(msg, m))
}

// Error writes an event log message containing information about the error.
// Fields attached to err using exterrors.WithFields are added to the message.
//
// In the context of Error method, "msg" typically indicates the top-level
// context in which the error is *handled*. For example, if connect to the
// delivery agent fails, msg will probably be "connect to transport".
func (l Logger) Error(msg string, err error, fields ...interface{}) {
	if err == nil {
		return
	}

	errFields := exterrors.Fields(err)
	allFields := make(map[string]interface{}, len(fields)+len(errFields)+2)
	for k, v := range errFields {
		allFields[k] = v
	}

	// If there is already a 'reason' field - use it, it probably
	// provides a better explanation than error text itself.
	if allFields["reason"] == nil {
		allFields["reason"] = err.Error()
	}
	fieldsToMap(fields, allFields)

	l.log(false, l.formatMsg(msg, allFields))
}

func (l Logger) DebugMsg(kind string, fields ...interface{}) {
	if !l.Debug {
		return
	}
	m := make(map[string]interface{}, len(fields)/2)
	fieldsToMap(fields, m)
	l.log(true, l.formatMsg(kind, m))
}

func fieldsToMap(fields []interface{}, out map[string]interface{}) {
	var lastKey string
	for i, val := range fields {
		if i%2 == 0 {
			key, ok := val.(string)
			if !ok {
				// Misformatted arguments, attempt to provide useful message
				// anyway.
				out[fmt.Sprint("field", i)] = val
				lastKey = ""
				continue
			}
			lastKey = key
		} else if lastKey != "" {
			out[lastKey] = val
		}
	}
}

func (l Logger) formatMsg(msg string, fields map[string]interface{}) string {
	if len(l.Fields)+len(fields) == 0 {
		return msg
	}

	// Call-site fields override the logger ones. encoding/json sorts map
	// keys, so the output order is stable.
	merged := make(map[string]interface{}, len(l.Fields)+len(fields))
	for k, v := range l.Fields {
		merged[k] = fieldValue(v)
	}
	for k, v := range fields {
		merged[k] = fieldValue(v)
	}

	b, err := json.Marshal(merged)
	if err != nil {
		return fmt.Sprintf("[BROKEN FORMATTING: %v] %v %+v", err, msg, fields)
	}
	return msg + "\t" + string(b)
}

func fieldValue(v interface{}) interface{} {
	switch v := v.(type) {
	case time.Time:
		return v.Format("2006-01-02T15:04:05.000")
	case time.Duration:
		return v.String()
	case LogFormatter:
		return v.FormatLog()
	case fmt.Stringer:
		return v.String()
	case error:
		return v.Error()
	}
	return v
}

// LogFormatter is implemented by values that want a custom representation
// in the log fields.
type LogFormatter interface {
	FormatLog() string
}

func (l Logger) log(debug bool, s string) {
	if l.Name != "" {
		s = l.Name + ": " + s
	}

	if l.Out != nil {
		l.Out.Write(time.Now(), debug, s)
		return
	}
	if DefaultLogger.Out != nil {
		DefaultLogger.Out.Write(time.Now(), debug, s)
		return
	}

	// Logging is disabled - do nothing.
}

// DefaultLogger is the global Logger object that is used by
// package-level logging functions.
var DefaultLogger = Logger{Out: WriterOutput(os.Stderr, false)}

func Debugf(format string, val ...interface{}) { DefaultLogger.Debugf(format, val...) }
func Printf(format string, val ...interface{}) { DefaultLogger.Printf(format, val...) }
func Println(val ...interface{})               { DefaultLogger.Println(val...) }
