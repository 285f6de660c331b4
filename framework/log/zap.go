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
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type zapOutput struct {
	z *zap.Logger
}

func (o zapOutput) Write(_ time.Time, debug bool, msg string) {
	if debug {
		o.z.Debug(msg)
		return
	}
	o.z.Info(msg)
}

func (o zapOutput) Close() error {
	return o.z.Sync()
}

// ZapOutput returns a log.Output implementation that sends formatted
// messages to the zap logger. Debug messages use zap's DebugLevel,
// all others InfoLevel.
//
// Fields are already embedded in the message so the zap encoder should
// be configured to print the message as-is (console encoder works well).
func ZapOutput(z *zap.Logger) Output {
	return zapOutput{z: z}
}

// NewZapOutput constructs a zap logger writing to stderr with the console
// encoder and wraps it into Output.
func NewZapOutput(debug bool) (Output, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	cfg.DisableCaller = true
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return ZapOutput(z), nil
}

// Zap returns a zap.Logger that writes through l. Allows handing the
// Logger to libraries that expect zap.
func (l Logger) Zap() *zap.Logger {
	return zap.New(zapLogger{L: l})
}

type zapLogger struct {
	L Logger
}

func (l zapLogger) Enabled(level zapcore.Level) bool {
	if l.L.Debug {
		return true
	}
	return level > zapcore.DebugLevel
}

func (l zapLogger) With(fields []zapcore.Field) zapcore.Core {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	newF := make(map[string]interface{}, len(l.L.Fields)+len(enc.Fields))
	for k, v := range l.L.Fields {
		newF[k] = v
	}
	for k, v := range enc.Fields {
		newF[k] = v
	}
	l.L.Fields = newF
	return l
}

func (l zapLogger) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if l.Enabled(entry.Level) {
		return ce.AddCore(entry, l)
	}
	return ce
}

func (l zapLogger) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	if entry.LoggerName != "" {
		l.L = l.L.Sublogger(entry.LoggerName)
	}
	l.L.log(entry.Level == zapcore.DebugLevel, l.L.formatMsg(entry.Message, enc.Fields))
	return nil
}

func (zapLogger) Sync() error {
	return nil
}
