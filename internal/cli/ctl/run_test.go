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

package ctl

import (
	"testing"
	"time"

	"github.com/foxcpp/qmgr/framework/config"
	"github.com/foxcpp/qmgr/internal/sim"
	"github.com/foxcpp/qmgr/internal/testutils"
)

func TestParseDomain(t *testing.T) {
	for _, c := range []struct {
		in   string
		want sim.Domain
		fail bool
	}{
		{in: "example.org", want: sim.Domain{Name: "example.org", Latency: time.Second}},
		{in: "example.org:0.5", want: sim.Domain{Name: "example.org", FailRate: 0.5, Latency: time.Second}},
		{in: "example.org:0:0.1:5ms", want: sim.Domain{Name: "example.org", BounceRate: 0.1, Latency: 5 * time.Millisecond}},
		{in: "", fail: true},
		{in: ":0.5", fail: true},
		{in: "example.org:x", fail: true},
		{in: "example.org:0:x", fail: true},
		{in: "example.org:0:0:x", fail: true},
		{in: "example.org:0:0:1s:extra", fail: true},
	} {
		d, err := parseDomain(c.in, time.Second)
		if c.fail {
			if err == nil {
				t.Errorf("%q: expected an error, got %+v", c.in, d)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", c.in, err)
			continue
		}
		if d != c.want {
			t.Errorf("%q: got %+v, want %+v", c.in, d, c.want)
		}
	}
}

func TestAgentBackend(t *testing.T) {
	l := testutils.Logger(t, "ctl")
	cfg := config.Default()

	if b, err := agentBackend("sim", cfg, l); err != nil || b != nil {
		t.Errorf("sim: got %v, %v", b, err)
	}
	if b, err := agentBackend("lmtp", cfg, l); err != nil || b == nil {
		t.Errorf("lmtp: got %v, %v", b, err)
	}
	if _, err := agentBackend("smtp", cfg, l); err == nil {
		t.Error("unknown agent accepted")
	}

	bad := cfg.Defaults
	bad.Endpoint = "http://localhost:24"
	cfg.SetTransport("smtp", bad)
	if _, err := agentBackend("lmtp", cfg, l); err == nil {
		t.Error("unsupported endpoint accepted")
	}
}
