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

package config

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strings"
)

// Endpoint is a parsed delivery agent address: tcp://host:port or
// unix:///path. Relative unix paths are resolved against the agent
// directory.
type Endpoint struct {
	Original, Scheme, Host, Port, Path string
}

// String returns a human-friendly print of the address.
func (e Endpoint) String() string {
	if e.Original != "" {
		return e.Original
	}

	if e.Scheme == "unix" {
		return "unix://" + e.Path
	}

	if e.Host == "" && e.Port == "" {
		return ""
	}

	host := e.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return e.Scheme + "://" + host + ":" + e.Port
}

func (e Endpoint) Network() string {
	if e.Scheme == "unix" {
		return "unix"
	}
	return "tcp"
}

func (e Endpoint) Address() string {
	if e.Scheme == "unix" {
		return e.Path
	}
	return net.JoinHostPort(e.Host, e.Port)
}

// ParseEndpoint parses an endpoint string. baseDir is used to resolve
// relative unix socket paths, it may be empty.
func ParseEndpoint(str, baseDir string) (Endpoint, error) {
	u, err := url.Parse(str)
	if err != nil {
		return Endpoint{}, err
	}

	switch u.Scheme {
	case "tcp":
		// scheme:OPAQUE URL syntax
		if u.Host == "" && u.Opaque != "" {
			u.Host = u.Opaque
		}
	case "unix":
		// scheme:OPAQUE URL syntax
		if u.Path == "" && u.Opaque != "" {
			u.Path = u.Opaque
		}

		actualPath := u.Host + u.Path
		if actualPath == "" {
			return Endpoint{}, fmt.Errorf("endpoint %s: socket path is required", str)
		}
		if !filepath.IsAbs(actualPath) && baseDir != "" {
			actualPath = filepath.Join(baseDir, actualPath)
		}

		return Endpoint{Original: str, Scheme: u.Scheme, Path: actualPath}, nil
	default:
		return Endpoint{}, fmt.Errorf("endpoint %s: unsupported scheme %q", str, u.Scheme)
	}

	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint %s: %w", str, err)
	}
	if port == "" {
		return Endpoint{}, fmt.Errorf("endpoint %s: port is required", str)
	}

	return Endpoint{Original: str, Scheme: u.Scheme, Host: host, Port: port}, nil
}
