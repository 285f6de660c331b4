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
	"sync"
	"time"
)

type pooledConn interface {
	Usable() bool
	LastUseAt() time.Time
	Close() error
}

// sessionPool keeps idle LMTP sessions for reuse by later deliveries to
// the same destination.
type sessionPool struct {
	MaxKeys         int
	MaxConnsPerKey  int
	MaxConnLifetime time.Duration

	keys     map[string]chan pooledConn
	keysLock sync.Mutex
}

func newSessionPool() *sessionPool {
	return &sessionPool{
		MaxKeys:         5000,
		MaxConnsPerKey:  2,
		MaxConnLifetime: 5 * time.Minute,
		keys:            make(map[string]chan pooledConn),
	}
}

// Get returns an idle session for key or nil if there is none.
func (p *sessionPool) Get(key string) pooledConn {
	p.keysLock.Lock()
	bucket, ok := p.keys[key]
	p.keysLock.Unlock()
	if !ok {
		return nil
	}

	for {
		var conn pooledConn
		select {
		case conn = <-bucket:
		default:
			return nil
		}

		if !conn.Usable() || conn.LastUseAt().Add(p.MaxConnLifetime).Before(time.Now()) {
			// Close might take some time, run in parallel.
			go conn.Close()
			continue
		}
		return conn
	}
}

// Put stores an idle session. Sessions that do not fit are closed.
func (p *sessionPool) Put(key string, c pooledConn) {
	p.keysLock.Lock()
	defer p.keysLock.Unlock()

	if p.keys == nil {
		go c.Close()
		return
	}

	bucket, ok := p.keys[key]
	if !ok {
		if len(p.keys) >= p.MaxKeys {
			p.cleanUp()
		}
		bucket = make(chan pooledConn, p.MaxConnsPerKey)
		p.keys[key] = bucket
	}

	select {
	case bucket <- c:
	default:
		go c.Close()
	}
}

// cleanUp drops sessions idle for longer than MaxConnLifetime. Called with
// keysLock held.
func (p *sessionPool) cleanUp() {
	for k, bucket := range p.keys {
		var keep []pooledConn
	drain:
		for {
			select {
			case conn := <-bucket:
				if conn.LastUseAt().Add(p.MaxConnLifetime).Before(time.Now()) {
					go conn.Close()
					continue
				}
				keep = append(keep, conn)
			default:
				break drain
			}
		}
		if len(keep) == 0 {
			delete(p.keys, k)
			continue
		}
		for _, conn := range keep {
			bucket <- conn
		}
	}
}

// Close closes all idle sessions. Put after Close closes the session
// immediately.
func (p *sessionPool) Close() {
	p.keysLock.Lock()
	defer p.keysLock.Unlock()

	for k, bucket := range p.keys {
	drain:
		for {
			select {
			case conn := <-bucket:
				conn.Close()
			default:
				break drain
			}
		}
		delete(p.keys, k)
	}
	p.keys = nil
}
