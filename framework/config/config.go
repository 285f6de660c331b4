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

// Package config loads the scheduler configuration.
//
// The configuration file is TOML:
//
//	[scheduler]
//	recipient_limit = 20000
//	min_backoff = "5m"
//
//	[defaults]
//	dest_concurrency_limit = 20
//	init_dest_concurrency = 5
//
//	[transport.smtp]
//	endpoint = "unix:smtp"
//	dest_concurrency_limit = 50
//
//	[transport.relay]
//	dest_rate_delay = "1s"
//
// Every directive in [transport.NAME] is optional and falls back to the
// value in [defaults]. Transports not listed in the file use [defaults]
// entirely.
package config

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is time.Duration that is read from TOML as a string ("5m", "1s").
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// Scheduler contains the process-wide limits.
type Scheduler struct {
	// Ceiling for the amount of recipients kept in core. Also used to
	// derive the amount of dead destination queues retained in core.
	RecipientLimit int `toml:"recipient_limit"`

	// Ceiling for the amount of messages kept in core. Used to detect
	// congestion.
	ActiveLimit int `toml:"active_limit"`

	// Delay before a throttled destination or transport is revived.
	MinBackoff Duration `toml:"min_backoff"`

	// Minimal interval between congestion warnings for a single
	// destination. 0 disables warnings.
	CongestionWarnInterval Duration `toml:"congestion_warn_interval"`

	// Fraction of ActiveLimit a single destination may occupy before a
	// congestion warning is logged.
	CongestionFraction float64 `toml:"congestion_fraction"`

	// Percentage of RecipientLimit used as the threshold for reading more
	// recipients of a message.
	FudgeFactor int `toml:"fudge_factor"`

	// Delivery agent must complete the connection handshake within
	// this time, otherwise the process is terminated.
	AgentTimeout Duration `toml:"agent_timeout"`

	// Directory relative unix socket endpoints are resolved against.
	AgentDirectory string `toml:"agent_directory"`
}

// Transport contains the limits of a single transport.
type Transport struct {
	// Delivery agent endpoint, see ParseEndpoint.
	Endpoint string

	// Max. window of a destination, 0 = unlimited.
	DestConcurrencyLimit int

	// Window of new and revived destinations.
	InitDestConcurrency int

	// Max. recipients in a single queue entry, 0 = unlimited.
	RecipientLimit int

	// Pause between deliveries to a single destination. Non-zero value
	// forces the destination concurrency to 1.
	DestRateDelay time.Duration

	// Allow opportunistic session caching for back-to-back deliveries.
	SessionCache bool
}

// transportFile is the on-disk representation of a transport section.
// Pointers distinguish "not set" from zero values (0 means unlimited for
// some directives).
type transportFile struct {
	Endpoint             *string   `toml:"endpoint"`
	DestConcurrencyLimit *int      `toml:"dest_concurrency_limit"`
	InitDestConcurrency  *int      `toml:"init_dest_concurrency"`
	RecipientLimit       *int      `toml:"dest_recipient_limit"`
	DestRateDelay        *Duration `toml:"dest_rate_delay"`
	SessionCache         *bool     `toml:"session_cache"`
}

type file struct {
	Debug      bool                     `toml:"debug"`
	Scheduler  Scheduler                `toml:"scheduler"`
	Defaults   transportFile            `toml:"defaults"`
	Transports map[string]transportFile `toml:"transport"`
}

// Config is the complete validated configuration.
type Config struct {
	Debug     bool
	Scheduler Scheduler
	Defaults  Transport

	transports map[string]Transport
}

// Default returns the configuration used when no file is given.
//
// Values match postfix defaults.
func Default() *Config {
	return &Config{
		Scheduler: Scheduler{
			RecipientLimit:         20000,
			ActiveLimit:            20000,
			MinBackoff:             Duration(5 * time.Minute),
			CongestionWarnInterval: Duration(5 * time.Minute),
			CongestionFraction:     0.8,
			FudgeFactor:            100,
			AgentTimeout:           Duration(5 * time.Hour),
			AgentDirectory:         "/var/spool/qmgr/private",
		},
		Defaults: Transport{
			DestConcurrencyLimit: 20,
			InitDestConcurrency:  5,
			RecipientLimit:       50,
			SessionCache:         true,
		},
		transports: map[string]Transport{},
	}
}

// Read parses the configuration from r. name is used in error messages.
func Read(r io.Reader, name string) (*Config, error) {
	cfg := Default()

	f := file{Scheduler: cfg.Scheduler}
	md, err := toml.NewDecoder(r).Decode(&f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("%s: unknown directives: %s", name, strings.Join(keys, ", "))
	}

	cfg.Debug = f.Debug
	cfg.Scheduler = f.Scheduler
	cfg.Defaults = f.Defaults.apply(cfg.Defaults)
	for tName, t := range f.Transports {
		cfg.transports[tName] = t.apply(cfg.Defaults)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return cfg, nil
}

func (tf transportFile) apply(base Transport) Transport {
	t := base
	if tf.Endpoint != nil {
		t.Endpoint = *tf.Endpoint
	}
	if tf.DestConcurrencyLimit != nil {
		t.DestConcurrencyLimit = *tf.DestConcurrencyLimit
	}
	if tf.InitDestConcurrency != nil {
		t.InitDestConcurrency = *tf.InitDestConcurrency
	}
	if tf.RecipientLimit != nil {
		t.RecipientLimit = *tf.RecipientLimit
	}
	if tf.DestRateDelay != nil {
		t.DestRateDelay = tf.DestRateDelay.D()
	}
	if tf.SessionCache != nil {
		t.SessionCache = *tf.SessionCache
	}
	return t
}

func toFile(t Transport) transportFile {
	delay := Duration(t.DestRateDelay)
	tf := transportFile{
		DestConcurrencyLimit: &t.DestConcurrencyLimit,
		InitDestConcurrency:  &t.InitDestConcurrency,
		RecipientLimit:       &t.RecipientLimit,
		DestRateDelay:        &delay,
		SessionCache:         &t.SessionCache,
	}
	if t.Endpoint != "" {
		tf.Endpoint = &t.Endpoint
	}
	return tf
}

// Write encodes the configuration as TOML with all directives set. The
// output can be read back using Read.
func (c *Config) Write(w io.Writer) error {
	f := file{
		Debug:      c.Debug,
		Scheduler:  c.Scheduler,
		Defaults:   toFile(c.Defaults),
		Transports: make(map[string]transportFile, len(c.transports)),
	}
	for name, t := range c.transports {
		f.Transports[name] = toFile(t)
	}
	return toml.NewEncoder(w).Encode(f)
}

// SetTransport overrides the limits for the named transport.
func (c *Config) SetTransport(name string, t Transport) {
	if c.transports == nil {
		c.transports = map[string]Transport{}
	}
	c.transports[name] = t
}

// Transport returns the effective limits for the named transport.
func (c *Config) Transport(name string) Transport {
	t, ok := c.transports[name]
	if !ok {
		t = c.Defaults
	}
	if t.Endpoint == "" {
		t.Endpoint = "unix:" + name
	}
	if t.DestRateDelay > 0 {
		t.DestConcurrencyLimit = 1
		t.InitDestConcurrency = 1
	}
	return t
}

// TransportNames returns the names of explicitly configured transports in
// sorted order.
func (c *Config) TransportNames() []string {
	names := make([]string, 0, len(c.transports))
	for name := range c.transports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Endpoint returns the parsed delivery agent endpoint of the named
// transport.
func (c *Config) Endpoint(name string) (Endpoint, error) {
	return ParseEndpoint(c.Transport(name).Endpoint, c.Scheduler.AgentDirectory)
}

func (c *Config) Validate() error {
	s := c.Scheduler
	if s.RecipientLimit <= 0 {
		return errors.New("scheduler: recipient_limit should be positive")
	}
	if s.ActiveLimit <= 0 {
		return errors.New("scheduler: active_limit should be positive")
	}
	if s.MinBackoff <= 0 {
		return errors.New("scheduler: min_backoff should be positive")
	}
	if s.CongestionWarnInterval < 0 {
		return errors.New("scheduler: congestion_warn_interval can't be negative")
	}
	if s.CongestionFraction <= 0 || s.CongestionFraction > 1 {
		return errors.New("scheduler: congestion_fraction should be in (0, 1]")
	}
	if s.FudgeFactor < 10 || s.FudgeFactor > 100 {
		return errors.New("scheduler: fudge_factor should be in [10, 100]")
	}
	if s.AgentTimeout <= 0 {
		return errors.New("scheduler: agent_timeout should be positive")
	}
	if s.AgentDirectory != "" && !filepath.IsAbs(s.AgentDirectory) {
		return errors.New("scheduler: agent_directory should be an absolute path")
	}

	if err := validateTransport(c.Defaults); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	for name := range c.transports {
		if err := validateTransport(c.Transport(name)); err != nil {
			return fmt.Errorf("transport %s: %w", name, err)
		}
		if _, err := c.Endpoint(name); err != nil {
			return fmt.Errorf("transport %s: %w", name, err)
		}
	}
	return nil
}

func validateTransport(t Transport) error {
	if t.InitDestConcurrency < 1 {
		return errors.New("init_dest_concurrency should be at least 1")
	}
	if t.DestConcurrencyLimit < 0 {
		return errors.New("dest_concurrency_limit can't be negative")
	}
	if t.DestConcurrencyLimit != 0 && t.InitDestConcurrency > t.DestConcurrencyLimit {
		return errors.New("init_dest_concurrency can't exceed dest_concurrency_limit")
	}
	if t.RecipientLimit < 0 {
		return errors.New("dest_recipient_limit can't be negative")
	}
	if t.DestRateDelay < 0 {
		return errors.New("dest_rate_delay can't be negative")
	}
	return nil
}
