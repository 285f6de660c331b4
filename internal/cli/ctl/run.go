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
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/foxcpp/qmgr/framework/config"
	"github.com/foxcpp/qmgr/framework/log"
	qmgrcli "github.com/foxcpp/qmgr/internal/cli"
	"github.com/foxcpp/qmgr/internal/sim"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func init() {
	qmgrcli.AddSubcommand(
		&cli.Command{
			Name:  "run",
			Usage: "Run the simulation",
			Description: `Destinations are described as NAME[:FAIL_RATE[:BOUNCE_RATE[:LATENCY]]],
e.g. "example.org:0.1:0.01:50ms". FAIL_RATE of 1 makes the destination
unreachable.

With --agent lmtp, mail is delivered to LMTP servers listening on the
transport endpoints from the configuration file instead and only the
destination names are used.`,
			Action: runCommand,
			Flags: []cli.Flag{
				&cli.IntFlag{
					Name:  "messages",
					Usage: "Amount of messages to inject",
					Value: 1000,
				},
				&cli.IntFlag{
					Name:  "rcpts",
					Usage: "Recipients per message",
					Value: 5,
				},
				&cli.IntFlag{
					Name:  "users",
					Usage: "Local parts per destination",
					Value: 100,
				},
				&cli.StringSliceFlag{
					Name:    "domain",
					Aliases: []string{"d"},
					Usage:   "Simulated `DESTINATION`, can be repeated",
					Value:   cli.NewStringSlice("example.org", "example.com:0.05:0.01", "example.net:1"),
				},
				&cli.DurationFlag{
					Name:  "latency",
					Usage: "Default delivery latency",
					Value: 20 * time.Millisecond,
				},
				&cli.DurationFlag{
					Name:  "connect-latency",
					Usage: "Delivery agent connection latency",
					Value: time.Millisecond,
				},
				&cli.Float64Flag{
					Name:  "transport-fail-rate",
					Usage: "Probability of a delivery agent crash per attempt",
				},
				&cli.DurationFlag{
					Name:  "interval",
					Usage: "Pause between injected messages",
				},
				&cli.IntFlag{
					Name:  "page-size",
					Usage: "Recipients read from a message at once",
					Value: 1000,
				},
				&cli.DurationFlag{
					Name:  "report-interval",
					Usage: "Interval of progress reports, 0 to disable",
					Value: 5 * time.Second,
				},
				&cli.Int64Flag{
					Name:  "seed",
					Usage: "Random seed, current time is used if not set",
				},
				&cli.StringFlag{
					Name:  "agent",
					Usage: "Delivery agent to use, sim or lmtp",
					Value: "sim",
				},
				&cli.StringFlag{
					Name:  "metrics",
					Usage: "Serve Prometheus metrics on `ADDRESS`",
				},
			},
		})
}

func parseDomain(s string, latency time.Duration) (sim.Domain, error) {
	parts := strings.Split(s, ":")
	if len(parts) > 4 || parts[0] == "" {
		return sim.Domain{}, fmt.Errorf("malformed destination: %s", s)
	}

	d := sim.Domain{Name: parts[0], Latency: latency}
	var err error
	if len(parts) > 1 {
		if d.FailRate, err = strconv.ParseFloat(parts[1], 64); err != nil {
			return sim.Domain{}, fmt.Errorf("destination %s: %w", d.Name, err)
		}
	}
	if len(parts) > 2 {
		if d.BounceRate, err = strconv.ParseFloat(parts[2], 64); err != nil {
			return sim.Domain{}, fmt.Errorf("destination %s: %w", d.Name, err)
		}
	}
	if len(parts) > 3 {
		if d.Latency, err = time.ParseDuration(parts[3]); err != nil {
			return sim.Domain{}, fmt.Errorf("destination %s: %w", d.Name, err)
		}
	}
	return d, nil
}

// agentBackend returns nil for the simulated agent.
func agentBackend(name string, cfg *config.Config, l log.Logger) (sim.Backend, error) {
	switch name {
	case "sim":
		return nil, nil
	case "lmtp":
		// Transports the default message routing can pick.
		for _, transport := range []string{"smtp", "local"} {
			endp, err := cfg.Endpoint(transport)
			if err != nil {
				return nil, fmt.Errorf("transport %s: %w", transport, err)
			}
			l.Msg("delivering via LMTP", "transport", transport, "endpoint", endp.String())
		}
		return sim.LMTPBackend(cfg, l), nil
	default:
		return nil, fmt.Errorf("unknown delivery agent: %s", name)
	}
}

func runCommand(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	l, err := logger(ctx, cfg)
	if err != nil {
		return err
	}
	defer l.Out.Close()

	opts := sim.Options{
		Messages:          ctx.Int("messages"),
		Recipients:        ctx.Int("rcpts"),
		Users:             ctx.Int("users"),
		Interval:          ctx.Duration("interval"),
		ConnectLatency:    ctx.Duration("connect-latency"),
		TransportFailRate: ctx.Float64("transport-fail-rate"),
		PageSize:          ctx.Int("page-size"),
		ReportInterval:    ctx.Duration("report-interval"),
		Seed:              ctx.Int64("seed"),
	}
	if !ctx.IsSet("seed") {
		opts.Seed = time.Now().UnixNano()
	}
	for _, s := range ctx.StringSlice("domain") {
		d, err := parseDomain(s, ctx.Duration("latency"))
		if err != nil {
			return err
		}
		opts.Domains = append(opts.Domains, d)
	}

	if opts.Backend, err = agentBackend(ctx.String("agent"), cfg, l); err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(sigCtx)
	runCtx, finish := context.WithCancel(gctx)
	defer finish()

	var report sim.Report
	g.Go(func() error {
		defer finish()
		var err error
		report, err = sim.Run(runCtx, cfg, opts, l)
		if errors.Is(err, context.Canceled) {
			l.Printf("simulation interrupted")
			return nil
		}
		return err
	})

	if addr := ctx.String("metrics"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: addr, Handler: mux}

		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-runCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		l.Msg("serving metrics", "addr", addr)
	}

	err = g.Wait()
	printReport(ctx.App.Writer, opts, report)
	return err
}

func printReport(w io.Writer, opts sim.Options, r sim.Report) {
	fmt.Fprintf(w, "Seed: %d\n", opts.Seed)
	fmt.Fprintf(w, "Elapsed: %v\n", r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Messages: %d delivered, %d deferred, %d bounced\n", r.Delivered, r.Deferred, r.Bounced)
	fmt.Fprintf(w, "Recipients: %d delivered, %d deferred, %d bounced\n",
		r.Recipients.Delivered, r.Recipients.Deferred, r.Recipients.Bounced)
	fmt.Fprintf(w, "Delivery agent: %d connections, %d deliveries\n", r.Connects, r.Deliveries)
	fmt.Fprintf(w, "Left in core: %d transports (%d dead), %d queues (%d dead, %d suspended)\n",
		r.Final.Transports, r.Final.DeadTransports, r.Final.Queues, r.Final.DeadQueues, r.Final.SuspendedQueues)
}
