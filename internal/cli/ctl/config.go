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
	"fmt"
	"os"

	"github.com/foxcpp/qmgr/framework/config"
	"github.com/foxcpp/qmgr/framework/log"
	qmgrcli "github.com/foxcpp/qmgr/internal/cli"
	"github.com/urfave/cli/v2"
)

func init() {
	qmgrcli.AddGlobalFlag(&cli.PathFlag{
		Name:    "config",
		Usage:   "Configuration file to use, built-in defaults are used if not set",
		EnvVars: []string{"QMGR_CONFIG"},
	})
	qmgrcli.AddGlobalFlag(&cli.BoolFlag{
		Name:  "debug",
		Usage: "Enable debug logging",
	})
	qmgrcli.AddGlobalFlag(&cli.StringFlag{
		Name:  "log",
		Usage: "Log output format: text or zap",
		Value: "text",
	})

	qmgrcli.AddSubcommand(
		&cli.Command{
			Name:   "config",
			Usage:  "Check the configuration file and print effective values",
			Action: configCommand,
		})
}

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	path := ctx.Path("config")
	if path == "" {
		return config.Default(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return config.Read(f, path)
}

func logger(ctx *cli.Context, cfg *config.Config) (log.Logger, error) {
	debug := ctx.Bool("debug") || cfg.Debug
	l := log.Logger{Name: "qmgr-sim", Debug: debug}

	switch format := ctx.String("log"); format {
	case "text":
		l.Out = log.WriterOutput(os.Stderr, true)
	case "zap":
		out, err := log.NewZapOutput(debug)
		if err != nil {
			return log.Logger{}, err
		}
		l.Out = out
	default:
		return log.Logger{}, fmt.Errorf("unknown log format: %s", format)
	}
	return l, nil
}

func configCommand(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	return cfg.Write(ctx.App.Writer)
}
