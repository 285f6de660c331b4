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

package qmgrcli

import (
	"fmt"
	"os"

	"github.com/foxcpp/qmgr/framework/log"
	"github.com/urfave/cli/v2"
)

var app *cli.App

func init() {
	app = cli.NewApp()
	app.Name = "qmgr-sim"
	app.Usage = "mail queue scheduler simulator"
	app.Version = BuildInfo()
	app.Description = `qmgr-sim runs the destination scheduler of the queue manager against
simulated destinations. It is meant for tuning concurrency and rate limits
of transports and for watching the scheduler behaviour under load.
`
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			log.Println(err)
			cli.OsExiter(1)
		}
	}
	app.EnableBashCompletion = true
	app.Commands = []*cli.Command{
		{
			Name:   "generate-man",
			Hidden: true,
			Action: func(c *cli.Context) error {
				man, err := app.ToMan()
				if err != nil {
					return err
				}
				fmt.Println(man)
				return nil
			},
		},
	}
}

func AddGlobalFlag(f cli.Flag) {
	app.Flags = append(app.Flags, f)
}

// AddSubcommand registers cmd. The "run" subcommand is also used as the
// default action.
func AddSubcommand(cmd *cli.Command) {
	app.Commands = append(app.Commands, cmd)

	if cmd.Name == "run" {
		app.Action = cmd.Action
		app.Flags = append(app.Flags, cmd.Flags...)
	}
}

func Run() {
	if err := app.Run(os.Args); err != nil {
		log.DefaultLogger.Error("app.Run failed", err)
	}
}
