package command

import (
	"context"
	"errors"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/chatmesh-go/internal/core/domain"
	"github.com/yndnr/chatmesh-go/internal/core/service"
	"github.com/yndnr/chatmesh-go/internal/server/localserver"
)

const adminDialTimeout = 5 * time.Second

// AdminCommand returns the admin socket subcommand group.
func AdminCommand() *cli.Command {
	return &cli.Command{
		Name:  "admin",
		Usage: "Administer a local server over its admin socket",
		Subcommands: []*cli.Command{
			{
				Name:   "status",
				Usage:  "Show server status",
				Action: adminAction[localserver.Status]("status", 0),
			},
			{
				Name:   "bans",
				Usage:  "List active IP bans",
				Action: adminAction[[]domain.BanRecord]("bans", 0),
			},
			{
				Name:      "unban",
				Usage:     "Lift the ban on an IP",
				ArgsUsage: "IP",
				Action:    adminAction[map[string]any]("unban", 1),
			},
			{
				Name:      "kick",
				Usage:     "Close every connection of a user",
				ArgsUsage: "USERNAME",
				Action:    adminAction[map[string]any]("kick", 1),
			},
			{
				Name:   "rooms",
				Usage:  "List rooms with member counts",
				Action: adminAction[[]domain.RoomInfo]("rooms", 0),
			},
			{
				Name:   "connections",
				Usage:  "List open connections",
				Action: adminAction[[]service.ConnectionInfo]("connections", 0),
			},
			{
				Name:      "audit",
				Usage:     "Show recent connection events",
				ArgsUsage: "[LIMIT]",
				Action:    adminAction[[]domain.ConnectionEvent]("audit", -1),
			},
			{
				Name:      "loglevel",
				Usage:     "Show or change the server log level",
				ArgsUsage: "[LEVEL]",
				Action:    adminAction[map[string]string]("loglevel", -1),
			},
			{
				Name:  "shutdown",
				Usage: "Gracefully stop the server",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "yes",
						Usage: "confirm the shutdown",
					},
				},
				Action: func(c *cli.Context) error {
					if !c.Bool("yes") {
						return errors.New("refusing to shut down without --yes")
					}
					return adminAction[map[string]bool]("shutdown", 0)(c)
				},
			},
		},
	}
}

// adminAction runs cmd with the positional arguments and renders the reply
// as T. nargs is the exact argument count, or -1 for at most one.
func adminAction[T any](cmd string, nargs int) cli.ActionFunc {
	return func(c *cli.Context) error {
		args := c.Args().Slice()
		switch {
		case nargs >= 0 && len(args) != nargs:
			return errors.New("usage: chatmesh-cli admin " + cmd + " " + c.Command.ArgsUsage)
		case nargs < 0 && len(args) > 1:
			return errors.New("usage: chatmesh-cli admin " + cmd + " " + c.Command.ArgsUsage)
		}

		var out T
		if err := adminCall(c, cmd, args, &out); err != nil {
			return err
		}
		return render(c, out)
	}
}

func adminCall(c *cli.Context, cmd string, args []string, out any) error {
	ctx, cancel := context.WithTimeout(c.Context, adminDialTimeout)
	defer cancel()

	client, err := localserver.Dial(ctx, getSettings(c).cfg.Socket)
	if err != nil {
		return err
	}
	defer client.Close()
	return client.Call(cmd, args, out)
}
