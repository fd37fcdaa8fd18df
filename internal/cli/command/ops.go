package command

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/chatmesh-go/internal/cli/connection"
	"github.com/yndnr/chatmesh-go/internal/cli/output"
	"github.com/yndnr/chatmesh-go/internal/core/domain"
)

const opsTimeout = 10 * time.Second

// OpsCommand returns the operations HTTP subcommand group.
func OpsCommand() *cli.Command {
	return &cli.Command{
		Name:  "ops",
		Usage: "Query the operations HTTP endpoints",
		Subcommands: []*cli.Command{
			{
				Name:   "health",
				Usage:  "Check liveness",
				Action: opsHealth(false),
			},
			{
				Name:   "ready",
				Usage:  "Check readiness",
				Action: opsHealth(true),
			},
			{
				Name:   "stats",
				Usage:  "Show server statistics",
				Action: opsStats,
			},
			{
				Name:  "events",
				Usage: "Stream domain events (requires a session token)",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  "type",
						Usage: "only show events of these types",
					},
				},
				Action: opsEvents,
			},
		},
	}
}

func opsClient(c *cli.Context) *connection.HTTPClient {
	s := getSettings(c)
	return connection.NewHTTPClient(s.cfg.OpsURL, s.cfg.Token)
}

func opsHealth(ready bool) cli.ActionFunc {
	return func(c *cli.Context) error {
		ctx, cancel := context.WithTimeout(c.Context, opsTimeout)
		defer cancel()

		client := opsClient(c)
		h, err := client.Health(ctx, ready)
		if h == nil {
			return err
		}
		if output.Format(getSettings(c).cfg.Output) != output.FormatTable {
			if rerr := render(c, h); rerr != nil {
				return rerr
			}
			return err
		}
		if err != nil {
			printf(c.App.Writer, "✗ %s is %s: %s\n", client.BaseURL(), h.Status, h.Reason)
			return err
		}
		printf(c.App.Writer, "✓ %s is %s\n", client.BaseURL(), h.Status)
		return nil
	}
}

func opsStats(c *cli.Context) error {
	ctx, cancel := context.WithTimeout(c.Context, opsTimeout)
	defer cancel()

	stats, err := opsClient(c).Stats(ctx)
	if err != nil {
		return err
	}
	return render(c, stats)
}

func opsEvents(c *cli.Context) error {
	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt)
	defer cancel()

	want := make(map[domain.EventType]bool)
	for _, t := range c.StringSlice("type") {
		want[domain.EventType(t)] = true
	}

	jsonOut := output.Format(getSettings(c).cfg.Output) != output.FormatTable
	enc := json.NewEncoder(c.App.Writer)

	return opsClient(c).StreamEvents(ctx, func(ev domain.Event) error {
		if len(want) > 0 && !want[ev.Type] {
			return nil
		}
		if jsonOut {
			return enc.Encode(ev)
		}
		payload, _ := json.Marshal(ev.Payload)
		printf(c.App.Writer, "%s  %-22s room=%d users=%v %s\n",
			ev.At.Local().Format(time.TimeOnly), ev.Type, ev.RoomID, ev.UserIDs, payload)
		return nil
	})
}
