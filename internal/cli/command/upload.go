package command

import (
	"errors"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/chatmesh-go/internal/cli/connection"
	"github.com/yndnr/chatmesh-go/internal/cli/output"
	"github.com/yndnr/chatmesh-go/internal/core/domain"
)

// UploadCommand returns the one-shot upload command.
func UploadCommand() *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Usage:     "Upload a file to a room or a user",
		ArgsUsage: "FILE",
		Flags: []cli.Flag{
			&cli.Uint64Flag{
				Name:    "room",
				Aliases: []string{"r"},
				Usage:   "target room ID",
			},
			&cli.StringFlag{
				Name:  "to",
				Usage: "target username",
			},
			&cli.StringFlag{
				Name:    "username",
				Aliases: []string{"u"},
				Usage:   "sign in with this user instead of the saved token",
			},
			&cli.StringFlag{
				Name:    "password",
				Usage:   "password for --username",
				EnvVars: []string{"CHATMESH_PASSWORD"},
			},
		},
		Action: uploadAction,
	}
}

func uploadAction(c *cli.Context) error {
	path := c.Args().First()
	if path == "" || c.NArg() > 1 {
		return errors.New("usage: chatmesh-cli upload [--room ID | --to USER] FILE")
	}
	target := connection.UploadTarget{RoomID: domain.RoomID(c.Uint64("room")), To: c.String("to")}
	if (target.RoomID == 0) == (target.To == "") {
		return errors.New("exactly one of --room or --to is required")
	}

	s := getSettings(c)
	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt)
	defer cancel()

	client, err := dialChat(ctx, c, s)
	if err != nil {
		return err
	}
	defer client.Close()

	switch {
	case c.String("username") != "":
		err = client.Call(ctx, "login", map[string]string{
			"username": c.String("username"),
			"password": c.String("password"),
		}, nil)
	case s.cfg.Token != "":
		err = client.Call(ctx, "token_login", map[string]string{"token": s.cfg.Token}, nil)
	default:
		err = errors.New("not signed in: pass --username or sign in with chat first")
	}
	if err != nil {
		return err
	}

	bar := output.NewProgressBar(c.App.ErrWriter, "uploading "+filepath.Base(path))
	rec, err := client.Upload(ctx, path, target, bar.Update)
	if err != nil {
		printf(c.App.ErrWriter, "\n")
		return err
	}
	bar.Finish()
	return render(c, rec)
}
