package command

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/chatmesh-go/internal/cli/connection"
	"github.com/yndnr/chatmesh-go/internal/cli/output"
	"github.com/yndnr/chatmesh-go/internal/cli/repl"
)

// ChatCommand returns the interactive chat command.
func ChatCommand() *cli.Command {
	return &cli.Command{
		Name:  "chat",
		Usage: "Start an interactive chat session",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "history",
				Usage: "input history file (default ~/.chatmesh/history)",
			},
			&cli.BoolFlag{
				Name:  "no-resume",
				Usage: "do not resume the saved session token",
			},
		},
		Action: chatAction,
	}
}

func chatAction(c *cli.Context) error {
	s := getSettings(c)

	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := dialChat(ctx, c, s)
	if err != nil {
		return err
	}
	defer client.Close()

	hist := repl.NewHistory(c.String("history"))
	if err := hist.Load(); err != nil {
		printf(c.App.ErrWriter, "warning: load history: %v\n", err)
	}
	defer func() {
		if err := hist.Save(); err != nil {
			printf(c.App.ErrWriter, "warning: save history: %v\n", err)
		}
	}()

	r := repl.New(client,
		repl.WithInput(c.App.Reader),
		repl.WithOutput(c.App.Writer),
		repl.WithHistory(hist),
		repl.WithTokenSink(func(token string) {
			if err := s.saveToken(token); err != nil {
				printf(c.App.ErrWriter, "warning: save session token: %v\n", err)
			}
		}),
	)

	go func() {
		for p := range client.Pushes() {
			r.PrintPush(p)
		}
	}()
	go func() {
		select {
		case <-client.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	if s.cfg.Token != "" && !c.Bool("no-resume") {
		if err := r.TokenLogin(ctx, s.cfg.Token); err != nil {
			printf(c.App.ErrWriter, "saved session not resumed: %v\n", err)
		}
	}
	printf(c.App.Writer, "type /help for commands\n")

	if err := r.Run(ctx); err != nil {
		return err
	}
	if err := client.Err(); err != nil && !errors.Is(err, connection.ErrClosed) {
		return fmt.Errorf("connection lost: %w", err)
	}
	return nil
}

// dialChat connects to the chat listener with a spinner on stderr.
func dialChat(ctx context.Context, c *cli.Context, s *settings) (*connection.ChatClient, error) {
	tlsConfig, err := s.tlsConfig()
	if err != nil {
		return nil, err
	}

	spin := output.NewSpinner(c.App.ErrWriter, "connecting to "+s.cfg.Server)
	spin.Start()
	client, err := connection.DialChat(ctx, s.cfg.Server, tlsConfig)
	if err != nil {
		spin.Fail("connect failed")
		return nil, err
	}
	spin.Success("connected to " + s.cfg.Server)
	return client, nil
}
