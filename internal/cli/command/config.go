package command

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/chatmesh-go/internal/cli/config"
)

// ConfigCommand returns the config subcommand group.
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Show and edit the CLI configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "show",
				Usage: "Show the effective configuration",
				Action: func(c *cli.Context) error {
					cfg := *getSettings(c).cfg
					if cfg.Token != "" {
						cfg.Token = "(set)"
					}
					return render(c, cfg)
				},
			},
			{
				Name:      "get",
				Usage:     "Print one configuration value",
				ArgsUsage: "KEY",
				Action:    configGet,
			},
			{
				Name:      "set",
				Usage:     "Change one value in the configuration file",
				ArgsUsage: "KEY VALUE",
				Action:    configSet,
			},
			{
				Name:  "path",
				Usage: "Print the configuration file path",
				Action: func(c *cli.Context) error {
					printf(c.App.Writer, "%s\n", getSettings(c).path)
					return nil
				},
			},
		},
	}
}

func configGet(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: chatmesh-cli config get KEY (keys: %v)", config.Keys())
	}
	v, err := getSettings(c).cfg.Get(c.Args().First())
	if err != nil {
		return err
	}
	printf(c.App.Writer, "%s\n", v)
	return nil
}

// configSet edits the file itself so flag overrides of this invocation are
// not persisted.
func configSet(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("usage: chatmesh-cli config set KEY VALUE (keys: %v)", config.Keys())
	}
	path := getSettings(c).path
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := cfg.Set(c.Args().Get(0), c.Args().Get(1)); err != nil {
		return err
	}
	if err := config.Save(cfg, path); err != nil {
		return err
	}
	printf(c.App.Writer, "%s updated in %s\n", c.Args().Get(0), path)
	return nil
}
