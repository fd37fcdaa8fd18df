package command

import (
	"crypto/tls"
	"fmt"
	"io"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/chatmesh-go/internal/cli/config"
	"github.com/yndnr/chatmesh-go/internal/cli/output"
	"github.com/yndnr/chatmesh-go/internal/infra/buildinfo"
	"github.com/yndnr/chatmesh-go/internal/infra/tlsroots"
)

const settingsKey = "settings"

// App creates the CLI application.
func App() *cli.App {
	return &cli.App{
		Name:     "chatmesh-cli",
		Usage:    "chatmesh chat client and operations tool",
		Version:  buildinfo.String(),
		Flags:    globalFlags(),
		Metadata: map[string]any{},
		Commands: []*cli.Command{
			ChatCommand(),
			UploadCommand(),
			AdminCommand(),
			OpsCommand(),
			ConfigCommand(),
			VersionCommand(),
		},
		Before: loadSettings,
	}
}

// globalFlags returns the global CLI flags.
func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "CLI configuration file",
			EnvVars: []string{"CHATMESH_CLI_CONFIG"},
			Value:   config.DefaultConfigPath(),
		},
		&cli.StringFlag{
			Name:    "server",
			Aliases: []string{"s"},
			Usage:   "chat listener address (e.g. 127.0.0.1:7420)",
			EnvVars: []string{"CHATMESH_SERVER"},
		},
		&cli.StringFlag{
			Name:    "ops-url",
			Usage:   "operations HTTP base URL",
			EnvVars: []string{"CHATMESH_OPS_URL"},
		},
		&cli.StringFlag{
			Name:    "socket",
			Usage:   "admin socket path",
			EnvVars: []string{"CHATMESH_SOCKET"},
		},
		&cli.BoolFlag{
			Name:    "tls",
			Usage:   "use TLS for the chat connection",
			EnvVars: []string{"CHATMESH_TLS"},
		},
		&cli.StringFlag{
			Name:    "ca-file",
			Usage:   "PEM CA bundle trusted for TLS",
			EnvVars: []string{"CHATMESH_CA_FILE"},
		},
		&cli.StringFlag{
			Name:  "server-name",
			Usage: "TLS server name override",
		},
		&cli.StringFlag{
			Name:    "token",
			Aliases: []string{"t"},
			Usage:   "session token",
			EnvVars: []string{"CHATMESH_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "output format: table, json, yaml",
		},
		&cli.BoolFlag{
			Name:    "wide",
			Aliases: []string{"w"},
			Usage:   "show wide output (more columns)",
		},
	}
}

// settings is the effective configuration of one invocation.
type settings struct {
	cfg  *config.CLIConfig
	path string
	wide bool
}

// flagKeys maps global flags to configuration keys.
var flagKeys = map[string]string{
	"server":      "server",
	"ops-url":     "ops_url",
	"socket":      "socket",
	"ca-file":     "ca_file",
	"server-name": "server_name",
	"token":       "token",
	"output":      "output",
}

func loadSettings(c *cli.Context) error {
	path := c.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	overrides := make(map[string]string, len(flagKeys)+1)
	for flag, key := range flagKeys {
		if c.IsSet(flag) {
			overrides[key] = c.String(flag)
		}
	}
	if c.IsSet("tls") {
		overrides["tls"] = strconv.FormatBool(c.Bool("tls"))
	}
	if cfg, err = config.Merge(cfg, overrides); err != nil {
		return err
	}

	if c.App.Metadata == nil {
		c.App.Metadata = map[string]any{}
	}
	c.App.Metadata[settingsKey] = &settings{cfg: cfg, path: path, wide: c.Bool("wide")}
	return nil
}

func getSettings(c *cli.Context) *settings {
	if s, ok := c.App.Metadata[settingsKey].(*settings); ok {
		return s
	}
	return &settings{cfg: config.Default(), path: config.DefaultConfigPath()}
}

// tlsConfig returns the client TLS configuration, or nil when TLS is off.
func (s *settings) tlsConfig() (*tls.Config, error) {
	if !s.cfg.TLS && s.cfg.CAFile == "" {
		return nil, nil
	}
	if s.cfg.CAFile != "" {
		return tlsroots.ClientConfigFromFile(s.cfg.CAFile, s.cfg.ServerName)
	}
	return tlsroots.NewPool().ClientConfig(s.cfg.ServerName), nil
}

// saveToken stores a session token in the configuration file. Only the
// token is changed; flag overrides are not persisted.
func (s *settings) saveToken(token string) error {
	cfg, err := config.Load(s.path)
	if err != nil {
		return err
	}
	cfg.Token = token
	s.cfg.Token = token
	return config.Save(cfg, s.path)
}

// render writes data in the selected output format.
func render(c *cli.Context, data any) error {
	s := getSettings(c)
	return output.NewFormatter(output.Format(s.cfg.Output), s.wide).Format(c.App.Writer, data)
}

func printf(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, format, args...)
}
