package command

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/urfave/cli/v2"
)

// runApp runs the CLI with a private config file and captured output.
func runApp(t *testing.T, cfgPath string, args ...string) (string, string, error) {
	t.Helper()
	if cfgPath == "" {
		cfgPath = filepath.Join(t.TempDir(), "cli.yaml")
	}

	app := App()
	var stdout, stderr bytes.Buffer
	app.Writer = &stdout
	app.ErrWriter = &stderr
	app.Reader = strings.NewReader("")
	app.ExitErrHandler = func(*cli.Context, error) {}

	err := app.Run(append([]string{"chatmesh-cli", "--config", cfgPath}, args...))
	return stdout.String(), stderr.String(), err
}
