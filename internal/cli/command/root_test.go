package command

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/yndnr/chatmesh-go/internal/cli/config"
)

func TestApp(t *testing.T) {
	app := App()
	if app.Name != "chatmesh-cli" {
		t.Errorf("Name = %q, want chatmesh-cli", app.Name)
	}
	if app.Version == "" {
		t.Error("Version should not be empty")
	}

	names := make(map[string]bool)
	for _, cmd := range app.Commands {
		names[cmd.Name] = true
	}
	for _, want := range []string{"chat", "upload", "admin", "ops", "config", "version"} {
		if !names[want] {
			t.Errorf("missing command %q", want)
		}
	}
}

func TestApp_GlobalFlags(t *testing.T) {
	flags := make(map[string]bool)
	for _, f := range App().Flags {
		flags[f.Names()[0]] = true
	}
	for _, want := range []string{"config", "server", "ops-url", "socket", "tls", "ca-file", "server-name", "token", "output", "wide"} {
		if !flags[want] {
			t.Errorf("missing flag --%s", want)
		}
	}
}

func TestLoadSettings(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "cli.yaml")
	saved := config.Default()
	saved.Server = "chat.internal:7420"
	saved.OpsURL = "http://ops.internal:7421"
	if err := config.Save(saved, cfgPath); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		env  map[string]string
		args []string
		key  string
		want string
	}{
		{name: "file value", key: "server", want: "chat.internal:7420"},
		{name: "flag beats file", args: []string{"--server", "10.0.0.1:9000"}, key: "server", want: "10.0.0.1:9000"},
		{name: "env beats file", env: map[string]string{"CHATMESH_OPS_URL": "http://env:1"}, key: "ops_url", want: "http://env:1"},
		{name: "bool flag", args: []string{"--tls"}, key: "tls", want: "true"},
		{name: "default kept", key: "output", want: "table"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			args := append(tt.args, "config", "get", tt.key)
			out, _, err := runApp(t, cfgPath, args...)
			if err != nil {
				t.Fatalf("run error = %v", err)
			}
			if got := strings.TrimSpace(out); got != tt.want {
				t.Errorf("%s = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestLoadSettings_InvalidOutput(t *testing.T) {
	_, _, err := runApp(t, "", "-o", "xml", "version")
	if err == nil || !strings.Contains(err.Error(), "unsupported format") {
		t.Errorf("error = %v, want unsupported format", err)
	}
}

func TestSettings_TLSConfig(t *testing.T) {
	s := &settings{cfg: config.Default()}
	tc, err := s.tlsConfig()
	if err != nil || tc != nil {
		t.Fatalf("tlsConfig() = %v, %v; want nil, nil", tc, err)
	}

	s.cfg.TLS = true
	s.cfg.ServerName = "chat.example"
	tc, err = s.tlsConfig()
	if err != nil {
		t.Fatal(err)
	}
	if tc == nil || tc.ServerName != "chat.example" {
		t.Errorf("tlsConfig() = %+v", tc)
	}

	s.cfg.CAFile = filepath.Join(t.TempDir(), "missing.pem")
	if _, err := s.tlsConfig(); err == nil {
		t.Error("missing CA file should fail")
	}
}

func TestSettings_SaveToken(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "cli.yaml")
	s := &settings{cfg: config.Default(), path: cfgPath}
	s.cfg.Server = "flag-only:1"

	if err := s.saveToken("tok-123"); err != nil {
		t.Fatal(err)
	}
	loaded, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Token != "tok-123" {
		t.Errorf("Token = %q", loaded.Token)
	}
	if loaded.Server != config.Default().Server {
		t.Errorf("flag override persisted: Server = %q", loaded.Server)
	}

	st, err := os.Stat(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", st.Mode().Perm())
	}
}

func TestVersionCommand(t *testing.T) {
	out, _, err := runApp(t, "", "-o", "json", "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"go_version"`) {
		t.Errorf("output = %q", out)
	}
}
