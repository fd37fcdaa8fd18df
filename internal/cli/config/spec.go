package config

import (
	"fmt"
	"sort"
	"strconv"

	serverconfig "github.com/yndnr/chatmesh-go/internal/server/config"
)

// CLIConfig is the configuration for chatmesh-cli.
type CLIConfig struct {
	// Server is the chat listener address.
	Server string `json:"server" yaml:"server"`
	// OpsURL is the operations HTTP base URL.
	OpsURL string `json:"ops_url" yaml:"ops_url"`
	// Socket is the admin socket path.
	Socket string `json:"socket" yaml:"socket"`

	TLS        bool   `json:"tls" yaml:"tls"`
	CAFile     string `json:"ca_file,omitempty" yaml:"ca_file,omitempty"`
	ServerName string `json:"server_name,omitempty" yaml:"server_name,omitempty"`

	// Token is the last session token, reused by token_login and the
	// event stream. Stored with mode 0600.
	Token string `json:"token,omitempty" yaml:"token,omitempty"`

	Output string `json:"output" yaml:"output"` // table, json, yaml
}

// Default returns the default CLI configuration.
func Default() *CLIConfig {
	return &CLIConfig{
		Server: "127.0.0.1:7420",
		OpsURL: "http://127.0.0.1:7421",
		Socket: serverconfig.DefaultLocalSocket,
		Output: "table",
	}
}

// setters maps configuration keys to field setters.
var setters = map[string]func(c *CLIConfig, v string) error{
	"server":  func(c *CLIConfig, v string) error { c.Server = v; return nil },
	"ops_url": func(c *CLIConfig, v string) error { c.OpsURL = v; return nil },
	"socket":  func(c *CLIConfig, v string) error { c.Socket = v; return nil },
	"tls": func(c *CLIConfig, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("tls: %w", err)
		}
		c.TLS = b
		return nil
	},
	"ca_file":     func(c *CLIConfig, v string) error { c.CAFile = v; return nil },
	"server_name": func(c *CLIConfig, v string) error { c.ServerName = v; return nil },
	"token":       func(c *CLIConfig, v string) error { c.Token = v; return nil },
	"output": func(c *CLIConfig, v string) error {
		switch v {
		case "table", "json", "yaml":
			c.Output = v
			return nil
		}
		return fmt.Errorf("output: unsupported format %q", v)
	},
}

// Keys returns the settable keys, sorted.
func Keys() []string {
	keys := make([]string, 0, len(setters))
	for k := range setters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set assigns value to key.
func (c *CLIConfig) Set(key, value string) error {
	set, ok := setters[key]
	if !ok {
		return fmt.Errorf("unknown key %q", key)
	}
	return set(c, value)
}

// Get returns the value of key.
func (c *CLIConfig) Get(key string) (string, error) {
	switch key {
	case "server":
		return c.Server, nil
	case "ops_url":
		return c.OpsURL, nil
	case "socket":
		return c.Socket, nil
	case "tls":
		return strconv.FormatBool(c.TLS), nil
	case "ca_file":
		return c.CAFile, nil
	case "server_name":
		return c.ServerName, nil
	case "token":
		return c.Token, nil
	case "output":
		return c.Output, nil
	}
	return "", fmt.Errorf("unknown key %q", key)
}
