// Package config holds chatmesh-cli preferences stored in
// ~/.chatmesh/cli.yaml. Command-line flags and CHATMESH_* variables take
// precedence over the file.
package config
