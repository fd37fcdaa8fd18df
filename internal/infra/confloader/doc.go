// Package confloader loads chatmesh configuration.
//
// It uses koanf to merge, from lowest to highest priority:
//
//  1. Defaults (config.Default)
//  2. A YAML configuration file
//  3. CHATMESH_* environment variables
//  4. Command-line overrides passed as a key map
//
// Environment variables nest with a double underscore, so
// CHATMESH_SERVER__CHAT__READ_TIMEOUT=1m sets server.chat.read_timeout.
//
// Watcher reports changes of watched files; the server uses it to apply a
// new log level without a restart.
package confloader
