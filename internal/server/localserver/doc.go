// Package localserver provides the local administration socket.
//
// It listens on a Unix domain socket and answers one command per line with
// one JSON line:
//
//	status                 server counters
//	bans                   active IP bans
//	unban <ip>             lift a ban
//	kick <username>        close every connection of a user
//	rooms                  rooms with member and online counts
//	connections            live connections
//	audit [limit]          recent connection audit entries
//	loglevel [level]       show or change the log level
//	shutdown               begin graceful shutdown
//
// Access is controlled by the socket file mode (0600); there is no further
// authentication.
package localserver
