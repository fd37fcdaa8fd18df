// Package memory provides an in-memory storage.KVEngine.
//
// It backs tests and ephemeral deployments (engine "memory"). Data is
// lost when the process exits.
//
// Thread Safety:
//
// Reads take a shared lock. Update holds the exclusive lock for the whole
// transaction, so transactions are serializable and never conflict.
package memory
