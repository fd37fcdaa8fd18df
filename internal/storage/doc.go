// Package storage persists users, rooms, memberships, messages, file
// transfer records and the connection audit log.
//
// Two layers are provided:
//
//   - KVEngine: an embedded ordered key-value engine. BadgerEngine is the
//     durable implementation; package memory provides a volatile one for
//     tests and ephemeral deployments.
//   - Store: the chat persistence boundary (service.Store) on top of any
//     KVEngine. Records are JSON encoded; direct message bodies can be
//     encrypted at rest.
package storage
