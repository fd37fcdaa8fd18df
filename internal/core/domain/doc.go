// Package domain defines the core domain models for chatmesh.
//
// Domain models are plain values without IO dependencies:
//
//   - User and PasswordPolicy: registered identities and credential rules
//   - Session: signed, revocable proof of identity
//   - Room and Message: group channels and the messages routed through them
//   - FileTransfer: chunked upload state machine and file classification
//   - BanRecord: temporary IP-level blocks
//   - Event: notifications published to the event feed
//   - Errors: the error taxonomy shared by every layer
package domain
