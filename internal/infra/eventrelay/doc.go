// Package eventrelay forwards the in-process event feed to a Kafka topic
// so that out-of-process collaborators (offline notification, search
// indexing) can consume it.
package eventrelay
