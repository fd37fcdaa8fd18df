// Package blob stores the content of completed file transfers.
//
// Two backends are provided: DiskStore keeps files under a local
// directory, S3Store uploads them to an S3-compatible bucket (AWS or
// MinIO). Both satisfy service.BlobStore.
package blob
