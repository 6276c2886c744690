// Package upload ships run artifacts to remote storage.
package upload

import "context"

// Uploader uploads run artifacts to remote storage.
type Uploader interface {
	// Preflight verifies that the remote storage is reachable and writable.
	// Writes a small test object to the bucket to fail fast on misconfiguration.
	Preflight(ctx context.Context) error

	// UploadFile uploads a single local file under the configured prefix
	// using the given key.
	UploadFile(ctx context.Context, localPath, key string) error
}
