package upload

import "context"

// Uploader uploads results to remote storage.
type Uploader interface {
	// Preflight verifies that the remote storage is reachable and writable.
	// Writes a small test object to the bucket to fail fast on misconfiguration.
	Preflight(ctx context.Context) error

	// UploadStore uploads the result store file under the configured prefix.
	UploadStore(ctx context.Context, storePath string) error

	// UploadRunDir uploads all files of a run summary directory under
	// prefix + "/runs/" + dirname.
	UploadRunDir(ctx context.Context, localDir string) error
}
