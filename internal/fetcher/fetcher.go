// Package fetcher downloads bulk data files over HTTP and streams their rows.
package fetcher

import (
	"context"
	"io"
)

// Fetcher retrieves a remote dataset. Download hands back the body for
// streaming; DownloadToFile keeps a local copy and reports its size.
type Fetcher interface {
	Download(ctx context.Context, url string) (io.ReadCloser, error)
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}
