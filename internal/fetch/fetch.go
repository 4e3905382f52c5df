// Package fetch copies the stored payload of a resource into a local
// temporary file, either through the host download handlers or straight
// from a bucket.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"

	"github.com/schollz/progressbar/v3"

	"github.com/zzenonn/blobmigrate/internal/domain"
)

// chunkSize is the buffer used when streaming HTTP bodies to disk.
const chunkSize = 16 * 1024

// Fetcher writes the payload of res into dst.
type Fetcher interface {
	Fetch(ctx context.Context, identity domain.Identity, res domain.Resource, dst *os.File) error
}

// WithTempFile creates a temporary file in dir, hands it to fn and removes
// it afterwards. A file that is already gone is not an error.
func WithTempFile(dir string, fn func(f *os.File) error) (err error) {
	f, err := os.CreateTemp(dir, "blobmigrate-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	defer func() {
		f.Close()
		if rmErr := os.Remove(f.Name()); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			err = errors.Join(err, fmt.Errorf("failed to remove temp file: %w", rmErr))
		}
	}()

	return fn(f)
}

// streamGet performs a GET against url and copies the body to dst in
// fixed-size chunks. Non-2xx responses are errors.
func streamGet(ctx context.Context, client *http.Client, url string, dst io.Writer, quiet bool) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("download of %s failed: %w", url, httpStatusError(resp.StatusCode))
	}

	return copyChunked(dst, resp.Body, resp.ContentLength, quiet)
}

func copyChunked(dst io.Writer, src io.Reader, size int64, quiet bool) (int64, error) {
	// Hide ReaderFrom so the copy goes through the chunk buffer.
	w := struct{ io.Writer }{dst}
	if !quiet {
		bar := progressbar.DefaultBytes(size, "downloading")
		defer bar.Finish()
		w = struct{ io.Writer }{io.MultiWriter(dst, bar)}
	}
	n, err := io.CopyBuffer(w, src, make([]byte, chunkSize))
	if err != nil {
		return n, fmt.Errorf("failed to write download: %w", err)
	}
	return n, nil
}

type httpStatusError int

func (e httpStatusError) Error() string {
	return fmt.Sprintf("HTTP %d %s", int(e), http.StatusText(int(e)))
}
