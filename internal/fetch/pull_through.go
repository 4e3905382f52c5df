package fetch

import (
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/blobmigrate/internal/domain"
	"github.com/zzenonn/blobmigrate/internal/download"
	"github.com/zzenonn/blobmigrate/internal/errors"
)

// PullThroughFetcher reads payloads through the host download handlers.
type PullThroughFetcher struct {
	handler download.Handler
	client  *http.Client
	quiet   bool
}

// NewPullThroughFetcher creates a fetcher that follows handler redirects
// with client.
func NewPullThroughFetcher(handler download.Handler, client *http.Client, quiet bool) *PullThroughFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &PullThroughFetcher{handler: handler, client: client, quiet: quiet}
}

func (f *PullThroughFetcher) Fetch(ctx context.Context, identity domain.Identity, res domain.Resource, dst *os.File) error {
	resp, err := f.handler.HandleDownload(ctx, identity, res)
	if err != nil {
		return fmt.Errorf("download handler failed: %w", err)
	}
	if resp == nil {
		return errors.ErrEmptySource
	}
	if c, ok := resp.Body.(io.Closer); ok {
		defer c.Close()
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return writeBody(dst, resp.Body)
	case http.StatusMovedPermanently, http.StatusFound:
		location := resp.Location()
		if u, err := url.Parse(location); err != nil || !u.IsAbs() || u.Host == "" {
			return fmt.Errorf("%w: %q", errors.ErrRelativeRedirect, location)
		}
		log.Debugf("Resource %s redirected to %s", res.ID, location)
		_, err := streamGet(ctx, f.client, location, dst, f.quiet)
		return err
	default:
		return &errors.UnexpectedResponseError{StatusCode: resp.StatusCode}
	}
}

// writeBody writes an inline, chunked or streamed response body to dst.
func writeBody(dst io.Writer, body any) error {
	var err error
	switch b := body.(type) {
	case []byte:
		_, err = dst.Write(b)
	case string:
		_, err = io.WriteString(dst, b)
	case iter.Seq[[]byte]:
		err = writeChunks(dst, b)
	case func(func([]byte) bool):
		err = writeChunks(dst, b)
	case io.Reader:
		_, err = io.CopyBuffer(struct{ io.Writer }{dst}, b, make([]byte, chunkSize))
	default:
		return fmt.Errorf("%w: %T", errors.ErrUnreadableBody, body)
	}
	if err != nil {
		return fmt.Errorf("failed to write download: %w", err)
	}
	return nil
}

func writeChunks(dst io.Writer, chunks iter.Seq[[]byte]) error {
	for chunk := range chunks {
		if _, err := dst.Write(chunk); err != nil {
			return err
		}
	}
	return nil
}
