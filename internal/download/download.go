// Package download models the host application's resource download handlers.
// A handler either answers for a resource or passes, and a Chain asks each
// handler in turn.
package download

import (
	"context"
	"net/http"
	"net/url"

	"github.com/zzenonn/blobmigrate/internal/domain"
)

// Response is what a download handler serves for a resource. Body is one of
// []byte, string, io.Reader or iter.Seq[[]byte].
type Response struct {
	StatusCode int
	Header     http.Header
	Body       any

	// URL the response was served from, if the handler made a request.
	URL string
}

// Location returns the redirect target of the response. A relative target
// is resolved against URL when the handler set one.
func (r *Response) Location() string {
	if r.Header == nil {
		return ""
	}
	location := r.Header.Get("Location")
	if location == "" || r.URL == "" {
		return location
	}
	base, err := url.Parse(r.URL)
	if err != nil {
		return location
	}
	ref, err := url.Parse(location)
	if err != nil {
		return location
	}
	return base.ResolveReference(ref).String()
}

// Handler serves the stored payload of a resource. A nil response with a
// nil error means the handler does not know the resource.
type Handler interface {
	HandleDownload(ctx context.Context, identity domain.Identity, res domain.Resource) (*Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, identity domain.Identity, res domain.Resource) (*Response, error)

func (f HandlerFunc) HandleDownload(ctx context.Context, identity domain.Identity, res domain.Resource) (*Response, error) {
	return f(ctx, identity, res)
}

// Chain asks handlers in order and returns the first response.
type Chain []Handler

func (c Chain) HandleDownload(ctx context.Context, identity domain.Identity, res domain.Resource) (*Response, error) {
	for _, h := range c {
		resp, err := h.HandleDownload(ctx, identity, res)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			return resp, nil
		}
	}
	return nil, nil
}
