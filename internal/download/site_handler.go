package download

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zzenonn/blobmigrate/internal/domain"
	"github.com/zzenonn/blobmigrate/internal/namespace"
)

// SiteHandler asks the host site's resource download endpoint. Redirects
// are returned to the caller instead of being followed.
type SiteHandler struct {
	baseURL string
	client  *http.Client
}

// NewSiteHandler creates a handler for the site at baseURL.
func NewSiteHandler(baseURL string, timeout time.Duration) *SiteHandler {
	return &SiteHandler{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// DownloadURL returns the site URL serving a resource.
func (h *SiteHandler) DownloadURL(res domain.Resource) string {
	return fmt.Sprintf("%s/dataset/%s/resource/%s/download/%s",
		h.baseURL,
		url.PathEscape(res.PackageName),
		url.PathEscape(res.ID),
		namespace.ResolveFilename(res),
	)
}

func (h *SiteHandler) HandleDownload(ctx context.Context, identity domain.Identity, res domain.Resource) (*Response, error) {
	if h.baseURL == "" {
		return nil, nil
	}

	downloadURL := h.DownloadURL(res)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, err
	}
	if identity.APIKey != "" {
		req.Header.Set("Authorization", identity.APIKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("site download request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, URL: downloadURL}, nil
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body, URL: downloadURL}, nil
}
