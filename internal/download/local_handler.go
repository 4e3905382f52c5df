package download

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/blobmigrate/internal/domain"
)

// LocalUploadHandler serves files from the legacy upload directory, laid out
// as resources/{id[0:3]}/{id[3:6]}/{id[6:]}.
type LocalUploadHandler struct {
	root string
}

// NewLocalUploadHandler creates a handler rooted at the upload directory.
func NewLocalUploadHandler(root string) *LocalUploadHandler {
	return &LocalUploadHandler{root: root}
}

// Path returns where the payload of a resource is stored on disk.
func (h *LocalUploadHandler) Path(id string) string {
	if len(id) < 7 {
		return filepath.Join(h.root, "resources", id)
	}
	return filepath.Join(h.root, "resources", id[0:3], id[3:6], id[6:])
}

func (h *LocalUploadHandler) HandleDownload(ctx context.Context, identity domain.Identity, res domain.Resource) (*Response, error) {
	if h.root == "" || res.URLType != domain.URLTypeUpload {
		return nil, nil
	}

	path := h.Path(res.ID)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Debugf("No local upload for resource %s at %s", res.ID, path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open local upload %s: %w", path, err)
	}

	return &Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       f,
	}, nil
}
