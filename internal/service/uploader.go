package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/blobmigrate/internal/authz"
	"github.com/zzenonn/blobmigrate/internal/domain"
	"github.com/zzenonn/blobmigrate/internal/namespace"
)

// BlobClient stores a local file in the blob store and returns the
// properties of the stored object.
type BlobClient interface {
	Upload(ctx context.Context, token, namespace, collection string, file *os.File, filename string) (map[string]any, error)
}

// Uploader moves a fetched payload into the blob store with a freshly
// issued write token.
type Uploader struct {
	resolver   namespace.Resolver
	authorizer authz.Authorizer
	blobs      BlobClient
}

// NewUploader creates a new Uploader
func NewUploader(resolver namespace.Resolver, authorizer authz.Authorizer, blobs BlobClient) *Uploader {
	return &Uploader{
		resolver:   resolver,
		authorizer: authorizer,
		blobs:      blobs,
	}
}

// Upload stores file as the payload of res and returns the storage
// properties to commit.
func (u *Uploader) Upload(ctx context.Context, sess *Session, res domain.Resource, file *os.File) (domain.StorageProps, error) {
	identity, err := sess.Identity()
	if err != nil {
		return domain.StorageProps{}, err
	}

	scope := u.resolver.AuthzScope(res.PackageID, namespace.ScopeOptions{Actions: "write"})
	tok, err := authz.RequestToken(ctx, u.authorizer, identity, []string{scope})
	if err != nil {
		return domain.StorageProps{}, err
	}

	filename := namespace.ResolveFilename(res)
	log.Debugf("Uploading resource %s as %s/%s/%s", res.ID, u.resolver.Namespace(), res.PackageID, filename)

	raw, err := u.blobs.Upload(ctx, tok.Token, u.resolver.Namespace(), res.PackageID, file, filename)
	if err != nil {
		return domain.StorageProps{}, fmt.Errorf("upload failed: %w", err)
	}

	return u.storageProps(res, raw, file)
}

// storageProps drops provider keys, renames oid to sha256 and attaches the
// storage prefix.
func (u *Uploader) storageProps(res domain.Resource, raw map[string]any, file *os.File) (domain.StorageProps, error) {
	attrs := make(map[string]any, len(raw))
	for k, v := range raw {
		if strings.HasPrefix(k, "x-") {
			continue
		}
		attrs[k] = v
	}

	oid, _ := attrs["oid"].(string)
	if oid == "" {
		return domain.StorageProps{}, fmt.Errorf("blob store did not return a content hash for %s", res.ID)
	}
	delete(attrs, "oid")
	attrs[domain.ExtraSHA256] = oid

	prefix := u.resolver.Prefix(res.PackageID, "")
	attrs[domain.ExtraLFSPrefix] = prefix

	size, ok := toInt64(attrs["size"])
	if !ok {
		info, err := file.Stat()
		if err != nil {
			return domain.StorageProps{}, err
		}
		size = info.Size()
	}

	return domain.StorageProps{
		LFSPrefix:  prefix,
		SHA256:     oid,
		Size:       size,
		Attributes: attrs,
	}, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
