// Package namespace computes storage prefixes, authorization scopes and
// canonical filenames for resources moved into the blob store.
package namespace

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/zzenonn/blobmigrate/internal/domain"
)

// DefaultNamespace is used when no storage namespace is configured.
const DefaultNamespace = "ckan"

// DefaultActions is the action list requested when none is given.
const DefaultActions = "read,write"

// Resolver derives storage names under one namespace.
type Resolver struct {
	namespace string
}

// NewResolver returns a Resolver for namespace, falling back to
// DefaultNamespace when it is empty.
func NewResolver(namespace string) Resolver {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return Resolver{namespace: namespace}
}

// Namespace returns the configured storage namespace.
func (r Resolver) Namespace() string {
	return r.namespace
}

// Prefix returns "{namespace}/{collection}". An empty ns means the
// resolver's own namespace.
func (r Resolver) Prefix(collection, ns string) string {
	if ns == "" {
		ns = r.namespace
	}
	return fmt.Sprintf("%s/%s", ns, collection)
}

// ScopeOptions overrides parts of an authorization scope.
type ScopeOptions struct {
	Actions    string
	Namespace  string
	ResourceID string
	VersionTag string
}

// AuthzScope returns "obj:{prefix}/{resource[/version]}:{actions}".
func (r Resolver) AuthzScope(collection string, opts ScopeOptions) string {
	actions := opts.Actions
	if actions == "" {
		actions = DefaultActions
	}
	resourceID := opts.ResourceID
	if resourceID == "" {
		resourceID = "*"
	}
	if opts.VersionTag != "" {
		resourceID += "/" + opts.VersionTag
	}
	return fmt.Sprintf("obj:%s/%s:%s", r.Prefix(collection, opts.Namespace), resourceID, actions)
}

// ExpectedPrefix is the lfs_prefix a migrated resource must carry.
func (r Resolver) ExpectedPrefix(res domain.Resource) string {
	return r.Prefix(res.PackageID, "")
}

// ResolveFilename returns the original file name of a resource. HTTP(S)
// URLs resolve to the last segment of their escaped path without decoding;
// anything else is taken as a bare file name.
func ResolveFilename(res domain.Resource) string {
	if !res.HasURL() {
		return res.Name
	}

	if strings.HasPrefix(res.URL, "http://") || strings.HasPrefix(res.URL, "https://") {
		u, err := url.Parse(res.URL)
		if err != nil {
			return res.URL
		}
		p := u.EscapedPath()
		return p[strings.LastIndex(p, "/")+1:]
	}
	return res.URL
}
