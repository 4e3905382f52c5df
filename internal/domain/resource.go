package domain

import "time"

const (
	URLTypeUpload = "upload"
	StateActive   = "active"
	StateDeleted  = "deleted"

	ExtraLFSPrefix = "lfs_prefix"
	ExtraSHA256    = "sha256"
)

// Resource - representation of a migratable resource record owned by a package
type Resource struct {
	ID          string         `json:"id" dynamodbav:"id"`                     // Partition Key
	PackageID   string         `json:"package_id" dynamodbav:"package_id"`
	PackageName string         `json:"package_name" dynamodbav:"package_name"` // Used by the site download route
	Name        string         `json:"name" dynamodbav:"name"`
	URL         string         `json:"url" dynamodbav:"url"`
	URLType     string         `json:"url_type" dynamodbav:"url_type"`
	State       string         `json:"state" dynamodbav:"state"`
	Size        *int64         `json:"size,omitempty" dynamodbav:"size,omitempty"`
	Extras      map[string]any `json:"extras" dynamodbav:"extras"`
	Created     time.Time      `json:"created" dynamodbav:"created"`
}

// Extra returns a string extra, or "" when absent or not a string.
func (r Resource) Extra(key string) string {
	if r.Extras == nil {
		return ""
	}
	if v, ok := r.Extras[key].(string); ok {
		return v
	}
	return ""
}

// HasURL reports whether the resource carries a source URL.
func (r Resource) HasURL() bool {
	return r.URL != ""
}

// StorageProps - content addressing metadata returned by a successful upload
type StorageProps struct {
	LFSPrefix  string
	SHA256     string
	Size       int64
	Attributes map[string]any // remaining provider properties, x- keys already stripped
}

// Apply writes the storage properties onto the resource.
func (p StorageProps) Apply(r *Resource) {
	if r.Extras == nil {
		r.Extras = make(map[string]any)
	}
	r.Extras[ExtraLFSPrefix] = p.LFSPrefix
	r.Extras[ExtraSHA256] = p.SHA256
	size := p.Size
	r.Size = &size
}

// Cursor - keyset position in the oldest-first candidate scan
type Cursor struct {
	Created time.Time
	ID      string
}

// CursorOf returns the cursor positioned just after r.
func CursorOf(r Resource) *Cursor {
	return &Cursor{Created: r.Created, ID: r.ID}
}

// Identity - the service account downstream calls act as during a run
type Identity struct {
	User   string
	APIKey string
}
