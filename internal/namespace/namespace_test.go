package namespace

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zzenonn/blobmigrate/internal/domain"
)

func TestNewResolver_DefaultNamespace(t *testing.T) {
	assert.Equal(t, "ckan", NewResolver("").Namespace())
	assert.Equal(t, "datahub", NewResolver("datahub").Namespace())
}

func TestResolver_Prefix(t *testing.T) {
	r := NewResolver("myorg")

	assert.Equal(t, "myorg/dataset-1", r.Prefix("dataset-1", ""))
	assert.Equal(t, "other/dataset-1", r.Prefix("dataset-1", "other"))
}

func TestResolver_AuthzScope(t *testing.T) {
	r := NewResolver("ckan")

	tests := []struct {
		name string
		opts ScopeOptions
		want string
	}{
		{"defaults", ScopeOptions{}, "obj:ckan/my-data/*:read,write"},
		{"write only", ScopeOptions{Actions: "write"}, "obj:ckan/my-data/*:write"},
		{"single resource", ScopeOptions{ResourceID: "abc"}, "obj:ckan/my-data/abc:read,write"},
		{"resource version", ScopeOptions{ResourceID: "abc", VersionTag: "v1", Actions: "read"}, "obj:ckan/my-data/abc/v1:read"},
		{"namespace override", ScopeOptions{Namespace: "org2"}, "obj:org2/my-data/*:read,write"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.AuthzScope("my-data", tt.opts))
		})
	}
}

func TestResolveFilename(t *testing.T) {
	tests := []struct {
		name string
		res  domain.Resource
		want string
	}{
		{"no url uses name", domain.Resource{Name: "Display Name"}, "Display Name"},
		{"https basename is not decoded", domain.Resource{URL: "https://host/path/to/My%20File.csv"}, "My%20File.csv"},
		{"http basename ignores query", domain.Resource{URL: "http://host/a/data.json?x=1"}, "data.json"},
		{"trailing slash yields empty", domain.Resource{URL: "https://host/dir/"}, ""},
		{"bare filename verbatim", domain.Resource{URL: "local-name.csv"}, "local-name.csv"},
		{"other scheme verbatim", domain.Resource{URL: "ftp://host/file.csv"}, "ftp://host/file.csv"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveFilename(tt.res))
		})
	}
}

func TestResolver_ExpectedPrefix(t *testing.T) {
	r := NewResolver("ckan")
	res := domain.Resource{PackageID: "0b7c2f4e-pkg", PackageName: "census-2020"}

	assert.Equal(t, "ckan/0b7c2f4e-pkg", r.ExpectedPrefix(res))
}
