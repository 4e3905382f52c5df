package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/zzenonn/blobmigrate/internal/authz"
	"github.com/zzenonn/blobmigrate/internal/domain"
	apperrors "github.com/zzenonn/blobmigrate/internal/errors"
	"github.com/zzenonn/blobmigrate/internal/repository/db"
)

// memoryRecords is an in-memory RecordRepository with row locks.
type memoryRecords struct {
	mu             sync.Mutex
	records        map[string]domain.Resource
	locked         map[string]bool
	commitFailures int
	claims         int
	// racedCommit stores the props of a failed commit as if another
	// worker had committed the same payload first.
	racedCommit bool
}

func newMemoryRecords(resources ...domain.Resource) *memoryRecords {
	m := &memoryRecords{
		records: make(map[string]domain.Resource),
		locked:  make(map[string]bool),
	}
	for _, r := range resources {
		m.records[r.ID] = r
	}
	return m
}

func (m *memoryRecords) get(id string) domain.Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[id]
}

func (m *memoryRecords) isLocked(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked[id]
}

func (m *memoryRecords) ListCandidates(ctx context.Context, after *domain.Cursor, limit int) ([]domain.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Resource
	for _, r := range m.records {
		if r.URLType != domain.URLTypeUpload || r.State == domain.StateDeleted {
			continue
		}
		if after != nil && (r.Created.Before(after.Created) || (r.Created.Equal(after.Created) && r.ID <= after.ID)) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}
		return out[i].Created.Before(out[j].Created)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryRecords) Claim(ctx context.Context, id string) (db.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok || m.locked[id] || r.State == domain.StateDeleted {
		return nil, apperrors.ErrRecordClaimed
	}
	m.locked[id] = true
	m.claims++
	return &memoryClaim{repo: m, res: r, active: true}, nil
}

type memoryClaim struct {
	repo   *memoryRecords
	res    domain.Resource
	active bool
}

func (c *memoryClaim) Resource() domain.Resource { return c.res }
func (c *memoryClaim) Active() bool              { return c.active }

func (c *memoryClaim) Commit(ctx context.Context, props domain.StorageProps) error {
	c.repo.mu.Lock()
	defer c.repo.mu.Unlock()
	if !c.active {
		return apperrors.ErrRecordClaimed
	}
	c.active = false
	delete(c.repo.locked, c.res.ID)

	if c.repo.commitFailures > 0 {
		c.repo.commitFailures--
		if c.repo.racedCommit {
			c.repo.store(c.res.ID, props)
		}
		return errors.New("deadlock detected")
	}

	c.repo.store(c.res.ID, props)
	return nil
}

// store applies props to the stored record; callers hold mu.
func (m *memoryRecords) store(id string, props domain.StorageProps) {
	stored := m.records[id]
	extras := make(map[string]any, len(stored.Extras)+2)
	for k, v := range stored.Extras {
		extras[k] = v
	}
	stored.Extras = extras
	props.Apply(&stored)
	m.records[id] = stored
}

func (c *memoryClaim) Release(ctx context.Context) error {
	c.repo.mu.Lock()
	defer c.repo.mu.Unlock()
	if c.active {
		c.active = false
		delete(c.repo.locked, c.res.ID)
	}
	return nil
}

// grantAll hands out a token for whatever is requested.
type grantAll struct {
	mu     sync.Mutex
	scopes [][]string
	err    error
}

func (g *grantAll) Authorize(ctx context.Context, identity domain.Identity, scopes []string) (authz.Token, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scopes = append(g.scopes, scopes)
	if g.err != nil {
		return authz.Token{}, g.err
	}
	return authz.Token{Token: "token-for-" + identity.User, GrantedScopes: scopes}, nil
}

// memoryBlobs hashes uploaded files like a content addressed store.
type memoryBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	uploads []string // "{namespace}/{collection}/{filename}"
	err     error
	calls   int
}

func newMemoryBlobs() *memoryBlobs {
	return &memoryBlobs{objects: make(map[string][]byte)}
}

func (b *memoryBlobs) Upload(ctx context.Context, token, ns, collection string, file *os.File, filename string) (map[string]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.err != nil {
		return nil, b.err
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	oid := hex.EncodeToString(sum[:])
	b.objects[oid] = data
	b.uploads = append(b.uploads, ns+"/"+collection+"/"+filename)

	return map[string]any{
		"oid":        oid,
		"size":       int64(len(data)),
		"x-filename": filename,
		"x-transfer": "basic",
	}, nil
}

// memoryFetcher serves payloads from a map keyed by resource id.
type memoryFetcher struct {
	payloads map[string]string
	before   func(res domain.Resource)
}

func (f *memoryFetcher) Fetch(ctx context.Context, identity domain.Identity, res domain.Resource, dst *os.File) error {
	if f.before != nil {
		f.before(res)
	}
	data, ok := f.payloads[res.ID]
	if !ok {
		return errors.New("no payload for " + res.ID)
	}
	_, err := io.WriteString(dst, data)
	return err
}
