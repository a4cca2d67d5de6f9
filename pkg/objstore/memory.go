package objstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/block/s3gc/pkg/s3gcerr"
)

// MemoryStore is an in-memory Store used by pkg/gc and pkg/restore tests so
// they never need a live S3 bucket.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]memObject
}

type memObject struct {
	body []byte
	info ObjectInfo
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[string]memObject{}}
}

// Seed inserts an object directly, bypassing Put, for test setup.
func (m *MemoryStore) Seed(info ObjectInfo, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info.Size = int64(len(body))
	m.objects[info.Key] = memObject{body: body, info: info}
}

// List implements Store.
func (m *MemoryStore) List(ctx context.Context, prefix string, yield func(ObjectInfo) bool) error {
	m.mu.Lock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	infos := make([]ObjectInfo, 0, len(keys))
	for _, k := range keys {
		infos = append(infos, m.objects[k].info)
	}
	m.mu.Unlock()

	for _, info := range infos {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !yield(info) {
			return nil
		}
	}
	return nil
}

// Head implements Store.
func (m *MemoryStore) Head(ctx context.Context, key string) (ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return ObjectInfo{}, s3gcerr.Newf(s3gcerr.RestoreError, nil, "object %q not found", key)
	}
	return obj.info, nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ObjectInfo{}, s3gcerr.Newf(s3gcerr.RestoreError, nil, "object %q not found", key)
	}
	return io.NopCloser(bytes.NewReader(obj.body)), obj.info, nil
}

// Put implements Store.
func (m *MemoryStore) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{body: data, info: ObjectInfo{Key: key, Size: int64(len(data)), LastModified: time.Now()}}
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Exists reports whether key is currently present, for test assertions.
func (m *MemoryStore) Exists(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}
