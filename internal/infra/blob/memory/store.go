// Package memory implements a process-local blob store.
package memory

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"entitycore/internal/blob/core"
)

var _ core.Store = (*Store)(nil)

type entry struct {
	object core.Object
	data   []byte
}

// Store keeps blobs in a map guarded by a mutex.
type Store struct {
	mu      sync.RWMutex
	objects map[string]entry
	nowFn   func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{objects: make(map[string]entry), nowFn: func() time.Time { return time.Now().UTC() }}
}

// Driver implements core.Store.
func (s *Store) Driver() core.Driver { return core.DriverMemory }

// Put stores the content of r under key, replacing any previous object.
func (s *Store) Put(_ context.Context, key string, r io.Reader, opts core.PutOptions) (core.Object, error) {
	if strings.TrimSpace(key) == "" {
		return core.Object{}, fmt.Errorf("empty key")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return core.Object{}, fmt.Errorf("read blob %s: %w", key, err)
	}
	sum := sha256.Sum256(data)
	obj := core.Object{
		Key:          key,
		Size:         int64(len(data)),
		ContentType:  opts.ContentType,
		ETag:         hex.EncodeToString(sum[:]),
		Metadata:     core.CloneMetadata(opts.Metadata),
		LastModified: s.nowFn(),
	}
	s.mu.Lock()
	s.objects[key] = entry{object: obj, data: data}
	s.mu.Unlock()
	return copyObject(obj), nil
}

// Get returns a copy of the stored content.
func (s *Store) Get(_ context.Context, key string) (core.Object, io.ReadCloser, error) {
	s.mu.RLock()
	e, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return core.Object{}, nil, fmt.Errorf("blob %s: %w", key, core.ErrNotFound)
	}
	data := make([]byte, len(e.data))
	copy(data, e.data)
	return copyObject(e.object), io.NopCloser(bytes.NewReader(data)), nil
}

// Head returns the object description only.
func (s *Store) Head(_ context.Context, key string) (core.Object, error) {
	s.mu.RLock()
	e, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return core.Object{}, fmt.Errorf("blob %s: %w", key, core.ErrNotFound)
	}
	return copyObject(e.object), nil
}

// Delete removes key and reports whether it existed.
func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	delete(s.objects, key)
	return ok, nil
}

// List returns the objects whose key starts with prefix.
func (s *Store) List(_ context.Context, prefix string) ([]core.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Object, 0, len(s.objects))
	for key, e := range s.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, copyObject(e.object))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func copyObject(o core.Object) core.Object {
	o.Metadata = core.CloneMetadata(o.Metadata)
	return o
}
