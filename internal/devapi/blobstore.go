package devapi

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"
)

// BlobStore is where meal photos land. It hands out direct-upload URLs and
// answers whether an object has been uploaded.
type BlobStore interface {
	PresignPut(ctx context.Context, key, contentType string, expiresIn time.Duration) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
}

type memoryObject struct {
	contentType string
	data        []byte
}

// MemoryStore keeps uploads in process and signs its own PUT URLs, which are
// served by the Server's /upload route.
type MemoryStore struct {
	baseURL string
	signer  *Signer

	mu      sync.RWMutex
	objects map[string]memoryObject
}

// NewMemoryStore creates a store whose upload URLs point at baseURL.
func NewMemoryStore(baseURL string, signer *Signer) *MemoryStore {
	return &MemoryStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  signer,
		objects: make(map[string]memoryObject),
	}
}

// UploadPath returns the URL path that accepts the PUT for key.
func UploadPath(key string) string {
	return "/upload/" + (&url.URL{Path: key}).EscapedPath()
}

func (m *MemoryStore) PresignPut(ctx context.Context, key, contentType string, expiresIn time.Duration) (string, error) {
	signed, err := m.signer.Sign("PUT", UploadPath(key), expiresIn)
	if err != nil {
		return "", err
	}
	return m.baseURL + signed, nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

// Put stores data under key, replacing any previous upload.
func (m *MemoryStore) Put(key, contentType string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{contentType: contentType, data: data}
}

// Get returns a stored object.
func (m *MemoryStore) Get(key string) (data []byte, contentType string, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	return obj.data, obj.contentType, ok
}
