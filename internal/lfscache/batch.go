package lfscache

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// BatchResponse is the subset of the Git LFS batch API response this proxy
// needs to rewrite.
type BatchResponse struct {
	Transfer string        `json:"transfer,omitempty"`
	Objects  []BatchObject `json:"objects"`
}

// BatchObject is one object entry in a batch response.
type BatchObject struct {
	OID           string                 `json:"oid"`
	Size          int64                  `json:"size"`
	Authenticated bool                   `json:"authenticated,omitempty"`
	Actions       map[string]BatchAction `json:"actions,omitempty"`
	Error         *BatchObjectError      `json:"error,omitempty"`
}

// BatchAction is one action (ordinarily "download") within an object entry.
type BatchAction struct {
	Href      string            `json:"href"`
	Header    map[string]string `json:"header,omitempty"`
	ExpiresAt string            `json:"expires_at,omitempty"`
	ExpiresIn int               `json:"expires_in,omitempty"`
}

// BatchObjectError is the object-level error shape the LFS batch API uses
// when an individual object could not be resolved.
type BatchObjectError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Source is the original upstream download location for one object, kept
// around so a later GET .../gitlab-lfs/objects/<oid> request knows where to
// actually fetch the bytes from.
type Source struct {
	Href      string
	Header    map[string]string
	Size      int64
	expiresAt time.Time
}

// SourceRegistry holds Source entries in memory, keyed by repo+oid, for the
// short window between a batch rewrite and the client's follow-up object
// GETs. Entries are dropped lazily once their batch-advertised expiry (or a
// conservative default) has passed.
type SourceRegistry struct {
	mu      sync.Mutex
	entries map[string]Source
}

// NewSourceRegistry creates an empty registry.
func NewSourceRegistry() *SourceRegistry {
	return &SourceRegistry{entries: make(map[string]Source)}
}

func registryKey(repoKey, oid string) string { return repoKey + "/" + oid }

// Store records the original download source for oid within repoKey.
func (r *SourceRegistry) Store(repoKey, oid string, src Source) {
	if src.expiresAt.IsZero() {
		src.expiresAt = time.Now().Add(15 * time.Minute)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[registryKey(repoKey, oid)] = src
	r.sweepLocked()
}

// Lookup returns the stored source for oid within repoKey, if it hasn't
// expired.
func (r *SourceRegistry) Lookup(repoKey, oid string) (Source, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.entries[registryKey(repoKey, oid)]
	if !ok {
		return Source{}, false
	}
	if time.Now().After(src.expiresAt) {
		delete(r.entries, registryKey(repoKey, oid))
		return Source{}, false
	}
	return src, true
}

func (r *SourceRegistry) sweepLocked() {
	now := time.Now()
	for k, v := range r.entries {
		if now.After(v.expiresAt) {
			delete(r.entries, k)
		}
	}
}

// RewriteBatch rewrites every object's download action href in an upstream
// LFS batch response so it points back at this proxy
// (baseURL + "/" + repoKey + "/gitlab-lfs/objects/" + oid), recording the
// original source in registry so the object GET handler can resolve it.
// header, expires_at and size are preserved verbatim on the client-visible
// side; only the href changes.
func RewriteBatch(body []byte, repoKey, baseURL string, registry *SourceRegistry) ([]byte, error) {
	var resp BatchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("lfscache: decode batch objects: %w", err)
	}

	for i, obj := range resp.Objects {
		action, ok := obj.Actions["download"]
		if !ok {
			continue
		}
		registry.Store(repoKey, obj.OID, Source{
			Href:   action.Href,
			Header: action.Header,
			Size:   obj.Size,
		})
		action.Href = fmt.Sprintf("%s/%s/gitlab-lfs/objects/%s", baseURL, repoKey, obj.OID)
		resp.Objects[i].Actions["download"] = action
	}

	rewritten, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("lfscache: encode rewritten batch response: %w", err)
	}
	return rewritten, nil
}
