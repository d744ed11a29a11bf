// Package payloadstore is the engine's reference-handle blob store: large
// error payloads, call request/response bodies, and other content the
// recorder only ever addresses by hash get a place to land off the audit
// trail's hot path, without the engine taking on any particular cloud
// storage SDK. Keys are local and content-addressed rather than
// caller-chosen, since the store only backs ref-style fields (a row's
// source_data_ref, Call.request_ref/response_ref, NodeState error refs)
// and never serves a public URL.
package payloadstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sentryflow/sentryflow/internal/canonical"
)

// Store persists payloads on the local filesystem, addressed by the
// canonical content hash of their bytes. A Store is safe for concurrent use.
type Store struct {
	baseDir string
}

// Open returns a Store rooted at baseDir, creating it if necessary.
func Open(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("payloadstore: create base dir: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

// Put writes data and returns its reference handle: the canonical
// "sha256:<hex>" hash of the bytes, the same hash family the recorder uses
// for input_hash/output_hash, so a ref can be cross-checked against a
// recorded hash without a second hashing scheme.
func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	ref := canonical.HashBytes(data)
	path := s.pathFor(ref)
	if _, err := os.Stat(path); err == nil {
		return ref, nil // content-addressed: identical payload already stored
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("payloadstore: create shard dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("payloadstore: write %s: %w", ref, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("payloadstore: finalize %s: %w", ref, err)
	}
	return ref, nil
}

// Get retrieves the payload for ref.
func (s *Store) Get(ctx context.Context, ref string) ([]byte, error) {
	data, err := os.ReadFile(s.pathFor(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("payloadstore: %s: %w", ref, ErrNotFound)
		}
		return nil, fmt.Errorf("payloadstore: read %s: %w", ref, err)
	}
	return data, nil
}

// GetReader returns a streaming reader for large payloads.
func (s *Store) GetReader(ctx context.Context, ref string) (io.ReadCloser, error) {
	f, err := os.Open(s.pathFor(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("payloadstore: %s: %w", ref, ErrNotFound)
		}
		return nil, fmt.Errorf("payloadstore: open %s: %w", ref, err)
	}
	return f, nil
}

// Exists reports whether ref has been stored.
func (s *Store) Exists(ctx context.Context, ref string) (bool, error) {
	_, err := os.Stat(s.pathFor(ref))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("payloadstore: stat %s: %w", ref, err)
}

// pathFor shards refs two hex characters deep to keep any one directory
// from holding an unbounded number of entries.
func (s *Store) pathFor(ref string) string {
	name := sanitizeKey(ref)
	digest := name
	if prefix := "sha256_"; len(name) > len(prefix) && name[:len(prefix)] == prefix {
		digest = name[len(prefix):]
	}
	shard := digest
	if len(digest) >= 2 {
		shard = digest[:2]
	}
	return filepath.Join(s.baseDir, shard, name)
}

func sanitizeKey(ref string) string {
	out := make([]byte, 0, len(ref))
	for i := 0; i < len(ref); i++ {
		c := ref[i]
		if c == ':' || c == '/' || c == '\\' {
			out = append(out, '_')
			continue
		}
		out = append(out, c)
	}
	return string(out)
}

// ErrNotFound is returned by Get and GetReader when ref has never been
// stored.
var ErrNotFound = fmt.Errorf("payloadstore: payload not found")
