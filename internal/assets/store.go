// Package assets stores immutable blobs keyed by hash.ext. The store
// is append-only: a second put of the same filename is a no-op, and
// clients probe exists before uploading to skip identical bytes.
package assets

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"stagecraft.dev/internal/protocol"
)

// Scheme is the canonical external reference prefix; blueprints hold
// only asset:// URLs, never concrete HTTP ones.
const Scheme = "asset://"

var contentTypes = map[string]string{
	".js":   "text/javascript",
	".mjs":  "text/javascript",
	".cjs":  "text/javascript",
	".jsx":  "text/javascript",
	".ts":   "text/typescript",
	".tsx":  "text/typescript",
	".json": "application/json",
	".glb":  "model/gltf-binary",
	".vrm":  "model/gltf-binary",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
	".mp3":  "audio/mpeg",
	".mp4":  "video/mp4",
}

// ContentTypeFor maps a stored filename to its MIME type.
func ContentTypeFor(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}

// Name builds the content-addressed filename for a blob: the SHA-256
// of the bytes plus the extension of the uploaded name.
func Name(uploadName string, data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]) + strings.ToLower(filepath.Ext(uploadName))
}

// URL is the canonical asset:// reference for a stored filename.
func URL(filename string) string { return Scheme + filename }

// Resolve turns an asset:// reference into a concrete HTTP URL under
// baseURL. Non-asset URLs pass through unchanged.
func Resolve(baseURL, ref string) string {
	if !strings.HasPrefix(ref, Scheme) {
		return ref
	}
	return strings.TrimRight(baseURL, "/") + "/assets/" + ref[len(Scheme):]
}

// Store is the filesystem blob store, with an optional mirror that
// receives every newly stored file.
type Store struct {
	dir    string
	mirror *Mirror
}

func NewStore(dir string, mirror *Mirror) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty asset dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir, mirror: mirror}, nil
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) Exists(filename string) bool {
	p, err := s.path(filename)
	if err != nil {
		return false
	}
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}

// Put stores bytes under filename. The name must be the content hash of
// the bytes; mismatches are refused so colliding names cannot replace
// existing content. Re-putting an existing blob is a no-op.
func (s *Store) Put(filename string, data []byte) error {
	p, err := s.path(filename)
	if err != nil {
		return protocol.Codedf(protocol.ErrUploadFailed, "bad filename %q", filename)
	}
	if want := Name(filename, data); want != strings.ToLower(filename) {
		return protocol.Codedf(protocol.ErrUploadFailed, "content hash mismatch for %q", filename)
	}
	if s.Exists(filename) {
		return nil
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return protocol.Codedf(protocol.ErrUploadFailed, "temp: %v", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return protocol.Codedf(protocol.ErrUploadFailed, "write: %v", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return protocol.Codedf(protocol.ErrUploadFailed, "close: %v", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		_ = os.Remove(tmpName)
		return protocol.Codedf(protocol.ErrUploadFailed, "rename: %v", err)
	}

	if s.mirror != nil {
		s.mirror.Enqueue(p)
	}
	return nil
}

func (s *Store) Get(filename string) ([]byte, error) {
	p, err := s.path(filename)
	if err != nil {
		return nil, protocol.Coded(protocol.ErrNotFound)
	}
	b, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, protocol.Coded(protocol.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// path rejects names that would escape the asset dir.
func (s *Store) path(filename string) (string, error) {
	if filename == "" || strings.ContainsAny(filename, "/\\") || strings.HasPrefix(filename, ".") {
		return "", fmt.Errorf("invalid asset name: %q", filename)
	}
	return filepath.Join(s.dir, filename), nil
}
