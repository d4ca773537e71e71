// Package workspace owns the managed-file store under one agent's workspace
// root: path-safe resolution, SHA-256 hashing for conflict detection, and
// atomic writes for instruction-bundle materialization and browser file
// operations.
package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/agentmc-ai/supervisor/pkg/protocol"
)

var (
	// ErrPathEscape is returned when a relative path resolves outside the root.
	ErrPathEscape = errors.New("path escapes workspace root")
	// ErrConflict is returned when a supplied base hash does not match disk.
	ErrConflict = errors.New("base hash conflict")
	// ErrNotFound is returned when an operation requires an existing file.
	ErrNotFound = errors.New("file not found")
)

// docIDPattern constrains managed-file identifiers: no separators, no
// traversal, nothing outside [A-Za-z0-9._-].
var docIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidDocID reports whether id is a well-formed managed-file identifier.
func ValidDocID(id string) bool {
	return id != "" && id != "." && id != ".." && docIDPattern.MatchString(id)
}

// Store is the managed-file store rooted at one workspace directory.
type Store struct {
	root string
}

// NewStore resolves root to an absolute path and creates it if needed.
func NewStore(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute workspace root.
func (s *Store) Root() string {
	return s.root
}

// Resolve maps a workspace-relative path to an absolute one, refusing any
// path whose resolution does not stay strictly under the root.
func (s *Store) Resolve(rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}
	abs := filepath.Join(s.root, filepath.Clean(rel))
	if !strings.HasPrefix(abs, s.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}
	return abs, nil
}

// HashBytes returns the lowercase hex SHA-256 of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Hash returns the SHA-256 of the file at rel. absent is true when the file
// does not exist; an absent file hashes to the empty string.
func (s *Store) Hash(rel string) (hash string, absent bool, err error) {
	abs, err := s.Resolve(rel)
	if err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", true, nil
		}
		return "", false, fmt.Errorf("read %s: %w", rel, err)
	}
	return HashBytes(data), false, nil
}

// Read returns the file contents at rel.
func (s *Store) Read(rel string) ([]byte, error) {
	abs, err := s.Resolve(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, rel)
		}
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	return data, nil
}

// Write materializes a file atomically: parent directory created on demand,
// content written to a temp file and renamed into place.
func (s *Store) Write(rel string, content []byte) error {
	abs, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(abs)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", rel, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", rel, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", rel, err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", rel, err)
	}
	return nil
}

// Save writes a managed file guarded by a base-hash check. The write succeeds
// only when baseHash matches the current on-disk hash, where an absent file
// matches the empty hash. The file is re-read after the write and its fresh
// hash returned. On conflict the error wraps ErrConflict and carries the
// current hash.
func (s *Store) Save(docID, baseHash string, body []byte) (string, error) {
	if !ValidDocID(docID) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, docID)
	}
	current, absent, err := s.Hash(docID)
	if err != nil {
		return "", err
	}
	if !hashMatches(baseHash, current, absent) {
		return current, fmt.Errorf("%w: have %q", ErrConflict, current)
	}
	if err := s.Write(docID, body); err != nil {
		return "", err
	}
	written, err := s.Read(docID)
	if err != nil {
		return "", fmt.Errorf("confirm %s: %w", docID, err)
	}
	return HashBytes(written), nil
}

// Delete removes a managed file guarded by the same base-hash check. The file
// must exist.
func (s *Store) Delete(docID, baseHash string) error {
	if !ValidDocID(docID) {
		return fmt.Errorf("%w: %q", ErrPathEscape, docID)
	}
	current, absent, err := s.Hash(docID)
	if err != nil {
		return err
	}
	if absent {
		return fmt.Errorf("%w: %s", ErrNotFound, docID)
	}
	if !hashMatches(baseHash, current, false) {
		return fmt.Errorf("%w: have %q", ErrConflict, current)
	}
	abs, err := s.Resolve(docID)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil {
		return fmt.Errorf("remove %s: %w", docID, err)
	}
	return nil
}

// hashMatches applies the conflict rule: an absent file matches only an empty
// base hash; a present file matches only its exact current hash.
func hashMatches(baseHash, current string, absent bool) bool {
	if absent {
		return baseHash == ""
	}
	return baseHash == current
}

// Docs returns the managed-file set for the given ids, skipping absent files.
// Titles derive from the first markdown heading, falling back to the id stem.
func (s *Store) Docs(ids []string) []protocol.Doc {
	docs := make([]protocol.Doc, 0, len(ids))
	for _, id := range ids {
		if !ValidDocID(id) {
			continue
		}
		body, err := s.Read(id)
		if err != nil {
			continue
		}
		docs = append(docs, protocol.Doc{
			ID:           id,
			Title:        DocTitle("", id, body),
			BodyMarkdown: string(body),
			BaseHash:     HashBytes(body),
		})
	}
	return docs
}

// DocTitle normalizes a supplied title, deriving one from the body's first
// heading or the doc id stem when the supplied title is blank.
func DocTitle(supplied, docID string, body []byte) string {
	if t := strings.TrimSpace(supplied); t != "" {
		return t
	}
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if after, ok := strings.CutPrefix(line, "# "); ok {
			if t := strings.TrimSpace(after); t != "" {
				return t
			}
		}
	}
	return strings.TrimSuffix(docID, filepath.Ext(docID))
}
