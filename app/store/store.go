// Package store keeps one JSON document per key in a directory. Writes go through AtomicWriter,
// so a document file is always complete, either the previous or the new version.
// Keys are validated against an allowlist before they are used to build any path.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/prefkeeper/app/document"
)

const (
	filePrefix = "prefs-"
	fileExt    = ".json"
)

var (
	// ErrNotFound returned by Load when nothing stored for the key
	ErrNotFound = errors.New("document not found")
	// ErrInvalidKey returned for keys failing the allowlist
	ErrInvalidKey = errors.New("invalid key")
)

var keyRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.@-]{0,127}$`)

// SanitizeKey validates the key and returns it trimmed. Only letters, digits and "_.@-" are allowed,
// the key can't start with a punctuation character and can't contain "..".
func SanitizeKey(key string) (string, error) {
	k := strings.TrimSpace(key)
	if !keyRe.MatchString(k) || strings.Contains(k, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return k, nil
}

// Writer persists a value as JSON at the path
type Writer interface {
	WriteJSON(path string, v any) error
}

// FileStore implements document storage with a file per key
type FileStore struct {
	dir    string
	writer Writer
}

// Stats summarizes stored documents
type Stats struct {
	Documents int   `json:"documents"`
	Bytes     int64 `json:"bytes"`
}

// NewFileStore makes FileStore for the directory. The directory is created on the first write.
func NewFileStore(dir string, writer Writer) *FileStore {
	return &FileStore{dir: dir, writer: writer}
}

// Path returns the document file for the key
func (s *FileStore) Path(key string) (string, error) {
	k, err := SanitizeKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, filePrefix+k+fileExt), nil
}

// Load reads the document for key. Returns ErrNotFound if the file doesn't exist,
// and a nil document with no error if the file holds JSON null.
func (s *FileStore) Load(key string) (document.Document, error) {
	path, err := s.Path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) //nolint:gosec // path built from sanitized key
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("can't read %s: %w", path, err)
	}
	doc, err := document.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("can't parse %s: %w", path, err)
	}
	return doc, nil
}

// Save writes the document for key
func (s *FileStore) Save(key string, doc document.Document) error {
	path, err := s.Path(key)
	if err != nil {
		return err
	}
	if err := s.writer.WriteJSON(path, doc); err != nil {
		return fmt.Errorf("can't save %s: %w", key, err)
	}
	return nil
}

// Keys lists keys of all stored documents
func (s *FileStore) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("can't list %s: %w", s.dir, err)
	}
	res := []string{}
	for _, entry := range entries {
		if key, ok := keyFromName(entry); ok {
			res = append(res, key)
		}
	}
	return res, nil
}

// Stats returns the number and total size of stored documents
func (s *FileStore) Stats() (Stats, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Stats{}, nil
		}
		return Stats{}, fmt.Errorf("can't list %s: %w", s.dir, err)
	}
	res := Stats{}
	for _, entry := range entries {
		if _, ok := keyFromName(entry); !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue // removed since listed
		}
		res.Documents++
		res.Bytes += info.Size()
	}
	return res, nil
}

// Sweep cleans files left by interrupted writes if they are older than maxAge. Temp files are removed.
// A stash holds the previous document moved aside during a write: if the document itself is missing,
// the newest stash is restored in its place, other stashes are removed. Returns the number of removed files.
func (s *FileStore) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("can't list %s: %w", s.dir, err)
	}

	removed := 0
	stashes := map[string][]fs.FileInfo{} // by document file name
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, ".") {
			continue
		}
		isStash := strings.HasSuffix(name, stashSuffix)
		if !isStash && !strings.HasSuffix(name, tempSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			log.Printf("[WARN] can't get info for %s, %v", name, err)
			continue
		}
		if time.Since(info.ModTime()) < maxAge {
			continue // may belong to a write in progress
		}
		if target, ok := stashOwner(name); isStash && ok {
			stashes[target] = append(stashes[target], info)
			continue
		}
		if s.removeOrphan(name) {
			removed++
		}
	}

	for target, infos := range stashes {
		targetFile := filepath.Join(s.dir, target)
		_, err := os.Stat(targetFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Printf("[WARN] can't check %s, stashes kept: %v", targetFile, err)
			continue
		}
		if err != nil {
			slices.SortFunc(infos, func(a, b fs.FileInfo) int {
				if c := b.ModTime().Compare(a.ModTime()); c != 0 {
					return c
				}
				return strings.Compare(b.Name(), a.Name())
			})
			stashFile := filepath.Join(s.dir, infos[0].Name())
			if err := os.Rename(stashFile, targetFile); err != nil {
				log.Printf("[WARN] can't restore %s from %s, %v", targetFile, stashFile, err)
				continue
			}
			log.Printf("[INFO] restored %s from %s", targetFile, stashFile)
			infos = infos[1:]
		}
		for _, info := range infos {
			if s.removeOrphan(info.Name()) {
				removed++
			}
		}
	}
	return removed, nil
}

func (s *FileStore) removeOrphan(name string) bool {
	fileName := filepath.Join(s.dir, name)
	if err := os.Remove(fileName); err != nil {
		log.Printf("[WARN] can't delete %s, %v", fileName, err)
		return false
	}
	log.Printf("[DEBUG] removed orphan file %s", fileName)
	return true
}

// stashOwner returns the document file name a stash was made for,
// stash names are ".<document>.<pid>-<time>-<seq>.stash"
func stashOwner(name string) (string, bool) {
	base := strings.TrimSuffix(strings.TrimPrefix(name, "."), stashSuffix)
	idx := strings.LastIndex(base, ".")
	if idx <= 0 {
		return "", false
	}
	target := base[:idx]
	if !strings.HasPrefix(target, filePrefix) || !strings.HasSuffix(target, fileExt) {
		return "", false
	}
	return target, true
}

func (s *FileStore) String() string {
	return fmt.Sprintf("file store at %s", s.dir)
}

func keyFromName(entry fs.DirEntry) (string, bool) {
	name := entry.Name()
	if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileExt) {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileExt), true
}
