package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	fileatomic "github.com/natefinch/atomic"
)

const (
	tempSuffix  = ".tmp"
	stashSuffix = ".stash"
)

// errStopRetry terminates backoff on a non-recoverable rename error
var errStopRetry = errors.New("non-recoverable rename error")

// AtomicWriter writes files so readers see either the old or the new complete content.
// Data goes to a temp file in the target's directory, which is then renamed over the target.
// Rename failures are handled according to the recovery table, with a non-atomic copy as the last resort.
type AtomicWriter struct {
	Retries    int           // rename attempts with backoff after the immediate retry
	RetryDelay time.Duration // first backoff delay, doubled on each attempt
	FileMode   os.FileMode

	rename func(src, dst string) error // replaces dst with src, atomic on the same volume
	seq    atomic.Uint64
}

// NewAtomicWriter makes AtomicWriter with rename retries and the initial backoff delay
func NewAtomicWriter(retries int, retryDelay time.Duration) *AtomicWriter {
	return &AtomicWriter{Retries: retries, RetryDelay: retryDelay, FileMode: 0o600, rename: fileatomic.ReplaceFile}
}

// WriteJSON marshals v and writes it to path atomically
func (w *AtomicWriter) WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("can't marshal %s: %w", path, err)
	}
	return w.Write(path, data)
}

// Write stores data to path. On error the temp file is removed and the previous content of path is kept.
func (w *AtomicWriter) Write(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("can't make directory %s: %w", dir, err)
	}

	tmp, err := w.writeTemp(path, data)
	if err != nil {
		return err
	}
	defer func() {
		if err == nil {
			return
		}
		if rmErr := os.Remove(tmp); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			log.Printf("[WARN] can't remove temp file %s, %v", tmp, rmErr)
		}
	}()

	return w.commit(tmp, path)
}

// tempName makes a unique name next to path. Names start with a dot and carry pid, time and sequence,
// so concurrent writers, even from different processes, never share a temp file.
func (w *AtomicWriter) tempName(path, suffix string) string {
	name := fmt.Sprintf(".%s.%d-%d-%d%s", filepath.Base(path), os.Getpid(), time.Now().UnixNano(), w.seq.Add(1), suffix)
	return filepath.Join(filepath.Dir(path), name)
}

// writeTemp writes and syncs data to a new temp file for path
func (w *AtomicWriter) writeTemp(path string, data []byte) (string, error) {
	name := w.tempName(path, tempSuffix)
	fh, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, w.FileMode) //nolint:gosec // name built from path
	if err != nil {
		return "", fmt.Errorf("can't create temp file for %s: %w", path, err)
	}

	if _, err = fh.Write(data); err == nil {
		err = fh.Sync()
	}
	if closeErr := fh.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		if rmErr := os.Remove(name); rmErr != nil {
			log.Printf("[WARN] can't remove temp file %s, %v", name, rmErr)
		}
		return "", fmt.Errorf("can't write temp file %s: %w", name, err)
	}
	return name, nil
}

// commit moves tmp over target, applying the recovery table on failure
func (w *AtomicWriter) commit(tmp, target string) error {
	err := w.rename(tmp, target)
	if err == nil {
		return nil
	}

	action, class := classify(err)
	log.Printf("[DEBUG] rename %s failed (%s), recovery %s: %v", target, class, action, err)
	if action == RecoverFail {
		return fmt.Errorf("can't rename %s to %s: %w", tmp, target, err)
	}

	var stash string
	if action == RecoverUnlink {
		stash = w.stashTarget(target)
		if err = w.rename(tmp, target); err == nil {
			w.dropStash(stash)
			return nil
		}
	}

	exhausted, err := w.retryRename(tmp, target)
	if err == nil {
		w.dropStash(stash)
		return nil
	}

	if !exhausted {
		w.restoreStash(stash, target)
		return fmt.Errorf("can't rename %s to %s: %w", tmp, target, err)
	}

	log.Printf("[WARN] rename retries exhausted for %s, falling back to copy: %v", target, err)
	if copyErr := w.copyFile(tmp, target); copyErr != nil {
		w.restoreStash(stash, target)
		return fmt.Errorf("can't write %s, rename failed: %v, copy failed: %w", target, err, copyErr)
	}
	w.dropStash(stash)
	if rmErr := os.Remove(tmp); rmErr != nil {
		log.Printf("[WARN] can't remove temp file %s after copy, %v", tmp, rmErr)
	}
	return nil
}

// retryRename repeats rename with increasing delays. exhausted is true if all attempts failed
// with recoverable errors, false if a non-recoverable error stopped the retries.
func (w *AtomicWriter) retryRename(tmp, target string) (exhausted bool, err error) {
	if w.Retries <= 0 {
		return true, errors.New("no rename retries allowed")
	}

	var lastErr error
	rptr := repeater.New(&strategy.Backoff{Repeats: w.Retries, Duration: w.RetryDelay, Factor: 2})
	_ = rptr.Do(context.Background(), func() error {
		lastErr = w.rename(tmp, target)
		if lastErr != nil && RecoveryFor(lastErr) == RecoverFail {
			return errStopRetry
		}
		return lastErr
	}, errStopRetry)

	if lastErr == nil {
		return false, nil
	}
	return RecoveryFor(lastErr) != RecoverFail, lastErr
}

// stashTarget moves an existing target aside, so it can be restored if the write fails.
// Returns the stash name or empty string if nothing was moved.
func (w *AtomicWriter) stashTarget(target string) string {
	stash := w.tempName(target, stashSuffix)
	if err := os.Rename(target, stash); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Printf("[WARN] can't move stale %s aside, %v", target, err)
		}
		return ""
	}
	now := time.Now()
	if err := os.Chtimes(stash, now, now); err != nil { // sweep ages stashes from the moment they were made
		log.Printf("[WARN] can't touch %s, %v", stash, err)
	}
	return stash
}

func (w *AtomicWriter) restoreStash(stash, target string) {
	if stash == "" {
		return
	}
	if err := os.Rename(stash, target); err != nil {
		log.Printf("[ERROR] can't restore %s from %s, %v", target, stash, err)
	}
}

func (w *AtomicWriter) dropStash(stash string) {
	if stash == "" {
		return
	}
	if err := os.Remove(stash); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("[WARN] can't remove %s, %v", stash, err)
	}
}

// copyFile is the non-atomic fallback, a reader may see a partially written dst
func (w *AtomicWriter) copyFile(src, dst string) error {
	data, err := os.ReadFile(src) //nolint:gosec // src is our temp file
	if err != nil {
		return fmt.Errorf("can't read %s: %w", src, err)
	}
	fh, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, w.FileMode) //nolint:gosec // dst is sanitized
	if err != nil {
		return fmt.Errorf("can't open %s: %w", dst, err)
	}
	if _, err = fh.Write(data); err == nil {
		err = fh.Sync()
	}
	if closeErr := fh.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("can't copy to %s: %w", dst, err)
	}
	return nil
}
