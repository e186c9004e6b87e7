package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

const (
	// RepoPlaceholder names the scope directory when no repo is selected.
	RepoPlaceholder = "_"

	// DirCacheName is the per-scope directory holding listing records.
	DirCacheName = ".dircache"

	// MarkerName is the file inside DirCacheName storing the last-seen root.
	MarkerName = "_ROOTID"

	// RootDirKey is the record key used for the scope's top directory.
	RootDirKey = "_root"

	tmpDirName = ".tmp"
)

// ErrInvalidPath is returned for paths that would escape their scope.
var ErrInvalidPath = errors.New("cache: invalid path")

// Layout maps (repo, branch, path) triples to files under a cache root.
type Layout struct {
	root string
}

// NewLayout creates the cache root and its temp directory.
func NewLayout(root string) (*Layout, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: empty cache root", ErrInvalidPath)
	}
	if err := os.MkdirAll(filepath.Join(root, tmpDirName), 0755); err != nil {
		return nil, fmt.Errorf("create cache dir %s: %w", root, err)
	}
	return &Layout{root: root}, nil
}

// Root returns the cache root directory.
func (l *Layout) Root() string { return l.root }

// ScopeDir returns the directory holding everything cached for repo/branch.
func (l *Layout) ScopeDir(repo, branch string) (string, error) {
	if branch == "" || strings.Contains(branch, "..") || strings.Contains(repo, "..") {
		return "", fmt.Errorf("%w: scope %q/%q", ErrInvalidPath, repo, branch)
	}
	repoDir := RepoPlaceholder
	if repo != "" {
		repoDir = url.PathEscape(repo)
	}
	return filepath.Join(l.root, repoDir, url.PathEscape(branch)), nil
}

// FilePath returns the deterministic cache key for a file in scope.
func (l *Layout) FilePath(repo, branch, subpath string) (string, error) {
	parts, err := SplitPath(subpath)
	if err != nil {
		return "", err
	}
	if len(parts) == 0 || parts[0] == DirCacheName {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, subpath)
	}
	dir, err := l.ScopeDir(repo, branch)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{dir}, parts...)...), nil
}

// DirCacheDir returns the listing-record directory for a scope.
func (l *Layout) DirCacheDir(repo, branch string) (string, error) {
	dir, err := l.ScopeDir(repo, branch)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DirCacheName), nil
}

// MarkerPath returns the path of the scope's _ROOTID marker.
func (l *Layout) MarkerPath(repo, branch string) (string, error) {
	dir, err := l.DirCacheDir(repo, branch)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, MarkerName), nil
}

// RecordPath returns the listing-record path for a directory in scope.
func (l *Layout) RecordPath(repo, branch, dir string) (string, error) {
	key, err := DirKey(dir)
	if err != nil {
		return "", err
	}
	base, err := l.DirCacheDir(repo, branch)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, key+".json"), nil
}

// DirKey flattens a relative directory into a single file-name-safe key.
func DirKey(dir string) (string, error) {
	parts, err := SplitPath(dir)
	if err != nil {
		return "", err
	}
	if len(parts) == 0 {
		return RootDirKey, nil
	}
	return url.PathEscape(strings.Join(parts, "/")), nil
}

// SplitPath splits a slash-separated relative path, dropping empty
// segments. "." and ".." segments are rejected.
func SplitPath(p string) ([]string, error) {
	var parts []string
	for _, part := range strings.Split(p, "/") {
		switch part {
		case "":
			continue
		case ".", "..":
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
		parts = append(parts, part)
	}
	return parts, nil
}

// ReadFile returns the content at path. A missing file or a directory at
// path reports ok=false without error.
func ReadFile(path string) (data []byte, ok bool, err error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if info.IsDir() {
		return nil, false, nil
	}
	data, err = os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// WriteFile stores data at path atomically: the content is written to a
// temp file under the cache root and renamed into place.
func (l *Layout) WriteFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Join(l.root, tmpDirName), "write-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}

	// The scope may have been purged since the caller checked it.
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Observation reports what Observe did to a scope.
type Observation int

const (
	// Unchanged means the marker already held the root.
	Unchanged Observation = iota
	// Created means no marker existed and one was written.
	Created
	// Invalidated means the scope was purged for a new root.
	Invalidated
)

// Observe records rootID as the current content root of repo/branch.
// When the marker holds a different root, every cached artifact of the
// scope except the marker is deleted before the marker is rewritten.
func (l *Layout) Observe(repo, branch, rootID string) (Observation, error) {
	marker, err := l.MarkerPath(repo, branch)
	if err != nil {
		return Unchanged, err
	}

	data, err := os.ReadFile(marker)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(filepath.Dir(marker), 0755); err != nil {
			return Unchanged, fmt.Errorf("create marker dir: %w", err)
		}
		if err := l.WriteFile(marker, []byte(rootID)); err != nil {
			return Unchanged, fmt.Errorf("write marker: %w", err)
		}
		return Created, nil
	case err != nil:
		return Unchanged, fmt.Errorf("read marker: %w", err)
	}

	if strings.TrimSpace(string(data)) == rootID {
		return Unchanged, nil
	}

	if err := l.purge(repo, branch); err != nil {
		return Unchanged, err
	}
	if err := l.WriteFile(marker, []byte(rootID)); err != nil {
		return Unchanged, fmt.Errorf("write marker: %w", err)
	}
	return Invalidated, nil
}

// purge removes every entry of the scope except the marker.
func (l *Layout) purge(repo, branch string) error {
	scope, err := l.ScopeDir(repo, branch)
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(scope)
	if err != nil {
		return fmt.Errorf("read scope dir: %w", err)
	}
	for _, e := range entries {
		if e.Name() != DirCacheName {
			if err := os.RemoveAll(filepath.Join(scope, e.Name())); err != nil {
				return fmt.Errorf("purge %s: %w", e.Name(), err)
			}
			continue
		}

		records, err := os.ReadDir(filepath.Join(scope, DirCacheName))
		if err != nil {
			return fmt.Errorf("read dircache: %w", err)
		}
		for _, r := range records {
			if r.Name() == MarkerName {
				continue
			}
			if err := os.RemoveAll(filepath.Join(scope, DirCacheName, r.Name())); err != nil {
				return fmt.Errorf("purge record %s: %w", r.Name(), err)
			}
		}
	}
	return nil
}
