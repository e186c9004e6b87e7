// Package gitstore reads branch snapshots out of a git repository.
//
// Every lookup opens the repository, resolves refs/heads/<branch>, takes
// the head commit's tree and walks it one path segment at a time. A missing
// branch or path is a soft miss; anything the object store cannot read is
// reported as ErrCorrupt.
package gitstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// ErrCorrupt marks object store failures that are not plain misses.
var ErrCorrupt = errors.New("gitstore: object store unreadable")

// Kind classifies the result of a lookup.
type Kind int

const (
	Missing Kind = iota
	Blob
	Tree
)

func (k Kind) String() string {
	switch k {
	case Blob:
		return "blob"
	case Tree:
		return "tree"
	default:
		return "missing"
	}
}

// Entry is one item of a tree listing.
type Entry struct {
	Name       string
	Dir        bool
	Size       int64 // -1 for directories
	CommitTime time.Time
}

// Object is the result of resolving a path on a branch.
type Object struct {
	Kind Kind
	Path string // normalized, slash-separated, no leading slash

	// Blob fields.
	Content []byte
	Size    int64
	Hash    string

	// Tree fields.
	Entries []Entry

	CommitTime time.Time
}

// Store resolves paths against the branches of one repository.
type Store struct {
	path string
}

// Open checks that path holds a readable repository (bare or with a
// worktree) and returns a Store for it.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	if _, err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the repository location.
func (s *Store) Path() string { return s.path }

func (s *Store) open() (*git.Repository, error) {
	repo, err := git.PlainOpen(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrCorrupt, s.path, err)
	}
	return repo, nil
}

// head returns the commit at refs/heads/<branch>, or nil when the branch
// does not exist.
func head(repo *git.Repository, branch string) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: resolve branch %s: %v", ErrCorrupt, branch, err)
	}
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("%w: commit %s: %v", ErrCorrupt, ref.Hash(), err)
	}
	return commit, nil
}

// Lookup resolves p on branch. The result is never nil when err is nil.
func (s *Store) Lookup(ctx context.Context, branch, p string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	clean := CleanPath(p)
	missing := &Object{Kind: Missing, Path: clean}

	repo, err := s.open()
	if err != nil {
		return nil, err
	}
	commit, err := head(repo, branch)
	if err != nil {
		return nil, err
	}
	if commit == nil {
		return missing, nil
	}
	when := commit.Committer.When

	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("%w: tree of %s: %v", ErrCorrupt, commit.Hash, err)
	}
	if clean == "" {
		return treeObject(repo, tree, clean, when)
	}

	parts := strings.Split(clean, "/")
	current := tree

	for i, part := range parts {
		entry := findEntry(current, part)
		if entry == nil {
			return missing, nil
		}
		last := i == len(parts)-1

		if entry.Mode == filemode.Dir {
			sub, err := repo.TreeObject(entry.Hash)
			if err != nil {
				return nil, fmt.Errorf("%w: tree %s: %v", ErrCorrupt, entry.Hash, err)
			}
			if last {
				return treeObject(repo, sub, clean, when)
			}
			current = sub
			continue
		}

		// A file in the middle of the path, or a submodule.
		if !last || !entry.Mode.IsFile() {
			return missing, nil
		}
		return blobObject(repo, entry.Hash, clean, when)
	}

	return missing, nil
}

// HasBranch reports whether refs/heads/<branch> exists.
func (s *Store) HasBranch(ctx context.Context, branch string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	repo, err := s.open()
	if err != nil {
		return false, err
	}
	commit, err := head(repo, branch)
	if err != nil {
		return false, err
	}
	return commit != nil, nil
}

func findEntry(tree *object.Tree, name string) *object.TreeEntry {
	for i := range tree.Entries {
		if tree.Entries[i].Name == name {
			return &tree.Entries[i]
		}
	}
	return nil
}

func blobObject(repo *git.Repository, hash plumbing.Hash, p string, when time.Time) (*Object, error) {
	blob, err := repo.BlobObject(hash)
	if err != nil {
		return nil, fmt.Errorf("%w: blob %s: %v", ErrCorrupt, hash, err)
	}
	r, err := blob.Reader()
	if err != nil {
		return nil, fmt.Errorf("%w: open blob %s: %v", ErrCorrupt, hash, err)
	}
	defer r.Close()

	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read blob %s: %v", ErrCorrupt, hash, err)
	}
	return &Object{
		Kind:       Blob,
		Path:       p,
		Content:    content,
		Size:       blob.Size,
		Hash:       hash.String(),
		CommitTime: when,
	}, nil
}

func treeObject(repo *git.Repository, tree *object.Tree, p string, when time.Time) (*Object, error) {
	entries := make([]Entry, 0, len(tree.Entries))
	for _, te := range tree.Entries {
		switch {
		case te.Mode == filemode.Dir:
			entries = append(entries, Entry{Name: te.Name, Dir: true, Size: -1, CommitTime: when})
		case te.Mode.IsFile():
			blob, err := repo.BlobObject(te.Hash)
			if err != nil {
				return nil, fmt.Errorf("%w: blob %s: %v", ErrCorrupt, te.Hash, err)
			}
			entries = append(entries, Entry{Name: te.Name, Size: blob.Size, CommitTime: when})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	return &Object{
		Kind:       Tree,
		Path:       p,
		Hash:       tree.Hash.String(),
		Entries:    entries,
		CommitTime: when,
	}, nil
}

// CleanPath normalizes a slash-separated path: no leading or trailing
// slash and no empty or "." segments. ".." segments are kept so callers
// can reject them; they never match a tree entry.
func CleanPath(p string) string {
	var parts []string
	for _, part := range strings.Split(p, "/") {
		if part == "" || part == "." {
			continue
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, "/")
}
