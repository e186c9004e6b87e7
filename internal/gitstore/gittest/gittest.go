// Package gittest builds throwaway git repositories for tests.
package gittest

import (
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// When is the committer time of every fixture commit.
var When = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

// Branches maps branch name to its files (slash-separated path → content).
type Branches map[string]map[string]string

// NewRepo creates a bare repository in a temp dir with one commit per
// branch. Each branch's tree holds exactly the listed files.
func NewRepo(t testing.TB, branches Branches) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, true)
	if err != nil {
		t.Fatalf("init repo: %v", err)
	}
	for branch, files := range branches {
		SetBranch(t, repo, branch, files)
	}
	return dir
}

// SetBranch points branch at a new parentless commit holding files.
func SetBranch(t testing.TB, repo *git.Repository, branch string, files map[string]string) plumbing.Hash {
	t.Helper()

	root := &dirNode{files: map[string]string{}, dirs: map[string]*dirNode{}}
	for p, content := range files {
		root.insert(strings.Split(strings.Trim(p, "/"), "/"), content)
	}
	treeHash, err := root.write(repo.Storer)
	if err != nil {
		t.Fatalf("write tree: %v", err)
	}

	sig := object.Signature{Name: "fixture", Email: "fixture@example.com", When: When}
	commit := &object.Commit{
		Author:    sig,
		Committer: sig,
		Message:   "snapshot " + branch,
		TreeHash:  treeHash,
	}
	obj := repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		t.Fatalf("encode commit: %v", err)
	}
	hash, err := repo.Storer.SetEncodedObject(obj)
	if err != nil {
		t.Fatalf("store commit: %v", err)
	}

	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(branch), hash)
	if err := repo.Storer.SetReference(ref); err != nil {
		t.Fatalf("set ref %s: %v", branch, err)
	}
	return hash
}

type dirNode struct {
	files map[string]string
	dirs  map[string]*dirNode
}

func (d *dirNode) insert(parts []string, content string) {
	if len(parts) == 1 {
		d.files[parts[0]] = content
		return
	}
	child, ok := d.dirs[parts[0]]
	if !ok {
		child = &dirNode{files: map[string]string{}, dirs: map[string]*dirNode{}}
		d.dirs[parts[0]] = child
	}
	child.insert(parts[1:], content)
}

func (d *dirNode) write(s storer.EncodedObjectStorer) (plumbing.Hash, error) {
	var entries []object.TreeEntry

	for name, content := range d.files {
		obj := s.NewEncodedObject()
		obj.SetType(plumbing.BlobObject)
		w, err := obj.Writer()
		if err != nil {
			return plumbing.ZeroHash, err
		}
		if _, err := w.Write([]byte(content)); err != nil {
			w.Close()
			return plumbing.ZeroHash, err
		}
		if err := w.Close(); err != nil {
			return plumbing.ZeroHash, err
		}
		h, err := s.SetEncodedObject(obj)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entries = append(entries, object.TreeEntry{Name: name, Mode: filemode.Regular, Hash: h})
	}

	for name, child := range d.dirs {
		h, err := child.write(s)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entries = append(entries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: h})
	}

	// Git orders tree entries as if directory names ended in "/".
	sortKey := func(e object.TreeEntry) string {
		if e.Mode == filemode.Dir {
			return e.Name + "/"
		}
		return e.Name
	}
	sort.Slice(entries, func(i, j int) bool { return sortKey(entries[i]) < sortKey(entries[j]) })

	tree := &object.Tree{Entries: entries}
	obj := s.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return s.SetEncodedObject(obj)
}
