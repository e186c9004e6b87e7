package gitstore_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/aweris/hybridfs/internal/gitstore"
	"github.com/aweris/hybridfs/internal/gitstore/gittest"
)

func newStore(t *testing.T) *gitstore.Store {
	t.Helper()
	dir := gittest.NewRepo(t, gittest.Branches{
		"main": {
			"README.md":         "# hello\n",
			"site/index.html":   "<p>hi</p>",
			"site/docs/a.txt":   "aaa",
			"site/docs/b/c.txt": "c",
		},
		"dev": {
			"dev.txt": "dev only",
		},
	})
	s, err := gitstore.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestLookupBlob(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	obj, err := s.Lookup(ctx, "main", "/site/docs/a.txt")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if obj.Kind != gitstore.Blob {
		t.Fatalf("Kind = %v, want blob", obj.Kind)
	}
	if string(obj.Content) != "aaa" || obj.Size != 3 {
		t.Errorf("content = %q size = %d", obj.Content, obj.Size)
	}
	if obj.Path != "site/docs/a.txt" {
		t.Errorf("Path = %q", obj.Path)
	}
	if obj.Hash == "" {
		t.Error("blob hash is empty")
	}
	if !obj.CommitTime.Equal(gittest.When) {
		t.Errorf("CommitTime = %v, want %v", obj.CommitTime, gittest.When)
	}
}

func TestLookupTree(t *testing.T) {
	s := newStore(t)

	obj, err := s.Lookup(context.Background(), "main", "site/docs")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if obj.Kind != gitstore.Tree {
		t.Fatalf("Kind = %v, want tree", obj.Kind)
	}
	if len(obj.Entries) != 2 {
		t.Fatalf("entries = %+v", obj.Entries)
	}
	if e := obj.Entries[0]; e.Name != "a.txt" || e.Dir || e.Size != 3 {
		t.Errorf("entry[0] = %+v", e)
	}
	if e := obj.Entries[1]; e.Name != "b" || !e.Dir {
		t.Errorf("entry[1] = %+v", e)
	}
}

func TestLookupRoot(t *testing.T) {
	s := newStore(t)

	obj, err := s.Lookup(context.Background(), "dev", "")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if obj.Kind != gitstore.Tree || len(obj.Entries) != 1 || obj.Entries[0].Name != "dev.txt" {
		t.Fatalf("dev root = %+v", obj)
	}
}

func TestLookupMissing(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		branch string
		path   string
	}{
		{"absent file", "main", "nope.txt"},
		{"file used as dir", "main", "README.md/x"},
		{"absent branch", "feature", "README.md"},
		{"dotdot", "main", "site/../README.md"},
		{"file from other branch", "dev", "README.md"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj, err := s.Lookup(ctx, tt.branch, tt.path)
			if err != nil {
				t.Fatalf("Lookup: %v", err)
			}
			if obj.Kind != gitstore.Missing {
				t.Errorf("Kind = %v, want missing", obj.Kind)
			}
		})
	}
}

func TestHasBranch(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if ok, err := s.HasBranch(ctx, "main"); err != nil || !ok {
		t.Errorf("HasBranch(main) = %v, %v", ok, err)
	}
	if ok, err := s.HasBranch(ctx, "nope"); err != nil || ok {
		t.Errorf("HasBranch(nope) = %v, %v", ok, err)
	}
}

func TestOpenNotARepository(t *testing.T) {
	_, err := gitstore.Open(filepath.Join(t.TempDir(), "missing"))
	if !errors.Is(err, gitstore.ErrCorrupt) {
		t.Errorf("Open error = %v, want ErrCorrupt", err)
	}
}

func TestCleanPath(t *testing.T) {
	tests := map[string]string{
		"":          "",
		"/":         "",
		"/a//b/":    "a/b",
		"./a/./b":   "a/b",
		"a/../b":    "a/../b",
		"site/x.md": "site/x.md",
	}
	for in, want := range tests {
		if got := gitstore.CleanPath(in); got != want {
			t.Errorf("CleanPath(%q) = %q, want %q", in, got, want)
		}
	}
}
