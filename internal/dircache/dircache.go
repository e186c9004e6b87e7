// Package dircache persists directory listings of content roots.
//
// A record is keyed by (repo, branch, dir) and remembers the root it was
// built from. Records of the current root are served as they are; anything
// else is rebuilt through a network.Lister. When the root recorded in the
// scope marker changes, the whole scope is purged first.
package dircache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aweris/hybridfs/internal/cache"
	"github.com/aweris/hybridfs/internal/metrics"
	"github.com/aweris/hybridfs/internal/network"
)

// Entry is one child of a cached directory.
type Entry struct {
	Name string `json:"name"`
	Dir  bool   `json:"dir"`
	Size int64  `json:"size"`
}

// Record is the persisted listing of one directory.
type Record struct {
	RootID      string    `json:"rootId"`
	Repo        string    `json:"repo"`
	Branch      string    `json:"branch"`
	Dir         string    `json:"dir"`
	GeneratedAt time.Time `json:"generatedAt"`
	Entries     []Entry   `json:"entries"`
}

// Store reads and rebuilds directory records.
type Store struct {
	layout *cache.Layout
	lister network.Lister
	log    *zap.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the time source used for GeneratedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store writing under layout.
func New(layout *cache.Layout, lister network.Lister, opts ...Option) *Store {
	s := &Store{
		layout: layout,
		lister: lister,
		log:    zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Entries returns the children of dir under rootID for the repo/branch
// scope. A directory the network does not know yields no entries and no
// error. Failed listings are never persisted.
func (s *Store) Entries(ctx context.Context, repo, branch, rootID, dir string) ([]Entry, error) {
	dir = normalize(dir)

	obs, err := s.layout.Observe(repo, branch, rootID)
	if err != nil {
		return nil, err
	}
	if obs == cache.Invalidated {
		metrics.RecordInvalidation()
		s.log.Info("content root changed, directory cache purged",
			zap.String("repo", repo),
			zap.String("branch", branch),
			zap.String("root", rootID),
		)
	}

	path, err := s.layout.RecordPath(repo, branch, dir)
	if err != nil {
		return nil, err
	}

	if rec, ok := s.read(path); ok && rec.RootID == rootID && rec.Dir == dir {
		metrics.RecordDirCache("hit")
		return rec.Entries, nil
	}

	links, err := s.lister.List(ctx, rootID, dir)
	if err != nil {
		if errors.Is(err, network.ErrNotFound) {
			metrics.RecordDirCache("absent")
			return nil, nil
		}
		metrics.RecordDirCache("error")
		return nil, fmt.Errorf("list %s: %w", network.ContentPath(rootID, dir), err)
	}

	rec := Record{
		RootID:      rootID,
		Repo:        repo,
		Branch:      branch,
		Dir:         dir,
		GeneratedAt: s.now().UTC(),
		Entries:     toEntries(links),
	}
	if err := s.write(path, rec); err != nil {
		// The listing is still good for this request.
		s.log.Warn("persist directory record", zap.String("path", path), zap.Error(err))
	}
	metrics.RecordDirCache("rebuild")
	return rec.Entries, nil
}

func (s *Store) read(path string) (Record, bool) {
	data, ok, err := cache.ReadFile(path)
	if err != nil || !ok {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.log.Warn("discarding unreadable directory record", zap.String("path", path), zap.Error(err))
		return Record{}, false
	}
	return rec, true
}

func (s *Store) write(path string, rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return s.layout.WriteFile(path, data)
}

func toEntries(links []network.Link) []Entry {
	entries := make([]Entry, 0, len(links))
	seen := make(map[string]bool, len(links))
	for _, l := range links {
		if l.Name == "" || seen[l.Name] {
			continue
		}
		seen[l.Name] = true
		entries = append(entries, Entry{Name: l.Name, Dir: l.Dir, Size: l.Size})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

func normalize(dir string) string {
	return strings.Trim(dir, "/")
}
