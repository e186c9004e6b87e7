package hybridfs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/aweris/hybridfs/internal/cache"
	"github.com/aweris/hybridfs/internal/dircache"
	"github.com/aweris/hybridfs/internal/fetch"
	"github.com/aweris/hybridfs/internal/gitstore"
	"github.com/aweris/hybridfs/internal/metrics"
)

const manifestCacheSize = 64

// Origin says which source produced a Result.
type Origin string

const (
	OriginVersionStore Origin = "vcs"
	OriginCache        Origin = Origin(fetch.OriginCache)
	OriginNetwork      Origin = Origin(fetch.OriginNetwork)
	OriginWaited       Origin = Origin(fetch.OriginWaited)
	OriginListing      Origin = "listing"
	OriginHandler      Origin = "handler"
	OriginNone         Origin = "none"
)

// Request is one content request inside a resolved scope.
type Request struct {
	Scope  Scope
	Path   string
	Accept string
}

// Result is an HTTP-shaped response. Resolve always returns one.
type Result struct {
	Status      int
	ContentType string
	Body        []byte
	Origin      Origin
}

// MissHandler takes over requests the version store misses when no
// content root applies. It reports false to decline.
type MissHandler interface {
	HandleMiss(ctx context.Context, scope Scope, path string) (*Result, bool)
}

// MissHandlerFunc adapts a function to MissHandler.
type MissHandlerFunc func(ctx context.Context, scope Scope, path string) (*Result, bool)

func (f MissHandlerFunc) HandleMiss(ctx context.Context, scope Scope, path string) (*Result, bool) {
	return f(ctx, scope, path)
}

// Gateway resolves requests against the version store, falling back to
// the content network.
type Gateway struct {
	opts        *Options
	store       *gitstore.Store
	layout      *cache.Layout
	coordinator *fetch.Coordinator
	dirs        *dircache.Store
	manifests   *lru.Cache[string, *Manifest]
	log         *zap.Logger
}

// New opens the repository and cache and returns a Gateway. Without a
// network the fallback is disabled.
func New(opts ...Option) (*Gateway, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.RepoPath == "" {
		return nil, ErrNoRepository
	}

	store, err := gitstore.Open(expandPath(options.RepoPath))
	if err != nil {
		return nil, err
	}
	layout, err := cache.NewLayout(expandPath(options.CacheDir))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheIO, err)
	}

	manifests, err := lru.New[string, *Manifest](manifestCacheSize)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		opts:      options,
		store:     store,
		layout:    layout,
		manifests: manifests,
		log:       options.Logger,
	}

	if options.Fetcher != nil {
		registry := options.Registry
		if registry == nil {
			registry = fetch.NewRegistry()
		}
		g.coordinator = fetch.NewCoordinator(layout, options.Fetcher, registry,
			fetch.WithTimeout(options.Timeout),
			fetch.WithPollInterval(options.PollInterval),
			fetch.WithMaxFetchDuration(options.MaxFetchDuration),
			fetch.WithLogger(options.Logger.Named("fetch")),
		)
	}
	if options.Lister != nil {
		g.dirs = dircache.New(layout, options.Lister, dircache.WithLogger(options.Logger.Named("dircache")))
	}
	return g, nil
}

// Resolve serves req. Cancellation of ctx is ignored; fallback fetches and
// network listings are bounded by the configured timeout instead.
func (g *Gateway) Resolve(ctx context.Context, req Request) *Result {
	ctx = context.WithoutCancel(ctx)
	res := g.resolve(ctx, req)
	metrics.RecordResolve(string(res.Origin), res.Status)
	return res
}

func (g *Gateway) resolve(ctx context.Context, req Request) *Result {
	scope := req.Scope
	if scope.Branch == "" {
		scope.Branch = g.opts.DefaultBranch
	}

	rel := gitstore.CleanPath(req.Path)
	if escapes(rel) {
		return g.notFoundPage(scope, rel, req.Accept, "", nil, false)
	}

	if rel == "" || strings.HasSuffix(req.Path, "/") {
		return g.listing(ctx, scope, rel, req.Accept)
	}

	obj, err := g.store.Lookup(ctx, scope.Branch, storePath(scope, rel))
	if err != nil {
		return g.failure(err)
	}
	switch obj.Kind {
	case gitstore.Blob:
		return g.renderFile(scope, rel, obj.Content, req.Accept, OriginVersionStore)
	case gitstore.Tree:
		return g.listing(ctx, scope, rel, req.Accept)
	}
	return g.fallback(ctx, scope, rel, req.Accept)
}

// Lookup returns the version store object at path in scope, or
// ErrNotFoundLocal.
func (g *Gateway) Lookup(ctx context.Context, scope Scope, p string) (*gitstore.Object, error) {
	obj, err := g.store.Lookup(ctx, scope.Branch, storePath(scope, p))
	if err != nil {
		return nil, err
	}
	if obj.Kind == gitstore.Missing {
		return nil, fmt.Errorf("%w: %s", ErrNotFoundLocal, obj.Path)
	}
	return obj, nil
}

func (g *Gateway) fallback(ctx context.Context, scope Scope, rel, accept string) *Result {
	rootID, allowed := g.ReadManifest(ctx, scope.Branch)
	if rootID == "" || g.coordinator == nil {
		if h := g.opts.MissHandler; h != nil {
			if res, ok := h.HandleMiss(ctx, scope, rel); ok && res != nil {
				if res.Origin == "" {
					res.Origin = OriginHandler
				}
				return res
			}
		}
		return g.notFound(ctx, scope, rel, accept)
	}
	if !allowed {
		return g.notFound(ctx, scope, rel, accept)
	}

	a, err := g.coordinator.Fetch(ctx, fetch.Request{
		Repo:   scope.Repo,
		Branch: scope.Branch,
		RootID: rootID,
		Path:   rel,
	})
	switch {
	case err == nil:
		return g.renderFile(scope, rel, a.Data, accept, Origin(a.Origin))
	case errors.Is(err, fetch.ErrUpstreamDirectory):
		return g.listing(ctx, scope, rel, accept)
	case errors.Is(err, fetch.ErrUpstreamNotFound):
		return g.notFound(ctx, scope, rel, accept)
	case errors.Is(err, fetch.ErrTimeout):
		return unavailable("fetch timeout")
	case errors.Is(err, fetch.ErrCacheIO):
		g.log.Error("fallback cache failure", zap.String("path", rel), zap.Error(err))
		return internalError()
	default:
		return unavailable("fallback unavailable")
	}
}

func (g *Gateway) listing(ctx context.Context, scope Scope, dir, accept string) *Result {
	entries, found, err := g.List(ctx, scope, dir)
	if err != nil {
		return g.failure(err)
	}
	if !found && dir != "" {
		return g.notFound(ctx, scope, dir, accept)
	}

	var b strings.Builder
	writeListing(&b, "# Index of "+displayDir(dir), dir, entries)
	return g.renderMarkdown(scope, displayDir(dir), []byte(b.String()), accept, http.StatusOK, OriginListing)
}

// notFound renders a 404 that lists the nearest existing parent of rel.
// All parents share one network deadline.
func (g *Gateway) notFound(ctx context.Context, scope Scope, rel, accept string) *Result {
	deadline := time.Now().Add(g.opts.Timeout)
	for dir := parentDir(rel); ; dir = parentDir(dir) {
		entries, found, err := g.list(ctx, scope, dir, deadline)
		if err == nil && (found || dir == "") {
			return g.notFoundPage(scope, rel, accept, dir, entries, true)
		}
		if dir == "" {
			return g.notFoundPage(scope, rel, accept, "", nil, false)
		}
	}
}

func (g *Gateway) notFoundPage(scope Scope, rel, accept, parent string, entries []Entry, withParent bool) *Result {
	var b strings.Builder
	fmt.Fprintf(&b, "# Not found\n\n`/%s` does not exist on branch `%s`.\n", rel, scope.Branch)
	if withParent {
		b.WriteString("\n")
		writeListing(&b, "## Index of "+displayDir(parent), parent, entries)
	}
	return g.renderMarkdown(scope, "Not found", []byte(b.String()), accept, http.StatusNotFound, OriginNone)
}

func (g *Gateway) failure(err error) *Result {
	g.log.Error("resolve failed", zap.Error(err))
	return internalError()
}

func internalError() *Result {
	return &Result{
		Status:      http.StatusInternalServerError,
		ContentType: contentTypeText,
		Body:        []byte("internal error\n"),
		Origin:      OriginNone,
	}
}

func unavailable(msg string) *Result {
	return &Result{
		Status:      http.StatusServiceUnavailable,
		ContentType: contentTypeText,
		Body:        []byte(msg + "\n"),
		Origin:      OriginNone,
	}
}

func storePath(scope Scope, rel string) string {
	return path.Join(scope.Repo, rel)
}

func parentDir(p string) string {
	d := path.Dir(p)
	if d == "." || d == "/" {
		return ""
	}
	return d
}

func escapes(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

func expandPath(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}
