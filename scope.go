package hybridfs

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/aweris/hybridfs/internal/gitstore"
)

// Scope selects the branch and the repo directory a request is served from.
// An empty Repo serves the branch root.
type Scope struct {
	Branch string
	Repo   string
}

// ScopeRequest carries scope candidates in precedence order, highest first.
type ScopeRequest struct {
	Branches []string
	Repos    []string
}

// ScopeRequestFromHTTP collects candidates from the query string, the
// X-Branch/X-Repo headers and the branch/repo cookies, in that order.
func ScopeRequestFromHTTP(r *http.Request) ScopeRequest {
	q := r.URL.Query()
	return ScopeRequest{
		Branches: []string{q.Get("branch"), r.Header.Get("X-Branch"), cookieValue(r, "branch")},
		Repos:    []string{q.Get("repo"), r.Header.Get("X-Repo"), cookieValue(r, "repo")},
	}
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

// sanitize trims a candidate. It reports false for empty candidates and
// any containing "..".
func sanitize(candidate string) (string, bool) {
	c := strings.Trim(strings.TrimSpace(candidate), "/")
	if c == "" || strings.Contains(c, "..") {
		return "", false
	}
	return c, true
}

func firstValid(candidates ...string) (string, bool) {
	for _, c := range candidates {
		if v, ok := sanitize(c); ok {
			return v, true
		}
	}
	return "", false
}

// ResolveScope picks the branch and repo for a request. Invalid candidates
// are skipped. Repo candidates from the request, then the configured
// default repo, are taken only when servable on the branch; without any
// candidate the first visible directory at the branch root is used. It
// returns ErrRepoNotFound when the branch does not exist or when no named
// repo is servable.
func (g *Gateway) ResolveScope(ctx context.Context, req ScopeRequest) (Scope, error) {
	branch, ok := firstValid(req.Branches...)
	if !ok {
		branch = g.opts.DefaultBranch
	}

	exists, err := g.store.HasBranch(ctx, branch)
	if err != nil {
		return Scope{}, err
	}
	if !exists {
		return Scope{}, fmt.Errorf("%w: branch %q", ErrRepoNotFound, branch)
	}

	var named []string
	for _, c := range append(slices.Clone(req.Repos), g.opts.DefaultRepo) {
		if repo, ok := sanitize(c); ok {
			named = append(named, repo)
		}
	}
	for _, repo := range named {
		servable, err := g.repoServable(ctx, branch, repo)
		if err != nil {
			return Scope{}, err
		}
		if servable {
			return Scope{Branch: branch, Repo: repo}, nil
		}
	}
	if len(named) > 0 {
		return Scope{}, fmt.Errorf("%w: %q on branch %q", ErrRepoNotFound, named[0], branch)
	}

	root, err := g.store.Lookup(ctx, branch, "")
	if err != nil {
		return Scope{}, err
	}
	for _, e := range root.Entries {
		if e.Dir && !strings.HasPrefix(e.Name, ".") {
			return Scope{Branch: branch, Repo: e.Name}, nil
		}
	}
	return Scope{Branch: branch}, nil
}

// repoServable reports whether repo is a directory of branch, or the
// branch has a content root that can serve it.
func (g *Gateway) repoServable(ctx context.Context, branch, repo string) (bool, error) {
	obj, err := g.store.Lookup(ctx, branch, repo)
	if err != nil {
		return false, err
	}
	if obj.Kind == gitstore.Tree {
		return true, nil
	}
	if g.coordinator == nil {
		return false, nil
	}
	rootID, allowed := g.ReadManifest(ctx, branch)
	return rootID != "" && allowed, nil
}
