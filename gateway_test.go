package hybridfs

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/sourcegraph/conc"

	"github.com/aweris/hybridfs/internal/gitstore/gittest"
	"github.com/aweris/hybridfs/internal/network"
)

// fakeNetwork serves roots of slash-separated files. A key ending in "/"
// declares an empty directory.
type fakeNetwork struct {
	mu        sync.Mutex
	roots     map[string]map[string]string
	block     chan struct{}
	listErr   error
	catCalls  atomic.Int32
	listCalls atomic.Int32
}

func (n *fakeNetwork) files(rootID string) map[string]string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.roots[rootID]
}

func (n *fakeNetwork) Cat(ctx context.Context, rootID, subpath string) ([]byte, error) {
	n.catCalls.Add(1)
	if n.block != nil {
		select {
		case <-n.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	files := n.files(rootID)
	p := strings.Trim(subpath, "/")
	if c, ok := files[p]; ok {
		return []byte(c), nil
	}
	for k := range files {
		if strings.HasPrefix(k, p+"/") {
			return nil, network.ErrIsDirectory
		}
	}
	return nil, network.ErrNotFound
}

func (n *fakeNetwork) List(_ context.Context, rootID, dir string) ([]network.Link, error) {
	n.listCalls.Add(1)
	if n.listErr != nil {
		return nil, n.listErr
	}
	dir = strings.Trim(dir, "/")
	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}

	found := dir == ""
	links := []network.Link{}
	seen := map[string]bool{}
	for k, c := range n.files(rootID) {
		rest, ok := strings.CutPrefix(k, prefix)
		if !ok {
			continue
		}
		found = true
		if rest == "" {
			continue
		}
		child, _, nested := strings.Cut(rest, "/")
		if seen[child] {
			continue
		}
		seen[child] = true
		if nested {
			links = append(links, network.Link{Name: child, Dir: true, Size: -1})
		} else {
			links = append(links, network.Link{Name: child, Size: int64(len(c))})
		}
	}
	if !found {
		return nil, network.ErrNotFound
	}
	return links, nil
}

const manifestCID1 = "ipfs:\n  rootHash: CID1\n"

func siteBranches() gittest.Branches {
	return gittest.Branches{
		"main": {
			"manifest.yaml":        manifestCID1,
			"site/index.md":        "# Home\n\nWelcome.",
			"site/x.txt":           "local x",
			"site/docs/guide.md":   "# Guide",
			"site/docs/image.png":  "\x89PNG",
			"other/unrelated.txt":  "u",
		},
		"dev": {
			"manifest.yaml":  "ipfs:\n  rootHash: CID1\n  branches: [main]\n",
			"site/readme.md": "dev readme",
		},
		"plain": {
			"site/a.txt": "a",
		},
	}
}

func siteNetwork() *fakeNetwork {
	return &fakeNetwork{roots: map[string]map[string]string{
		"CID1": {
			"x.txt":           "remote x, longer than local",
			"remote.md":       "# Remote",
			"docs/extra.txt":  "extra",
			"assets/logo.svg": "<svg/>",
			"empty/":          "",
		},
		"CID2": {
			"b.txt": "b",
		},
	}}
}

func newTestGateway(t *testing.T, branches gittest.Branches, net *fakeNetwork, opts ...Option) (*Gateway, string) {
	t.Helper()
	repoDir := gittest.NewRepo(t, branches)
	all := []Option{
		WithRepository(repoDir),
		WithCacheDir(t.TempDir()),
		WithPollInterval(5 * time.Millisecond),
	}
	if net != nil {
		all = append(all, WithNetwork(net))
	}
	g, err := New(append(all, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g, repoDir
}

var site = Scope{Branch: "main", Repo: "site"}

func TestResolveVersionStoreMarkdown(t *testing.T) {
	g, _ := newTestGateway(t, siteBranches(), nil)
	ctx := context.Background()

	html := g.Resolve(ctx, Request{Scope: site, Path: "/index.md", Accept: "text/html"})
	if html.Status != http.StatusOK || html.Origin != OriginVersionStore {
		t.Fatalf("status=%d origin=%s", html.Status, html.Origin)
	}
	if html.ContentType != contentTypeHTML {
		t.Errorf("ContentType = %q", html.ContentType)
	}
	body := string(html.Body)
	for _, want := range []string{"<h1>Home</h1>", `<meta name="branch" content="main">`, `<meta name="repo" content="site">`} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}

	raw := g.Resolve(ctx, Request{Scope: site, Path: "/index.md", Accept: "text/markdown, text/html;q=0.5"})
	if raw.ContentType != contentTypeMarkdown || string(raw.Body) != "# Home\n\nWelcome." {
		t.Errorf("raw = %q %q", raw.ContentType, raw.Body)
	}
}

func TestResolveVersionStoreBinary(t *testing.T) {
	g, _ := newTestGateway(t, siteBranches(), nil)
	res := g.Resolve(context.Background(), Request{Scope: site, Path: "docs/image.png"})
	if res.Status != http.StatusOK || res.ContentType != "image/png" || string(res.Body) != "\x89PNG" {
		t.Errorf("got %d %q %q", res.Status, res.ContentType, res.Body)
	}
}

func TestResolveFallbackFetchAndCache(t *testing.T) {
	net := siteNetwork()
	g, _ := newTestGateway(t, siteBranches(), net)
	ctx := context.Background()
	req := Request{Scope: site, Path: "/assets/logo.svg"}

	first := g.Resolve(ctx, req)
	if first.Status != http.StatusOK || first.Origin != OriginNetwork {
		t.Fatalf("first: status=%d origin=%s body=%q", first.Status, first.Origin, first.Body)
	}
	second := g.Resolve(ctx, req)
	if second.Origin != OriginCache || string(second.Body) != string(first.Body) {
		t.Errorf("second: origin=%s body=%q", second.Origin, second.Body)
	}
	if got := net.catCalls.Load(); got != 1 {
		t.Errorf("network calls = %d, want 1", got)
	}
}

func TestResolveSingleFlight(t *testing.T) {
	net := siteNetwork()
	net.block = make(chan struct{})
	g, _ := newTestGateway(t, siteBranches(), net, WithTimeout(5*time.Second))

	const n = 20
	var (
		wg     conc.WaitGroup
		mu     sync.Mutex
		bodies = map[string]int{}
	)
	for range n {
		wg.Go(func() {
			res := g.Resolve(context.Background(), Request{Scope: site, Path: "remote.md", Accept: "text/markdown"})
			mu.Lock()
			bodies[string(res.Body)]++
			mu.Unlock()
		})
	}
	time.Sleep(50 * time.Millisecond)
	close(net.block)
	wg.Wait()

	if got := net.catCalls.Load(); got != 1 {
		t.Errorf("network calls = %d, want 1", got)
	}
	if bodies["# Remote"] != n {
		t.Errorf("bodies = %v, want %d identical", bodies, n)
	}
}

func TestResolveTimeout(t *testing.T) {
	net := siteNetwork()
	net.block = make(chan struct{})
	t.Cleanup(func() { close(net.block) })
	g, _ := newTestGateway(t, siteBranches(), net, WithTimeout(50*time.Millisecond))

	start := time.Now()
	res := g.Resolve(context.Background(), Request{Scope: site, Path: "remote.md"})
	if res.Status != http.StatusServiceUnavailable || strings.TrimSpace(string(res.Body)) != "fetch timeout" {
		t.Errorf("got %d %q", res.Status, res.Body)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Resolve took %v", elapsed)
	}
}

func TestResolveBranchNotAllowed(t *testing.T) {
	net := siteNetwork()
	g, _ := newTestGateway(t, siteBranches(), net)

	res := g.Resolve(context.Background(), Request{Scope: Scope{Branch: "dev", Repo: "site"}, Path: "remote.md"})
	if res.Status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", res.Status)
	}
	if len(res.Body) == 0 {
		t.Error("404 body is empty")
	}
	if got := net.catCalls.Load() + net.listCalls.Load(); got != 0 {
		t.Errorf("network used %d times for a disallowed branch", got)
	}
}

func TestResolveUpstreamNotFoundListsParent(t *testing.T) {
	g, _ := newTestGateway(t, siteBranches(), siteNetwork())

	res := g.Resolve(context.Background(), Request{Scope: site, Path: "docs/nope.md", Accept: "text/markdown"})
	if res.Status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", res.Status)
	}
	body := string(res.Body)
	for _, want := range []string{"# Not found", "## Index of /docs/", "guide.md", "extra.txt"} {
		if !strings.Contains(body, want) {
			t.Errorf("404 body missing %q:\n%s", want, body)
		}
	}
}

func TestResolveUpstreamDirectory(t *testing.T) {
	g, _ := newTestGateway(t, siteBranches(), siteNetwork())

	res := g.Resolve(context.Background(), Request{Scope: site, Path: "assets", Accept: "text/markdown"})
	if res.Status != http.StatusOK || res.Origin != OriginListing {
		t.Fatalf("status=%d origin=%s", res.Status, res.Origin)
	}
	if !strings.Contains(string(res.Body), "[logo.svg](/assets/logo.svg)") {
		t.Errorf("listing missing logo.svg:\n%s", res.Body)
	}
}

func TestResolveEmptyDirectory(t *testing.T) {
	g, _ := newTestGateway(t, siteBranches(), siteNetwork())

	res := g.Resolve(context.Background(), Request{Scope: site, Path: "/empty/", Accept: "text/markdown"})
	if res.Status != http.StatusOK {
		t.Fatalf("status = %d", res.Status)
	}
	if !strings.Contains(string(res.Body), "(empty directory)") || strings.Contains(string(res.Body), "| Name |") {
		t.Errorf("body:\n%s", res.Body)
	}
}

func TestResolveMergePrecedence(t *testing.T) {
	g, _ := newTestGateway(t, siteBranches(), siteNetwork())

	entries, found, err := g.List(context.Background(), site, "")
	if err != nil || !found {
		t.Fatalf("List: found=%v err=%v", found, err)
	}

	byName := map[string]Entry{}
	var order []string
	for _, e := range entries {
		byName[e.Name] = e
		order = append(order, e.Name)
	}

	x := byName["x.txt"]
	if x.Origin != OriginVersionStore || x.Size != int64(len("local x")) || !x.Modified.Equal(gittest.When) {
		t.Errorf("x.txt = %+v, want version store metadata", x)
	}
	if byName["remote.md"].Origin != OriginNetwork {
		t.Errorf("remote.md = %+v, want network entry", byName["remote.md"])
	}

	want := []string{"assets", "docs", "empty", "index.md", "remote.md", "x.txt"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestResolveRootChangeInvalidatesListing(t *testing.T) {
	net := siteNetwork()
	net.roots["CID1"] = map[string]string{"a.txt": "a"}
	branches := gittest.Branches{"main": {"manifest.yaml": manifestCID1, "site/index.md": "# Home"}}
	g, repoDir := newTestGateway(t, branches, net)
	ctx := context.Background()

	first := g.Resolve(ctx, Request{Scope: site, Path: "/", Accept: "text/markdown"})
	if !strings.Contains(string(first.Body), "a.txt") {
		t.Fatalf("CID1 listing missing a.txt:\n%s", first.Body)
	}

	repo, err := git.PlainOpen(repoDir)
	if err != nil {
		t.Fatal(err)
	}
	gittest.SetBranch(t, repo, "main", map[string]string{
		"manifest.yaml": "ipfs:\n  rootHash: CID2\n",
		"site/index.md": "# Home",
	})

	second := g.Resolve(ctx, Request{Scope: site, Path: "/", Accept: "text/markdown"})
	body := string(second.Body)
	if !strings.Contains(body, "b.txt") || strings.Contains(body, "a.txt") {
		t.Errorf("CID2 listing:\n%s", body)
	}
}

func TestResolveFallbackListingFailureDegrades(t *testing.T) {
	net := siteNetwork()
	net.listErr = network.ErrUnavailable
	g, _ := newTestGateway(t, siteBranches(), net)

	res := g.Resolve(context.Background(), Request{Scope: site, Path: "/docs/", Accept: "text/markdown"})
	if res.Status != http.StatusOK {
		t.Fatalf("status = %d", res.Status)
	}
	if !strings.Contains(string(res.Body), "guide.md") || strings.Contains(string(res.Body), "extra.txt") {
		t.Errorf("body:\n%s", res.Body)
	}
}

func TestResolveMissHandler(t *testing.T) {
	var calls atomic.Int32
	h := MissHandlerFunc(func(_ context.Context, scope Scope, p string) (*Result, bool) {
		calls.Add(1)
		if p != "dynamic" {
			return nil, false
		}
		return &Result{Status: http.StatusOK, ContentType: contentTypeText, Body: []byte(scope.Branch)}, true
	})
	g, _ := newTestGateway(t, siteBranches(), siteNetwork(), WithMissHandler(h))
	plain := Scope{Branch: "plain", Repo: "site"}

	res := g.Resolve(context.Background(), Request{Scope: plain, Path: "dynamic"})
	if res.Status != http.StatusOK || res.Origin != OriginHandler || string(res.Body) != "plain" {
		t.Errorf("handled: %d %s %q", res.Status, res.Origin, res.Body)
	}

	res = g.Resolve(context.Background(), Request{Scope: plain, Path: "static"})
	if res.Status != http.StatusNotFound {
		t.Errorf("declined: status = %d, want 404", res.Status)
	}

	// A branch with a content root never reaches the handler.
	g.Resolve(context.Background(), Request{Scope: site, Path: "remote.md"})
	if got := calls.Load(); got != 2 {
		t.Errorf("handler calls = %d, want 2", got)
	}
}

func TestResolveRejectsEscapes(t *testing.T) {
	net := siteNetwork()
	g, _ := newTestGateway(t, siteBranches(), net)

	res := g.Resolve(context.Background(), Request{Scope: site, Path: "/../other/unrelated.txt"})
	if res.Status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", res.Status)
	}
	if net.catCalls.Load() != 0 {
		t.Error("escaping path reached the network")
	}
}

func TestResolveWithoutNetwork(t *testing.T) {
	g, _ := newTestGateway(t, siteBranches(), nil)
	res := g.Resolve(context.Background(), Request{Scope: site, Path: "remote.md"})
	if res.Status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", res.Status)
	}
}

func TestNewRequiresRepository(t *testing.T) {
	if _, err := New(WithCacheDir(t.TempDir())); err != ErrNoRepository {
		t.Errorf("err = %v, want ErrNoRepository", err)
	}
}

// stalledLister never answers before its context ends.
type stalledLister struct{}

func (stalledLister) List(ctx context.Context, _, _ string) ([]network.Link, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestResolveListingStalledNetwork(t *testing.T) {
	g, _ := newTestGateway(t, siteBranches(), nil,
		WithNetwork(siteNetwork(), stalledLister{}),
		WithTimeout(100*time.Millisecond),
	)

	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{"", http.StatusOK, "index.md"},
		{"docs/", http.StatusOK, "guide.md"},
		{"docs/nope.md", http.StatusNotFound, "guide.md"},
		{"a/b/c/nope.md", http.StatusNotFound, "index.md"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			done := make(chan *Result, 1)
			go func() {
				done <- g.Resolve(context.Background(), Request{Scope: site, Path: tt.path, Accept: "text/markdown"})
			}()

			select {
			case res := <-done:
				if res.Status != tt.wantStatus {
					t.Errorf("status = %d, want %d", res.Status, tt.wantStatus)
				}
				if !strings.Contains(string(res.Body), tt.wantBody) {
					t.Errorf("body missing %q:\n%s", tt.wantBody, res.Body)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("Resolve did not return within the listing timeout")
			}
		})
	}
}
