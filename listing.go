package hybridfs

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/aweris/hybridfs/internal/dircache"
	"github.com/aweris/hybridfs/internal/gitstore"
)

const modifiedLayout = "2006-01-02 15:04"

// Entry is one item of a merged directory listing.
type Entry struct {
	Name     string
	Dir      bool
	Size     int64     // -1 when unknown
	Modified time.Time // zero when unknown
	Origin   Origin
}

// List returns the merged listing of dir in scope. Version store entries
// win over content network entries of the same name. found is false when
// neither source has dir. The content network gets the configured timeout;
// past it the listing holds version store entries only.
func (g *Gateway) List(ctx context.Context, scope Scope, dir string) (entries []Entry, found bool, err error) {
	return g.list(ctx, scope, dir, time.Now().Add(g.opts.Timeout))
}

// list is List with the network deadline supplied by the caller.
func (g *Gateway) list(ctx context.Context, scope Scope, dir string, deadline time.Time) ([]Entry, bool, error) {
	dir = gitstore.CleanPath(dir)

	var (
		local    *gitstore.Object
		upstream []dircache.Entry
	)
	p := pool.New().WithErrors().WithContext(ctx)
	p.Go(func(ctx context.Context) error {
		obj, err := g.store.Lookup(ctx, scope.Branch, storePath(scope, dir))
		if err != nil {
			return err
		}
		local = obj
		return nil
	})
	p.Go(func(ctx context.Context) error {
		upstream = g.upstreamEntries(ctx, scope, dir, deadline)
		return nil
	})
	if err := p.Wait(); err != nil {
		return nil, false, err
	}

	var vcs []gitstore.Entry
	if local.Kind == gitstore.Tree {
		vcs = local.Entries
	}
	return mergeEntries(vcs, upstream), local.Kind == gitstore.Tree || upstream != nil, nil
}

// upstreamEntries lists dir on the branch's content root before deadline.
// Failures are logged and yield nothing.
func (g *Gateway) upstreamEntries(ctx context.Context, scope Scope, dir string, deadline time.Time) []dircache.Entry {
	if g.dirs == nil {
		return nil
	}
	rootID, allowed := g.ReadManifest(ctx, scope.Branch)
	if rootID == "" || !allowed {
		return nil
	}

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	entries, err := g.dirs.Entries(ctx, scope.Repo, scope.Branch, rootID, dir)
	if err != nil {
		g.log.Warn("fallback listing unavailable",
			zap.String("branch", scope.Branch),
			zap.String("dir", dir),
			zap.Error(err),
		)
		return nil
	}
	return entries
}

func mergeEntries(vcs []gitstore.Entry, upstream []dircache.Entry) []Entry {
	merged := make([]Entry, 0, len(vcs)+len(upstream))
	seen := make(map[string]bool, len(vcs))
	for _, e := range vcs {
		seen[e.Name] = true
		merged = append(merged, Entry{
			Name:     e.Name,
			Dir:      e.Dir,
			Size:     e.Size,
			Modified: e.CommitTime,
			Origin:   OriginVersionStore,
		})
	}
	for _, e := range upstream {
		if seen[e.Name] {
			continue
		}
		seen[e.Name] = true
		size := e.Size
		if e.Dir {
			size = -1
		}
		merged = append(merged, Entry{Name: e.Name, Dir: e.Dir, Size: size, Origin: OriginNetwork})
	}
	sortEntries(merged)
	return merged
}

// sortEntries orders directories first, then names case-insensitively.
func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Dir != b.Dir {
			return a.Dir
		}
		la, lb := strings.ToLower(a.Name), strings.ToLower(b.Name)
		if la != lb {
			return la < lb
		}
		return a.Name < b.Name
	})
}

var cellEscaper = strings.NewReplacer(
	`\`, `\\`,
	`|`, `\|`,
	`[`, `\[`,
	`]`, `\]`,
	"`", "\\`",
	`*`, `\*`,
	`_`, `\_`,
	`<`, `\<`,
)

// writeListing writes a markdown table of entries under heading.
func writeListing(b *strings.Builder, heading, dir string, entries []Entry) {
	b.WriteString(heading)
	b.WriteString("\n\n")
	if len(entries) == 0 {
		b.WriteString("(empty directory)\n")
		return
	}

	b.WriteString("| Name | Size | Modified |\n")
	b.WriteString("|------|-----:|----------|\n")
	for _, e := range entries {
		name, href := e.Name, linkPath(dir, e.Name)
		if e.Dir {
			name += "/"
			href += "/"
		}
		fmt.Fprintf(b, "| [%s](%s) | %s | %s |\n",
			cellEscaper.Replace(name), href, formatSize(e), formatModified(e.Modified))
	}
}

func formatSize(e Entry) string {
	if e.Dir || e.Size < 0 {
		return "-"
	}
	return units.HumanSize(float64(e.Size))
}

func formatModified(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(modifiedLayout)
}

func linkPath(dir, name string) string {
	p := "/" + name
	if dir != "" {
		p = "/" + dir + "/" + name
	}
	return (&url.URL{Path: p}).EscapedPath()
}

func displayDir(dir string) string {
	if dir == "" {
		return "/"
	}
	return "/" + dir + "/"
}
