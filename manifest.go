package hybridfs

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/aweris/hybridfs/internal/gitstore"
)

// Manifest is the sidecar document at a branch root.
type Manifest struct {
	IPFS *ManifestIPFS `yaml:"ipfs"`
}

// ManifestIPFS declares the content root backing a branch.
type ManifestIPFS struct {
	RootHash string   `yaml:"rootHash"`
	Branches []string `yaml:"branches"`
}

// ParseManifest decodes a sidecar document. An empty document is valid
// and declares nothing.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestParse, err)
	}
	return &m, nil
}

// RootID returns the declared content root, or "".
func (m *Manifest) RootID() string {
	if m == nil || m.IPFS == nil {
		return ""
	}
	return m.IPFS.RootHash
}

// Allows reports whether branch may use the fallback. A missing or empty
// branch list allows every branch.
func (m *Manifest) Allows(branch string) bool {
	if m == nil || m.IPFS == nil || len(m.IPFS.Branches) == 0 {
		return true
	}
	return slices.Contains(m.IPFS.Branches, branch)
}

// ReadManifest returns the content root declared for branch and whether
// branch may use it. A missing or malformed manifest yields ("", true).
func (g *Gateway) ReadManifest(ctx context.Context, branch string) (rootID string, allowed bool) {
	m := g.manifest(ctx, branch)
	return m.RootID(), m.Allows(branch)
}

func (g *Gateway) manifest(ctx context.Context, branch string) *Manifest {
	obj, err := g.store.Lookup(ctx, branch, g.opts.ManifestName)
	if err != nil {
		g.log.Warn("read manifest", zap.String("branch", branch), zap.Error(err))
		return nil
	}
	if obj.Kind != gitstore.Blob {
		return nil
	}

	if m, ok := g.manifests.Get(obj.Hash); ok {
		return m
	}

	m, err := ParseManifest(obj.Content)
	if err != nil {
		g.log.Warn("ignoring manifest",
			zap.String("branch", branch),
			zap.String("blob", obj.Hash),
			zap.Error(err),
		)
		m = nil
	}
	g.manifests.Add(obj.Hash, m)
	return m
}
