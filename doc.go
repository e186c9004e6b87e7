// Package hybridfs resolves files for a branch-aware content server.
//
// A request names a path on a branch, optionally inside a repo directory
// of that branch. The path is looked up in a git repository first. When
// the branch's tree does not have it, a manifest at the branch root may
// name a content root on a content-addressed network (an IPFS node or an
// OCI registry) from which the file is fetched once and kept in a disk
// cache. Directory listings merge both sources.
//
// Basic usage:
//
//	gw, err := hybridfs.New(
//	    hybridfs.WithRepository("/srv/site.git"),
//	    hybridfs.WithNetwork(network.NewKubo("", nil)),
//	)
//	if err != nil { ... }
//
//	scope, err := gw.ResolveScope(ctx, hybridfs.ScopeRequest{Branches: []string{"dev"}})
//	res := gw.Resolve(ctx, hybridfs.Request{Scope: scope, Path: "/docs/intro.md"})
//	fmt.Println(res.Status, res.ContentType, res.Origin)
//
// Sidecar manifest (manifest.yaml at the branch root):
//
//	ipfs:
//	  rootHash: "bafy..."
//	  branches: ["main"]
package hybridfs
