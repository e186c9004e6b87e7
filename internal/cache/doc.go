// Package cache implements the local disk layer behind the content fallback.
//
// Storage layout (scope-isolated):
//
//	root/<repo|_>/<branch>/
//	  <relative/path>        (fetched files, written once and complete)
//	  .dircache/
//	    _ROOTID              (plain text: last-seen content root)
//	    <dirKey>.json        (directory records)
//	root/.tmp/               (in-progress writes, renamed into place)
//
// Repo and branch are path-escaped so each occupies exactly one directory
// level. A scope is purged, except for its marker, whenever the content root
// recorded in the marker changes.
package cache
