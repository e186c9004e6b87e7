// Package network retrieves content from a content-addressed store.
//
// Content is addressed as /<rootID>/<subpath>. Three backends are provided:
// a Kubo RPC client, the ipfs command line, and OCI images produced by
// Publish. Directory listings come in two flavours, a structured link
// listing and a line-oriented one, tried in order by ChainLister.
package network

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotFound means the network confirmed the path does not exist.
	ErrNotFound = errors.New("network: not found")

	// ErrIsDirectory means a file was requested but the path is a directory.
	ErrIsDirectory = errors.New("network: is a directory")

	// ErrUnavailable means the backend could not be reached or used.
	ErrUnavailable = errors.New("network: unavailable")
)

// Fetcher retrieves the bytes at /<rootID>/<subpath>.
type Fetcher interface {
	Cat(ctx context.Context, rootID, subpath string) ([]byte, error)
}

// Link is one directory entry reported by a Lister.
type Link struct {
	Name string
	Dir  bool
	Size int64 // -1 when unknown
}

// Lister lists the directory at /<rootID>/<dir>.
type Lister interface {
	List(ctx context.Context, rootID, dir string) ([]Link, error)
}

// ChainLister tries each Lister in order. The first non-empty listing
// wins; a Lister that fails or returns nothing hands over to the next.
// When every Lister fails the first error is returned.
type ChainLister []Lister

func (c ChainLister) List(ctx context.Context, rootID, dir string) ([]Link, error) {
	var firstErr error
	succeeded := false

	for _, l := range c {
		if l == nil {
			continue
		}
		links, err := l.List(ctx, rootID, dir)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if ctx.Err() != nil {
				break
			}
			continue
		}
		succeeded = true
		if len(links) > 0 {
			return links, nil
		}
	}

	if succeeded {
		return nil, nil
	}
	if firstErr == nil {
		return nil, ErrUnavailable
	}
	return nil, firstErr
}

// ContentPath joins rootID and subpath into /<rootID>/<subpath>.
func ContentPath(rootID, subpath string) string {
	subpath = strings.Trim(subpath, "/")
	if subpath == "" {
		return "/" + rootID
	}
	return "/" + rootID + "/" + subpath
}

// classifyMessage maps the error text of IPFS tooling to sentinel errors.
func classifyMessage(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "is a directory"):
		return ErrIsDirectory
	case strings.Contains(lower, "no link named"),
		strings.Contains(lower, "not found"),
		strings.Contains(lower, "no such file"),
		strings.Contains(lower, "does not exist"):
		return ErrNotFound
	}
	return nil
}
