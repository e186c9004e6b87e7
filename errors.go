package hybridfs

import (
	"errors"

	"github.com/aweris/hybridfs/internal/fetch"
	"github.com/aweris/hybridfs/internal/gitstore"
)

var (
	ErrNotFoundLocal    = errors.New("hybridfs: not found in version store")
	ErrNotFoundUpstream = fetch.ErrUpstreamNotFound
	ErrFetchTimeout     = fetch.ErrTimeout
	ErrFetchError       = fetch.ErrRemote
	ErrStoreCorruption  = gitstore.ErrCorrupt
	ErrCacheIO          = fetch.ErrCacheIO
	ErrManifestParse    = errors.New("hybridfs: malformed manifest")
	ErrRepoNotFound     = errors.New("hybridfs: repository not found")
	ErrNoRepository     = errors.New("hybridfs: no repository configured")
)
