package hybridfs

import (
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/aweris/hybridfs/internal/fetch"
	"github.com/aweris/hybridfs/internal/network"
)

const (
	DefaultBranch       = "main"
	DefaultManifestName = "manifest.yaml"
)

// Options configures a Gateway.
type Options struct {
	RepoPath         string
	CacheDir         string
	Fetcher          network.Fetcher
	Lister           network.Lister
	Timeout          time.Duration
	PollInterval     time.Duration
	MaxFetchDuration time.Duration
	ManifestName     string
	DefaultBranch    string
	DefaultRepo      string
	Logger           *zap.Logger
	Registry         *fetch.Registry
	MissHandler      MissHandler
}

// Option is a functional option for configuring New.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		CacheDir:         defaultCacheDir(),
		Timeout:          fetch.DefaultTimeout,
		PollInterval:     fetch.DefaultPollInterval,
		MaxFetchDuration: fetch.DefaultMaxFetchDuration,
		ManifestName:     DefaultManifestName,
		DefaultBranch:    DefaultBranch,
		Logger:           zap.NewNop(),
	}
}

// WithRepository sets the git repository serving as version store.
func WithRepository(path string) Option {
	return func(o *Options) { o.RepoPath = path }
}

// WithCacheDir sets the disk cache root.
func WithCacheDir(dir string) Option {
	return func(o *Options) { o.CacheDir = dir }
}

// WithNetwork enables the fallback through fetcher. Directory listings use
// listers in order; when none are given and fetcher can list, it is used.
func WithNetwork(fetcher network.Fetcher, listers ...network.Lister) Option {
	return func(o *Options) {
		o.Fetcher = fetcher
		switch {
		case len(listers) == 1:
			o.Lister = listers[0]
		case len(listers) > 1:
			o.Lister = network.ChainLister(listers)
		default:
			if l, ok := fetcher.(network.Lister); ok {
				o.Lister = l
			}
		}
	}
}

// WithTimeout sets the per-request fallback budget.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.Timeout = d
		}
	}
}

// WithPollInterval sets how often waiting requests check the cache.
func WithPollInterval(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.PollInterval = d
		}
	}
}

// WithMaxFetchDuration bounds a network fetch that outlives its request.
func WithMaxFetchDuration(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.MaxFetchDuration = d
		}
	}
}

// WithManifestName sets the sidecar file name at the branch root.
func WithManifestName(name string) Option {
	return func(o *Options) {
		if name != "" {
			o.ManifestName = name
		}
	}
}

// WithDefaultBranch sets the branch used when a request names none.
func WithDefaultBranch(branch string) Option {
	return func(o *Options) {
		if branch != "" {
			o.DefaultBranch = branch
		}
	}
}

// WithDefaultRepo sets the repo used when a request names none.
func WithDefaultRepo(repo string) Option {
	return func(o *Options) { o.DefaultRepo = repo }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithRegistry shares an in-flight fetch registry between gateways.
func WithRegistry(r *fetch.Registry) Option {
	return func(o *Options) { o.Registry = r }
}

// WithMissHandler installs the handler for misses no manifest covers.
func WithMissHandler(h MissHandler) Option {
	return func(o *Options) { o.MissHandler = h }
}

func defaultCacheDir() string {
	if xdgCache := os.Getenv("XDG_CACHE_HOME"); xdgCache != "" {
		return filepath.Join(xdgCache, "hybridfs")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "hybridfs")
	}
	return ".hybridfs"
}
