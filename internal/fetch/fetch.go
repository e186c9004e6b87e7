// Package fetch retrieves files missing from the version store through the
// content network and keeps them in the disk cache.
//
// Concurrent requests for the same cache key share one network fetch: the
// first caller registers the key and fetches, the others poll the cache
// file until it appears or their deadline passes. A fetch that outlives
// its caller's deadline keeps running and still fills the cache.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aweris/hybridfs/internal/cache"
	"github.com/aweris/hybridfs/internal/metrics"
	"github.com/aweris/hybridfs/internal/network"
)

var (
	// ErrTimeout means the request deadline passed before the file was
	// available.
	ErrTimeout = errors.New("fetch: timeout")

	// ErrUpstreamNotFound means the network confirmed the path is absent.
	ErrUpstreamNotFound = errors.New("fetch: not found upstream")

	// ErrUpstreamDirectory means the path names a directory upstream.
	ErrUpstreamDirectory = errors.New("fetch: path is a directory upstream")

	// ErrRemote covers every other network failure.
	ErrRemote = errors.New("fetch: network error")

	// ErrCacheIO means the disk cache could not be read or written.
	ErrCacheIO = errors.New("fetch: cache io")
)

const (
	DefaultTimeout          = 10 * time.Second
	DefaultPollInterval     = 100 * time.Millisecond
	DefaultMaxFetchDuration = 2 * time.Minute
)

// Origin says where an Artifact came from.
type Origin string

const (
	OriginCache   Origin = "cache"
	OriginNetwork Origin = "network"
	OriginWaited  Origin = "waited"
)

// Request names one file inside a content root.
type Request struct {
	Repo   string
	Branch string
	RootID string
	Path   string // relative to the repo scope
}

// Artifact is a resolved file.
type Artifact struct {
	Path   string
	Data   []byte
	Origin Origin
}

// Coordinator serves files from the disk cache, fetching them through a
// network.Fetcher on miss.
type Coordinator struct {
	layout   *cache.Layout
	fetcher  network.Fetcher
	registry *Registry

	timeout  time.Duration
	poll     time.Duration
	maxFetch time.Duration
	log      *zap.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout bounds every Fetch call.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithPollInterval sets how often waiters check the cache.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.poll = d
		}
	}
}

// WithMaxFetchDuration bounds a network fetch once detached from its caller.
func WithMaxFetchDuration(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.maxFetch = d
		}
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// NewCoordinator creates a Coordinator. A nil registry gets a private one.
func NewCoordinator(layout *cache.Layout, fetcher network.Fetcher, registry *Registry, opts ...Option) *Coordinator {
	if registry == nil {
		registry = NewRegistry()
	}
	c := &Coordinator{
		layout:   layout,
		fetcher:  fetcher,
		registry: registry,
		timeout:  DefaultTimeout,
		poll:     DefaultPollInterval,
		maxFetch: DefaultMaxFetchDuration,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch returns the file named by req. Every step shares one deadline set
// at entry.
func (c *Coordinator) Fetch(ctx context.Context, req Request) (*Artifact, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	key, err := c.layout.FilePath(req.Repo, req.Branch, req.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamNotFound, err)
	}

	obs, err := c.layout.Observe(req.Repo, req.Branch, req.RootID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheIO, err)
	}
	if obs == cache.Invalidated {
		metrics.RecordInvalidation()
		c.log.Info("content root changed, cache purged",
			zap.String("repo", req.Repo),
			zap.String("branch", req.Branch),
			zap.String("root", req.RootID),
		)
	}

	if a, err := c.cached(key, req.Path, OriginCache); a != nil || err != nil {
		return a, err
	}

	release, ok := c.registry.TryAcquire(key)
	if !ok {
		return c.wait(ctx, key, req.Path)
	}

	// Another fetch may have completed between the cache check and
	// TryAcquire.
	if a, err := c.cached(key, req.Path, OriginCache); a != nil || err != nil {
		release()
		return a, err
	}

	return c.fetch(ctx, key, req, release)
}

func (c *Coordinator) cached(key, p string, origin Origin) (*Artifact, error) {
	data, ok, err := cache.ReadFile(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheIO, err)
	}
	if !ok {
		return nil, nil
	}
	metrics.RecordFetch(string(origin), 0, 0)
	return &Artifact{Path: p, Data: data, Origin: origin}, nil
}

// wait polls the cache file until it appears or ctx is done.
func (c *Coordinator) wait(ctx context.Context, key, p string) (*Artifact, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			metrics.RecordFetch("timeout", 0, 0)
			return nil, fmt.Errorf("%w: waiting for %s", ErrTimeout, p)
		case <-ticker.C:
			if a, err := c.cached(key, p, OriginWaited); a != nil || err != nil {
				return a, err
			}
		}
	}
}

type result struct {
	data []byte
	err  error
}

// fetch runs the network call in its own goroutine so it can finish and
// fill the cache after ctx expires. release is called when it returns.
func (c *Coordinator) fetch(ctx context.Context, key string, req Request, release func()) (*Artifact, error) {
	done := make(chan result, 1)

	metrics.FetchStarted()
	go func() {
		defer release()
		defer metrics.FetchFinished()

		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.maxFetch)
		defer cancel()

		start := time.Now()
		data, err := c.fetcher.Cat(fctx, req.RootID, req.Path)
		if err != nil {
			err = classify(fctx, err)
		} else if werr := c.layout.WriteFile(key, data); werr != nil {
			err = fmt.Errorf("%w: %v", ErrCacheIO, werr)
		}

		log := c.log.With(
			zap.String("root", req.RootID),
			zap.String("path", req.Path),
			zap.Duration("duration", time.Since(start)),
		)
		if err != nil {
			log.Warn("network fetch failed", zap.Error(err))
			metrics.RecordFetch(outcome(err), 0, time.Since(start))
		} else {
			log.Debug("network fetch complete", zap.Int("bytes", len(data)))
			metrics.RecordFetch(string(OriginNetwork), len(data), time.Since(start))
		}
		done <- result{data: data, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return &Artifact{Path: req.Path, Data: r.data, Origin: OriginNetwork}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: fetching %s", ErrTimeout, req.Path)
	}
}

func classify(ctx context.Context, err error) error {
	var sentinel error
	switch {
	case errors.Is(err, network.ErrNotFound):
		sentinel = ErrUpstreamNotFound
	case errors.Is(err, network.ErrIsDirectory):
		sentinel = ErrUpstreamDirectory
	case ctx.Err() != nil, errors.Is(err, context.DeadlineExceeded):
		sentinel = ErrTimeout
	default:
		sentinel = ErrRemote
	}
	return fmt.Errorf("%w: %v", sentinel, err)
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrUpstreamNotFound):
		return "not_found"
	case errors.Is(err, ErrUpstreamDirectory):
		return "directory"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCacheIO):
		return "cache_io"
	default:
		return "error"
	}
}
