package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/google/go-containerregistry/pkg/v1/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/aweris/hybridfs/internal/metrics"
)

const (
	DefaultConcurrency = 4

	// IndexLabel names the image config label that holds the digest of the
	// path index blob.
	IndexLabel = "dev.hybridfs.index"

	defaultSnapshotCache = 16
)

// OCI serves content from images pushed by Publish. The rootID of a
// request is the image reference; pinning it by digest makes the root
// immutable.
type OCI struct {
	auth        Authenticator
	concurrency int
	options     []remote.Option
	log         *zap.Logger

	group     singleflight.Group
	snapshots *lru.Cache[string, *snapshot]
}

// OCIOption configures an OCI backend.
type OCIOption func(*OCI)

// WithAuth sets the registry credentials.
func WithAuth(auth Authenticator) OCIOption {
	return func(o *OCI) { o.auth = auth }
}

// WithConcurrency sets the number of parallel layer transfers.
func WithConcurrency(n int) OCIOption {
	return func(o *OCI) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithLogger sets the logger used for transfers.
func WithLogger(l *zap.Logger) OCIOption {
	return func(o *OCI) {
		if l != nil {
			o.log = l
		}
	}
}

// WithRemoteOptions appends go-containerregistry remote options, such as
// a custom transport.
func WithRemoteOptions(opts ...remote.Option) OCIOption {
	return func(o *OCI) { o.options = append(o.options, opts...) }
}

// NewOCI creates an OCI backend.
func NewOCI(opts ...OCIOption) *OCI {
	// lru.New fails only for a non-positive size.
	snapshots, _ := lru.New[string, *snapshot](defaultSnapshotCache)
	o := &OCI{
		concurrency: DefaultConcurrency,
		log:         zap.NewNop(),
		snapshots:   snapshots,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// snapshot is the fully downloaded content of one image.
type snapshot struct {
	index   map[string]string // path -> blob digest
	objects map[string][]byte // blob digest -> data
}

func (s *snapshot) file(p string) ([]byte, bool) {
	digest, ok := s.index[p]
	if !ok {
		return nil, false
	}
	data, ok := s.objects[digest]
	return data, ok
}

func (s *snapshot) isDir(p string) bool {
	if p == "" {
		return true
	}
	prefix := p + "/"
	for k := range s.index {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

// Cat implements Fetcher.
func (o *OCI) Cat(ctx context.Context, rootID, subpath string) ([]byte, error) {
	snap, err := o.snapshot(ctx, rootID)
	if err != nil {
		return nil, err
	}
	p := strings.Trim(subpath, "/")
	if data, ok := snap.file(p); ok {
		return data, nil
	}
	if snap.isDir(p) {
		return nil, fmt.Errorf("%w: %s", ErrIsDirectory, ContentPath(rootID, p))
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, ContentPath(rootID, p))
}

// List implements Lister with the immediate children of dir.
func (o *OCI) List(ctx context.Context, rootID, dir string) ([]Link, error) {
	snap, err := o.snapshot(ctx, rootID)
	if err != nil {
		return nil, err
	}
	dir = strings.Trim(dir, "/")
	if !snap.isDir(dir) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ContentPath(rootID, dir))
	}

	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}
	seen := make(map[string]bool)
	var links []Link
	for p, digest := range snap.index {
		rest, ok := strings.CutPrefix(p, prefix)
		if !ok || rest == "" {
			continue
		}
		child, _, nested := strings.Cut(rest, "/")
		if seen[child] {
			continue
		}
		seen[child] = true
		if nested {
			links = append(links, Link{Name: child, Dir: true, Size: -1})
			continue
		}
		links = append(links, Link{Name: child, Size: int64(len(snap.objects[digest]))})
	}
	sort.Slice(links, func(i, j int) bool { return links[i].Name < links[j].Name })
	return links, nil
}

// Forget drops the cached snapshot of rootID.
func (o *OCI) Forget(rootID string) {
	o.snapshots.Remove(rootID)
}

func (o *OCI) snapshot(ctx context.Context, rootID string) (*snapshot, error) {
	if snap, ok := o.snapshots.Get(rootID); ok {
		return snap, nil
	}
	v, err, _ := o.group.Do(rootID, func() (any, error) {
		if snap, ok := o.snapshots.Get(rootID); ok {
			return snap, nil
		}
		start := time.Now()
		snap, err := o.load(ctx, rootID)
		metrics.RecordSnapshotLoad(time.Since(start), err == nil)
		if err != nil {
			return nil, err
		}
		o.snapshots.Add(rootID, snap)
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*snapshot), nil
}

func (o *OCI) load(ctx context.Context, rootID string) (*snapshot, error) {
	ref, err := name.ParseReference(rootID, name.WithDefaultTag("latest"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid image ref %q: %v", ErrNotFound, rootID, err)
	}

	var img v1.Image
	err = withRetry(ctx, 3, func() (err error) {
		img, err = remote.Image(ref, o.remoteOptions(ctx, ref)...)
		return err
	})
	if err != nil {
		return nil, classifyRegistryError(ctx, err)
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("get config: %w", err)
	}
	indexDigest := cfg.Config.Labels[IndexLabel]
	if indexDigest == "" {
		return nil, fmt.Errorf("%w: %s has no %s label", ErrNotFound, rootID, IndexLabel)
	}

	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("get layers: %w", err)
	}

	o.log.Debug("oci: downloading layers",
		zap.String("ref", ref.String()),
		zap.Int("layers", len(layers)),
	)

	var mu sync.Mutex
	blobs := make(map[string][]byte)

	p := pool.New().WithMaxGoroutines(o.concurrency).WithContext(ctx).WithCancelOnError()
	for _, layer := range layers {
		p.Go(func(ctx context.Context) error {
			rc, err := layer.Uncompressed()
			if err != nil {
				return fmt.Errorf("read layer: %w", err)
			}
			payload, err := io.ReadAll(rc)
			if cerr := rc.Close(); cerr != nil && err == nil {
				err = cerr
			}
			if err != nil {
				return fmt.Errorf("read layer: %w", err)
			}

			got := make(map[string][]byte)
			if err := decodeLayer(payload, got); err != nil {
				return fmt.Errorf("decode layer: %w", err)
			}
			mu.Lock()
			maps.Copy(blobs, got)
			mu.Unlock()
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	snap, err := openSnapshot(indexDigest, blobs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rootID, err)
	}
	return snap, nil
}

// Publish pushes files as an image to ref and returns the digest
// reference to use as rootID.
func (o *OCI) Publish(ctx context.Context, ref string, files map[string][]byte) (string, error) {
	tag, err := name.ParseReference(ref, name.WithDefaultTag("latest"))
	if err != nil {
		return "", fmt.Errorf("invalid image ref %q: %w", ref, err)
	}

	b, err := newBundle(files)
	if err != nil {
		return "", err
	}

	payloads := b.layers()
	layers := make([]v1.Layer, 0, len(payloads))
	var rawBytes, packedBytes int64
	for _, payload := range payloads {
		layer, err := newZstdLayer(payload)
		if err != nil {
			return "", fmt.Errorf("build layer: %w", err)
		}
		rawBytes += int64(len(payload))
		packedBytes += int64(len(layer.compressed))
		layers = append(layers, layer)
	}

	o.log.Info("oci: publishing",
		zap.String("ref", tag.String()),
		zap.Int("files", len(b.index)),
		zap.Int("blobs", len(b.blobs)-1),
		zap.Int("layers", len(layers)),
		zap.Int64("raw_bytes", rawBytes),
		zap.Int64("compressed_bytes", packedBytes),
	)

	img, err := buildImage(layers, b.indexDigest)
	if err != nil {
		return "", fmt.Errorf("build image: %w", err)
	}

	options := append(o.remoteOptions(ctx, tag), remote.WithJobs(o.concurrency))
	if err := withRetry(ctx, 3, func() error {
		return remote.Write(tag, img, options...)
	}); err != nil {
		return "", fmt.Errorf("push image: %w", err)
	}

	digest, err := img.Digest()
	if err != nil {
		return "", fmt.Errorf("image digest: %w", err)
	}
	return tag.Context().Digest(digest.String()).String(), nil
}

func buildImage(layers []v1.Layer, indexDigest string) (v1.Image, error) {
	img, err := mutate.AppendLayers(empty.Image, layers...)
	if err != nil {
		return nil, err
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, err
	}
	cfg = cfg.DeepCopy()
	cfg.Config.Labels = map[string]string{IndexLabel: indexDigest}

	return mutate.ConfigFile(img, cfg)
}

func (o *OCI) remoteOptions(ctx context.Context, ref name.Reference) []remote.Option {
	opts := []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(keychainFor(o.auth, ref.Context().RegistryStr())),
	}
	return append(opts, o.options...)
}

func classifyRegistryError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var terr *transport.Error
	if errors.As(err, &terr) && terr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// zstdLayer is an in-memory v1.Layer holding a zstd compressed payload.
type zstdLayer struct {
	raw, compressed []byte
	digest, diffID  v1.Hash
}

var zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))

func newZstdLayer(raw []byte) (*zstdLayer, error) {
	l := &zstdLayer{raw: raw, compressed: zstdEncoder.EncodeAll(raw, nil)}
	var err error
	if l.digest, _, err = v1.SHA256(bytes.NewReader(l.compressed)); err != nil {
		return nil, err
	}
	if l.diffID, _, err = v1.SHA256(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *zstdLayer) Digest() (v1.Hash, error)            { return l.digest, nil }
func (l *zstdLayer) DiffID() (v1.Hash, error)            { return l.diffID, nil }
func (l *zstdLayer) Size() (int64, error)                { return int64(len(l.compressed)), nil }
func (l *zstdLayer) MediaType() (types.MediaType, error) { return types.OCILayerZStd, nil }

func (l *zstdLayer) Compressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.compressed)), nil
}

func (l *zstdLayer) Uncompressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.raw)), nil
}

// withRetry calls fn up to attempts times, doubling a 500ms pause between
// calls. Errors that cannot succeed later end the loop early.
func withRetry(ctx context.Context, attempts int, fn func() error) error {
	pause := 500 * time.Millisecond
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		pause *= 2
	}
	return err
}

// retryable reports whether err may succeed on a later attempt. Registry
// answers in the 4xx range are final.
func retryable(err error) bool {
	var terr *transport.Error
	if errors.As(err, &terr) {
		return terr.StatusCode == 0 || terr.StatusCode >= 500 || terr.StatusCode == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
