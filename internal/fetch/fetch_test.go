package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/aweris/hybridfs/internal/cache"
	"github.com/aweris/hybridfs/internal/network"
)

type fakeFetcher struct {
	calls atomic.Int32
	delay time.Duration
	gate  chan struct{}
	files map[string][]byte
	err   error
}

func (f *fakeFetcher) Cat(ctx context.Context, rootID, subpath string) ([]byte, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.files[rootID+"/"+subpath]
	if !ok {
		return nil, fmt.Errorf("%w: %s", network.ErrNotFound, subpath)
	}
	return data, nil
}

func newLayout(t *testing.T) *cache.Layout {
	t.Helper()
	l, err := cache.NewLayout(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func eventually(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestFetchSingleFlight(t *testing.T) {
	f := &fakeFetcher{
		delay: 150 * time.Millisecond,
		files: map[string][]byte{"CID1/docs/a.md": []byte("alpha")},
	}
	reg := NewRegistry()
	c := NewCoordinator(newLayout(t), f, reg,
		WithTimeout(5*time.Second),
		WithPollInterval(5*time.Millisecond),
	)

	const n = 20
	var (
		wg      conc.WaitGroup
		mu      sync.Mutex
		origins = map[Origin]int{}
	)
	req := Request{Branch: "main", RootID: "CID1", Path: "docs/a.md"}
	for range n {
		wg.Go(func() {
			a, err := c.Fetch(context.Background(), req)
			if err != nil {
				t.Errorf("Fetch: %v", err)
				return
			}
			if string(a.Data) != "alpha" {
				t.Errorf("Data = %q", a.Data)
			}
			mu.Lock()
			origins[a.Origin]++
			mu.Unlock()
		})
	}
	wg.Wait()

	if got := f.calls.Load(); got != 1 {
		t.Errorf("network calls = %d, want 1", got)
	}
	if origins[OriginNetwork] != 1 {
		t.Errorf("origins = %v, want exactly one network fetch", origins)
	}
	if reg.Len() != 0 {
		t.Errorf("registry holds %d keys after completion", reg.Len())
	}
}

func TestFetchIdempotent(t *testing.T) {
	f := &fakeFetcher{files: map[string][]byte{"CID1/a.txt": []byte("one")}}
	c := NewCoordinator(newLayout(t), f, nil)
	req := Request{Repo: "site", Branch: "main", RootID: "CID1", Path: "a.txt"}

	first, err := c.Fetch(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Fetch(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if first.Origin != OriginNetwork || second.Origin != OriginCache {
		t.Errorf("origins = %s, %s", first.Origin, second.Origin)
	}
	if !bytes.Equal(first.Data, second.Data) {
		t.Errorf("data differs: %q vs %q", first.Data, second.Data)
	}
	if got := f.calls.Load(); got != 1 {
		t.Errorf("network calls = %d, want 1", got)
	}
}

func TestFetchTimeoutKeepsFilling(t *testing.T) {
	gate := make(chan struct{})
	f := &fakeFetcher{gate: gate, files: map[string][]byte{"CID1/slow.bin": []byte("late")}}
	layout := newLayout(t)
	reg := NewRegistry()
	c := NewCoordinator(layout, f, reg, WithTimeout(50*time.Millisecond))
	req := Request{Branch: "main", RootID: "CID1", Path: "slow.bin"}

	start := time.Now()
	_, err := c.Fetch(context.Background(), req)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Fetch took %v, deadline not honoured", elapsed)
	}
	if !reg.InFlight(mustKey(t, layout, req)) {
		t.Fatal("fetch should still be registered")
	}

	close(gate)
	eventually(t, 2*time.Second, func() bool { return reg.Len() == 0 })

	a, err := c.Fetch(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if a.Origin != OriginCache || string(a.Data) != "late" {
		t.Errorf("after detach: origin=%s data=%q", a.Origin, a.Data)
	}
}

func TestFetchWaiterTimeout(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	f := &fakeFetcher{gate: gate, files: map[string][]byte{"CID1/x": []byte("x")}}
	layout := newLayout(t)
	reg := NewRegistry()
	req := Request{Branch: "main", RootID: "CID1", Path: "x"}

	release, _ := reg.TryAcquire(mustKey(t, layout, req))
	defer release()

	c := NewCoordinator(layout, f, reg, WithTimeout(40*time.Millisecond), WithPollInterval(5*time.Millisecond))
	if _, err := c.Fetch(context.Background(), req); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if got := f.calls.Load(); got != 0 {
		t.Errorf("waiter called the network %d times", got)
	}
}

func TestFetchErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		path string
		want error
	}{
		{"not found", nil, "missing.txt", ErrUpstreamNotFound},
		{"directory", fmt.Errorf("%w: docs", network.ErrIsDirectory), "docs", ErrUpstreamDirectory},
		{"remote", errors.New("connection reset"), "a.txt", ErrRemote},
		{"escape", nil, "../secret", ErrUpstreamNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFetcher{err: tt.err}
			reg := NewRegistry()
			c := NewCoordinator(newLayout(t), f, reg)
			_, err := c.Fetch(context.Background(), Request{Branch: "main", RootID: "CID1", Path: tt.path})
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			eventually(t, time.Second, func() bool { return reg.Len() == 0 })
		})
	}
}

func TestFetchRootChangePurgesFiles(t *testing.T) {
	f := &fakeFetcher{files: map[string][]byte{
		"CID1/a.txt": []byte("old"),
		"CID2/a.txt": []byte("new"),
	}}
	layout := newLayout(t)
	c := NewCoordinator(layout, f, nil)

	if _, err := c.Fetch(context.Background(), Request{Branch: "main", RootID: "CID1", Path: "a.txt"}); err != nil {
		t.Fatal(err)
	}
	a, err := c.Fetch(context.Background(), Request{Branch: "main", RootID: "CID2", Path: "a.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if string(a.Data) != "new" || a.Origin != OriginNetwork {
		t.Errorf("got %q from %s, want new from network", a.Data, a.Origin)
	}

	key := mustKey(t, layout, Request{Branch: "main", Path: "a.txt"})
	data, err := os.ReadFile(key)
	if err != nil || string(data) != "new" {
		t.Errorf("cache file = %q, %v", data, err)
	}
}

func mustKey(t *testing.T, l *cache.Layout, req Request) string {
	t.Helper()
	key, err := l.FilePath(req.Repo, req.Branch, req.Path)
	if err != nil {
		t.Fatal(err)
	}
	return key
}
