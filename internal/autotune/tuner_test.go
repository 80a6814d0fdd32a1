package autotune

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samcharles93/blockquant/internal/kernel"
)

func TestSelectCachesPerShape(t *testing.T) {
	t.Parallel()
	cache := NewCache()
	tuner := NewTuner(cache, Options{Warmup: 1, Reps: 3})
	var calls atomic.Int64
	run := func(context.Context, kernel.Config) error {
		calls.Add(1)
		return nil
	}

	key := Key{Batch: 2, M: 4, N: 4}
	first, err := tuner.Select(context.Background(), key, run)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	want := int64(len(kernel.Catalogue()) * 4)
	if got := calls.Load(); got != want {
		t.Fatalf("search ran %d times, want %d", got, want)
	}

	second, err := tuner.Select(context.Background(), key, run)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if second != first {
		t.Fatalf("cached config %s != %s", second, first)
	}
	if got := calls.Load(); got != want {
		t.Fatalf("cache hit ran the kernel: %d calls", got)
	}

	if _, err := tuner.Select(context.Background(), Key{Batch: 2, M: 4, N: 8}, run); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if cache.Len() != 2 {
		t.Fatalf("cache holds %d entries, want 2", cache.Len())
	}
}

func TestSelectSkipsResourceLimitedConfigs(t *testing.T) {
	t.Parallel()
	catalogue := []kernel.Config{
		{ChunkK: 128, Stages: 4, Width: 8},
		{ChunkK: 16, Stages: 2, Width: 2},
	}
	tuner := NewTuner(nil, Options{Warmup: -1, Reps: 1, Catalogue: catalogue})
	run := func(_ context.Context, cfg kernel.Config) error {
		if cfg.Width == 8 {
			return fmt.Errorf("%w: too wide", kernel.ErrResourceLimit)
		}
		return nil
	}
	got, err := tuner.Select(context.Background(), Key{Batch: 1, M: 2, N: 2}, run)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got != catalogue[1] {
		t.Fatalf("selected %s, want %s", got, catalogue[1])
	}
}

func TestSelectNoViableConfig(t *testing.T) {
	t.Parallel()
	tuner := NewTuner(nil, Options{Reps: 1})
	run := func(context.Context, kernel.Config) error {
		return kernel.ErrResourceLimit
	}
	key := Key{Batch: 1, M: 2, N: 2}
	if _, err := tuner.Select(context.Background(), key, run); !errors.Is(err, ErrNoViableConfig) {
		t.Fatalf("err = %v, want ErrNoViableConfig", err)
	}
	if _, ok := tuner.Cache().Get(key); ok {
		t.Fatal("failed search was cached")
	}
}

func TestSelectPropagatesRunErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	tuner := NewTuner(nil, Options{Reps: 1})
	_, err := tuner.Select(context.Background(), Key{Batch: 1, M: 2, N: 2}, func(context.Context, kernel.Config) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestSelectHonoursCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tuner := NewTuner(nil, Options{Reps: 1})
	_, err := tuner.Select(ctx, Key{Batch: 1, M: 2, N: 2}, func(context.Context, kernel.Config) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestSelectSurvivesCancelledLeader(t *testing.T) {
	t.Parallel()
	tuner := NewTuner(nil, Options{
		Warmup:    -1,
		Reps:      1,
		Catalogue: []kernel.Config{{ChunkK: 16, Stages: 1, Width: 1}},
	})
	key := Key{Batch: 3, M: 4, N: 4}

	leaderCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan struct{})
	var calls atomic.Int64
	run := func(ctx context.Context, _ kernel.Config) error {
		if calls.Add(1) == 1 {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}

	leaderErr := make(chan error, 1)
	go func() {
		_, err := tuner.Select(leaderCtx, key, run)
		leaderErr <- err
	}()
	<-started

	followerErr := make(chan error, 1)
	go func() {
		_, err := tuner.Select(context.Background(), key, run)
		followerErr <- err
	}()
	// Give the second caller time to join the running search.
	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("leader err = %v, want context.Canceled", err)
	}
	if err := <-followerErr; err != nil {
		t.Fatalf("follower err = %v, want a tuned config", err)
	}
	if _, ok := tuner.Cache().Get(key); !ok {
		t.Fatal("follower's search was not cached")
	}
}

func TestGetOrComputeSingleFlight(t *testing.T) {
	t.Parallel()
	cache := NewCache()
	var computes atomic.Int64
	release := make(chan struct{})
	key := Key{Batch: 4, M: 8, N: 8}

	var wg sync.WaitGroup
	results := make([]Entry, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, _, err := cache.GetOrCompute(key, func() (Entry, error) {
				computes.Add(1)
				<-release
				return Entry{Config: kernel.Config{ChunkK: 32, Stages: 2, Width: 4}}, nil
			})
			if err != nil {
				t.Error(err)
			}
			results[i] = e
		}()
	}
	close(release)
	wg.Wait()

	if n := computes.Load(); n != 1 {
		t.Fatalf("compute ran %d times", n)
	}
	for i, e := range results {
		if e.Config.ChunkK != 32 {
			t.Fatalf("result %d = %+v", i, e)
		}
	}
	_, hit, err := cache.GetOrCompute(key, func() (Entry, error) {
		t.Fatal("compute called on a warm cache")
		return Entry{}, nil
	})
	if err != nil || !hit {
		t.Fatalf("warm lookup: hit=%v err=%v", hit, err)
	}

	cache.Reset()
	if cache.Len() != 0 {
		t.Fatal("Reset left entries behind")
	}
}
