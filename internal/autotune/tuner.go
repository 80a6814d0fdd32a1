package autotune

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/samcharles93/blockquant/internal/kernel"
	"github.com/samcharles93/blockquant/internal/logger"
	"github.com/samcharles93/blockquant/internal/metrics"
)

const (
	defaultWarmup = 1
	defaultReps   = 5

	// bounds how often a caller re-runs a search that another caller's
	// cancellation aborted
	maxSearchRetries = 3
)

// ErrNoViableConfig is returned when every catalogue entry was skipped.
var ErrNoViableConfig = errors.New("autotune: no viable configuration")

// RunFunc executes the kernel once with cfg. It returns an error wrapping
// kernel.ErrResourceLimit when cfg cannot run on the shape being tuned.
type RunFunc func(ctx context.Context, cfg kernel.Config) error

// Options configures a Tuner. Zero values select defaults; a negative Warmup
// disables warm-up runs.
type Options struct {
	Warmup    int
	Reps      int
	Catalogue []kernel.Config
	Logger    logger.Logger
}

// Tuner benchmarks the catalogue on a cache miss and remembers the fastest
// configuration per shape.
type Tuner struct {
	cache     *Cache
	warmup    int
	reps      int
	catalogue []kernel.Config
	log       logger.Logger

	// one search at a time keeps timings comparable
	searchMu sync.Mutex
}

func NewTuner(cache *Cache, opts Options) *Tuner {
	if cache == nil {
		cache = NewCache()
	}
	if opts.Warmup < 0 {
		opts.Warmup = 0
	} else if opts.Warmup == 0 {
		opts.Warmup = defaultWarmup
	}
	if opts.Reps <= 0 {
		opts.Reps = defaultReps
	}
	if len(opts.Catalogue) == 0 {
		opts.Catalogue = kernel.Catalogue()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	return &Tuner{
		cache:     cache,
		warmup:    opts.Warmup,
		reps:      opts.Reps,
		catalogue: slices.Clone(opts.Catalogue),
		log:       opts.Logger.With("component", "autotune"),
	}
}

func (t *Tuner) Cache() *Cache {
	return t.cache
}

// Select returns the tuned configuration for key, benchmarking the
// catalogue through run if the shape has not been seen before.
//
// Concurrent callers missing on the same key share one search, which runs
// under the context of whichever caller started it. When that caller is
// cancelled the others search again under their own context.
func (t *Tuner) Select(ctx context.Context, key Key, run RunFunc) (kernel.Config, error) {
	for attempt := 0; ; attempt++ {
		e, hit, err := t.cache.GetOrCompute(key, func() (Entry, error) {
			return t.search(ctx, key, run)
		})
		if err != nil {
			if isContextErr(err) && ctx.Err() == nil && attempt < maxSearchRetries {
				t.log.Debug("shared search cancelled, retrying", "shape", key.String(), "attempt", attempt+1)
				continue
			}
			return kernel.Config{}, err
		}
		if hit {
			metrics.AutotuneCacheHits.Inc()
		}
		return e.Config, nil
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (t *Tuner) search(ctx context.Context, key Key, run RunFunc) (Entry, error) {
	t.searchMu.Lock()
	defer t.searchMu.Unlock()

	metrics.AutotuneSearches.Inc()
	start := time.Now()

	best := Entry{Elapsed: -1}
	for _, cfg := range t.catalogue {
		if err := ctx.Err(); err != nil {
			return Entry{}, err
		}
		elapsed, err := t.measure(ctx, cfg, run)
		if errors.Is(err, kernel.ErrResourceLimit) {
			metrics.AutotuneSkipped.Inc()
			t.log.Debug("skipping configuration", "shape", key.String(), "config", cfg.String(), "reason", err)
			continue
		}
		if err != nil {
			return Entry{}, fmt.Errorf("autotune %s (%s): %w", key, cfg, err)
		}
		if best.Elapsed < 0 || elapsed < best.Elapsed {
			best = Entry{Config: cfg, Elapsed: elapsed}
		}
	}
	if best.Elapsed < 0 {
		return Entry{}, fmt.Errorf("%w for shape %s", ErrNoViableConfig, key)
	}

	t.log.Info("tuned configuration",
		"shape", key.String(),
		"config", best.Config.String(),
		"median", best.Elapsed,
		"search", time.Since(start),
	)
	return best, nil
}

// measure runs cfg warmup times, then reps timed times, and returns the
// median.
func (t *Tuner) measure(ctx context.Context, cfg kernel.Config, run RunFunc) (time.Duration, error) {
	for range t.warmup {
		if err := run(ctx, cfg); err != nil {
			return 0, err
		}
	}
	times := make([]time.Duration, t.reps)
	for i := range times {
		start := time.Now()
		if err := run(ctx, cfg); err != nil {
			return 0, err
		}
		times[i] = time.Since(start)
	}
	slices.Sort(times)
	return times[len(times)/2], nil
}
