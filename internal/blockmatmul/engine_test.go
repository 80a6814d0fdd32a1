package blockmatmul

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/x448/float16"

	"github.com/samcharles93/blockquant/internal/autotune"
	"github.com/samcharles93/blockquant/internal/kernel"
	"github.com/samcharles93/blockquant/internal/reference"
	"github.com/samcharles93/blockquant/internal/tensor"
)

type countingLauncher struct {
	inner    kernel.Launcher
	launches atomic.Int64
}

func (c *countingLauncher) Launch(grid kernel.Grid, program kernel.Program) {
	c.launches.Add(1)
	c.inner.Launch(grid, program)
}

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.Launcher == nil {
		opts.Launcher = &kernel.Serial{}
	}
	e, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

// smallIntInputs fills B and C with small integers so every product and sum
// is exact at half precision.
func smallIntInputs(batch, m, n int, seed int64) (tensor.Batch, tensor.Mat) {
	rng := rand.New(rand.NewSource(seed))
	b := tensor.NewBatch(batch, m, n)
	for i := range b.Data {
		b.Data[i] = float16.Fromfloat32(float32(rng.Intn(7) - 3))
	}
	c := tensor.NewMat(n, n)
	for i := range c.Data {
		c.Data[i] = float16.Fromfloat32(float32(rng.Intn(5) - 2))
	}
	return b, c
}

func TestExecuteOnesTimesIdentity(t *testing.T) {
	t.Parallel()
	wantScale := float16.Fromfloat32(1.0 / 7).Float32()
	for _, mode := range []Mode{ModeFused, ModeUnfused} {
		e := newTestEngine(t, Options{Mode: mode})
		b := tensor.NewBatch(2, 4, 4)
		b.Fill(1)
		c := tensor.Identity(4)

		out, err := e.Execute(context.Background(), &b, &c, 1)
		if err != nil {
			t.Fatalf("%s: Execute: %v", mode, err)
		}
		if len(out.Data) != 2*4*2 {
			t.Fatalf("%s: packed length %d", mode, len(out.Data))
		}
		for i, v := range out.Data {
			if v != 0x77 {
				t.Fatalf("%s: byte %d = %#02x, want 0x77", mode, i, v)
			}
		}
		for bi := 0; bi < 2; bi++ {
			if got := out.Scale(bi); got != wantScale {
				t.Fatalf("%s: scale[%d] = %v, want %v", mode, bi, got, wantScale)
			}
		}
	}
}

func TestFusedMatchesReference(t *testing.T) {
	t.Parallel()
	shapes := []struct{ batch, m, n, seq int }{
		{1, 1, 2, 1},
		{4, 3, 6, 2},
		{6, 5, 10, 3},
		{8, 16, 32, 4},
		{3, 7, 34, 3},
	}
	pool := kernel.NewPool(3)
	t.Cleanup(pool.Close)
	e := newTestEngine(t, Options{Mode: ModeFused, Launcher: pool})
	for _, s := range shapes {
		b := tensor.NewBatch(s.batch, s.m, s.n)
		b.FillRand(int64(s.batch*1000 + s.m*10 + s.n))
		c := tensor.NewMat(s.n, s.n)
		c.FillRand(int64(s.n))

		got, err := e.Execute(context.Background(), &b, &c, s.seq)
		if err != nil {
			t.Fatalf("%+v: Execute: %v", s, err)
		}
		want, err := reference.Compute(&b, &c)
		if err != nil {
			t.Fatalf("%+v: reference: %v", s, err)
		}
		if !got.Equal(want) {
			t.Fatalf("%+v: fused result differs from reference", s)
		}
	}
}

func TestFusedAndUnfusedAgree(t *testing.T) {
	t.Parallel()

	random := func() (tensor.Batch, tensor.Mat) {
		b := tensor.NewBatch(4, 8, 16)
		b.FillRand(11)
		c := tensor.NewMat(16, 16)
		c.FillRand(12)
		return b, c
	}
	// Products far above the half-precision maximum.
	overflow := func() (tensor.Batch, tensor.Mat) {
		b := tensor.NewBatch(1, 2, 2)
		b.Set(0, 0, 0, 300)
		b.Set(0, 1, 0, 100)
		c := tensor.NewMat(2, 2)
		c.Set(0, 0, 300)
		c.Set(0, 1, 300)
		return b, c
	}
	// Sums of 2^-14 * 2^-14, below the smallest half-precision value.
	underflow := func() (tensor.Batch, tensor.Mat) {
		b := tensor.NewBatch(2, 2, 2)
		b.Fill(float32(math.Ldexp(1, -14)))
		c := tensor.NewMat(2, 2)
		for i := range c.Data {
			c.Data[i] = float16.Fromfloat32(float32(math.Ldexp(1, -14)))
		}
		return b, c
	}

	tests := []struct {
		name   string
		inputs func() (tensor.Batch, tensor.Mat)
		seqLen int
	}{
		{"small integers", func() (tensor.Batch, tensor.Mat) { return smallIntInputs(6, 5, 12, 7) }, 3},
		{"random", random, 2},
		{"overflow", overflow, 1},
		{"underflow", underflow, 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fused := newTestEngine(t, Options{Mode: ModeFused})
			unfused := newTestEngine(t, Options{Mode: ModeUnfused})
			b, c := tc.inputs()
			f, err := fused.Execute(context.Background(), &b, &c, tc.seqLen)
			if err != nil {
				t.Fatal(err)
			}
			u, err := unfused.Execute(context.Background(), &b, &c, tc.seqLen)
			if err != nil {
				t.Fatal(err)
			}
			if !f.Equal(u) {
				t.Fatalf("fused %x / %v, unfused %x / %v", f.Data, f.Scales, u.Data, u.Scales)
			}
			ref, err := reference.Compute(&b, &c)
			if err != nil {
				t.Fatal(err)
			}
			if !f.Equal(ref) {
				t.Fatalf("fused %x / %v, reference %x / %v", f.Data, f.Scales, ref.Data, ref.Scales)
			}
		})
	}
}

func TestLargeProductsKeepFiniteScale(t *testing.T) {
	t.Parallel()
	b := tensor.NewBatch(1, 2, 2)
	b.Set(0, 0, 0, 300)
	b.Set(0, 1, 0, 100)
	c := tensor.NewMat(2, 2)
	c.Set(0, 0, 300)
	c.Set(0, 1, 300)

	for _, mode := range []Mode{ModeFused, ModeUnfused} {
		e := newTestEngine(t, Options{Mode: mode})
		out, err := e.Execute(context.Background(), &b, &c, 1)
		if err != nil {
			t.Fatalf("%s: %v", mode, err)
		}
		// 90000 and 30000 against a scale of 90000/7.
		if want := []uint8{0x77, 0x22}; out.Data[0] != want[0] || out.Data[1] != want[1] {
			t.Fatalf("%s: packed = %x, want %x", mode, out.Data, want)
		}
		if s := out.Scale(0); math.IsInf(float64(s), 0) || s != float16.Fromfloat32(90000.0/7).Float32() {
			t.Fatalf("%s: scale = %v", mode, s)
		}
	}
}

func TestTinyProductsStoreZeroScaleAndValues(t *testing.T) {
	t.Parallel()
	b := tensor.NewBatch(1, 2, 2)
	b.Fill(float32(math.Ldexp(1, -14)))
	c := tensor.NewMat(2, 2)
	for i := range c.Data {
		c.Data[i] = float16.Fromfloat32(float32(math.Ldexp(1, -14)))
	}
	for _, mode := range []Mode{ModeFused, ModeUnfused} {
		e := newTestEngine(t, Options{Mode: mode})
		out, err := e.Execute(context.Background(), &b, &c, 1)
		if err != nil {
			t.Fatalf("%s: %v", mode, err)
		}
		if out.Scales[0].Bits() != 0 {
			t.Fatalf("%s: scale = %v, want 0", mode, out.Scale(0))
		}
		for i, v := range out.Data {
			if v != 0 {
				t.Fatalf("%s: packed[%d] = %#02x, want 0 under a zero scale", mode, i, v)
			}
		}
	}
}

func TestExecuteRejectsBadShapes(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, Options{})

	nonContiguous := tensor.NewBatch(2, 4, 4)
	nonContiguous.Strides[1] = 5

	strided := tensor.NewMat(4, 4)
	strided.Stride = 6

	tests := []struct {
		name   string
		b      tensor.Batch
		c      tensor.Mat
		seqLen int
		want   error
	}{
		{"odd n", tensor.NewBatch(2, 4, 5), tensor.NewMat(5, 5), 1, ErrInvalidShape},
		{"inner mismatch", tensor.NewBatch(2, 4, 4), tensor.NewMat(6, 6), 1, ErrInvalidShape},
		{"non-square c", tensor.NewBatch(2, 4, 4), tensor.NewMat(4, 6), 1, ErrInvalidShape},
		{"zero seq len", tensor.NewBatch(2, 4, 4), tensor.NewMat(4, 4), 0, ErrInvalidShape},
		{"batch not multiple of seq len", tensor.NewBatch(5, 4, 4), tensor.NewMat(4, 4), 2, ErrInvalidShape},
		{"empty batch", tensor.NewBatch(0, 4, 4), tensor.NewMat(4, 4), 1, ErrInvalidShape},
		{"strided b", nonContiguous, tensor.NewMat(4, 4), 1, ErrNotContiguous},
		{"strided c", tensor.NewBatch(2, 4, 4), strided, 1, ErrNotContiguous},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Execute(context.Background(), &tc.b, &tc.c, tc.seqLen)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			var shapeErr *ShapeError
			if !errors.As(err, &shapeErr) || shapeErr.Op != "execute" {
				t.Fatalf("err %v is not a *ShapeError", err)
			}
		})
	}
}

func TestTunedShapeLaunchesOnceWhenCached(t *testing.T) {
	t.Parallel()
	launcher := &countingLauncher{inner: &kernel.Serial{}}
	tuner := autotune.NewTuner(autotune.NewCache(), autotune.Options{Warmup: -1, Reps: 1})
	e := newTestEngine(t, Options{Mode: ModeFused, Launcher: launcher, Tuner: tuner})

	b := tensor.NewBatch(2, 4, 4)
	b.Fill(1)
	c := tensor.Identity(4)

	if _, err := e.Execute(context.Background(), &b, &c, 2); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	first := launcher.launches.Load()
	if want := int64(len(kernel.Catalogue()) + 1); first != want {
		t.Fatalf("first call launched %d grids, want %d", first, want)
	}

	out, err := e.Execute(context.Background(), &b, &c, 2)
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if got := launcher.launches.Load() - first; got != 1 {
		t.Fatalf("cached call launched %d grids, want 1", got)
	}
	if out.Data[0] != 0x77 {
		t.Fatalf("tuning output leaked into result: %#02x", out.Data[0])
	}
	if tuner.Cache().Len() != 1 {
		t.Fatalf("cache holds %d entries", tuner.Cache().Len())
	}
}

func TestUnfusedLaunchesTwice(t *testing.T) {
	t.Parallel()
	launcher := &countingLauncher{inner: &kernel.Serial{}}
	e := newTestEngine(t, Options{Mode: ModeUnfused, Launcher: launcher})
	b, c := smallIntInputs(4, 3, 6, 1)
	if _, err := e.Execute(context.Background(), &b, &c, 4); err != nil {
		t.Fatal(err)
	}
	if n := launcher.launches.Load(); n != 2 {
		t.Fatalf("unfused ran %d launches, want 2", n)
	}
}

func TestExecuteCancelledContext(t *testing.T) {
	t.Parallel()
	launcher := &countingLauncher{inner: &kernel.Serial{}}
	e := newTestEngine(t, Options{Launcher: launcher})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b, c := smallIntInputs(2, 2, 2, 3)
	if _, err := e.Execute(ctx, &b, &c, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if launcher.launches.Load() != 0 {
		t.Fatal("cancelled call launched a kernel")
	}
}

func TestExecuteZeroProduct(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, Options{})
	b := tensor.NewBatch(3, 3, 4)
	b.FillRand(5)
	c := tensor.NewMat(4, 4)

	out, err := e.Execute(context.Background(), &b, &c, 1)
	if err != nil {
		t.Fatal(err)
	}
	for bi := 0; bi < 3; bi++ {
		if out.Scales[bi].Bits() != 0 {
			t.Fatalf("scale[%d] = %v, want 0", bi, out.Scale(bi))
		}
	}
	for i, v := range out.Data {
		if v != 0 {
			t.Fatalf("byte %d = %#02x, want 0", i, v)
		}
	}
}

func TestExecuteWithResourceLimit(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, Options{Limits: kernel.Limits{MaxStagingBytes: 64}})
	b, c := smallIntInputs(1, 4, 8, 9)
	_, err := e.ExecuteWith(context.Background(), &b, &c, 1, kernel.Config{ChunkK: 16, Stages: 2, Width: 2})
	if !errors.Is(err, kernel.ErrResourceLimit) {
		t.Fatalf("err = %v, want ErrResourceLimit", err)
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Mode{"fused": ModeFused, " Unfused ": ModeUnfused} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMode("split"); err == nil {
		t.Fatal("ParseMode accepted an unknown mode")
	}
	if _, err := New(Options{Mode: "split", Launcher: &kernel.Serial{}}); err == nil {
		t.Fatal("New accepted an unknown mode")
	}
	e := newTestEngine(t, Options{})
	if e.Mode() != ModeFused {
		t.Fatalf("default mode = %s", e.Mode())
	}
}

func TestEngineOwnsPool(t *testing.T) {
	t.Parallel()
	e, err := New(Options{Mode: ModeUnfused, Workers: 2})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()
	b, c := smallIntInputs(8, 6, 10, 4)
	got, err := e.Execute(context.Background(), &b, &c, 4)
	if err != nil {
		t.Fatal(err)
	}
	want, err := reference.Compute(&b, &c)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(want) {
		t.Fatal("pooled unfused result differs from reference on exact inputs")
	}
}
