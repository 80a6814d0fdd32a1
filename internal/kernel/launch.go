package kernel

import (
	"runtime"
	"sync"
)

// Grid is the shape of a launch. Programs are identified by (X, Y, Z) with
// X varying fastest.
type Grid struct {
	X, Y, Z int
}

// Size is the total number of programs.
func (g Grid) Size() int {
	if g.X <= 0 || g.Y <= 0 || g.Z <= 0 {
		return 0
	}
	return g.X * g.Y * g.Z
}

// ProgramID identifies one program within a grid.
type ProgramID struct {
	X, Y, Z int
}

func (g Grid) id(linear int) ProgramID {
	return ProgramID{
		X: linear % g.X,
		Y: (linear / g.X) % g.Y,
		Z: linear / (g.X * g.Y),
	}
}

// Program is the body run once per grid point. The scratch arena belongs to
// the executing worker and is only valid for the duration of the call.
type Program func(id ProgramID, s *Scratch)

// Launcher runs every program of a grid and returns once all have finished.
type Launcher interface {
	Launch(grid Grid, program Program)
}

type launchTask struct {
	grid    Grid
	program Program
	start   int
	end     int
	done    chan struct{}
}

// Pool is a persistent worker pool. Each worker owns a Scratch arena that is
// reused across launches.
type Pool struct {
	size      int
	tasks     chan launchTask
	doneSlots chan chan struct{}
	closeOnce sync.Once
}

// NewPool starts size workers; size <= 0 uses GOMAXPROCS.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	size = max(size, 1)
	p := &Pool{
		size:      size,
		tasks:     make(chan launchTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for range size {
		p.doneSlots <- make(chan struct{}, size)
	}
	for range size {
		go p.worker(new(Scratch))
	}
	return p
}

func (p *Pool) worker(s *Scratch) {
	for task := range p.tasks {
		for l := task.start; l < task.end; l++ {
			task.program(task.grid.id(l), s)
		}
		task.done <- struct{}{}
	}
}

// Size is the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Launch splits the grid into contiguous ranges of programs, one per worker,
// and blocks until every range has run.
func (p *Pool) Launch(grid Grid, program Program) {
	total := grid.Size()
	if total == 0 {
		return
	}
	workers := min(p.size, total)
	chunk := (total + workers - 1) / workers

	done := <-p.doneSlots
	sent := 0
	for start := 0; start < total; start += chunk {
		p.tasks <- launchTask{
			grid:    grid,
			program: program,
			start:   start,
			end:     min(start+chunk, total),
			done:    done,
		}
		sent++
	}
	for range sent {
		<-done
	}
	p.doneSlots <- done
}

// Close stops the workers. Launch must not be called afterwards.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.tasks) })
}

// Serial runs every program on the calling goroutine. It is not safe for
// concurrent use.
type Serial struct {
	scratch Scratch
}

func (s *Serial) Launch(grid Grid, program Program) {
	for l := range grid.Size() {
		program(grid.id(l), &s.scratch)
	}
}

// Scratch holds per-worker buffers reused across programs.
type Scratch struct {
	acc    []float32
	packed []uint8
	bStage []float32
	cStage []float32
}

// Acc returns an accumulator sized for t.
func (s *Scratch) Acc(t *Tile) []float32 {
	return grow(&s.acc, t.PaddedM*t.PaddedN)
}

// Packed returns a packed-tile buffer sized for t.
func (s *Scratch) Packed(t *Tile) []uint8 {
	return grow(&s.packed, t.PaddedM*t.PaddedN/2)
}

func grow[T any](buf *[]T, n int) []T {
	if cap(*buf) < n {
		*buf = make([]T, n)
	}
	return (*buf)[:n]
}
