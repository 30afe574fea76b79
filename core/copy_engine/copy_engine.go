// Package copyengine moves page contents between frames: plain copy for
// migration, in-place swap for exchange. Both come in a single-threaded
// form and a chunked multi-worker form.
package copyengine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

const (
	// DefaultMaxWorkers bounds the workers one operation may use when
	// the caller does not say otherwise.
	DefaultMaxWorkers = 4

	// workerHardLimit is the absolute ceiling on workers per operation.
	workerHardLimit = 32
)

// ErrNoWorkers reports that the worker budget for the target node
// resolved to zero. Callers are expected to fall back to the
// single-threaded path.
var ErrNoWorkers = errors.New("copyengine: no workers available on node")

// Config carries the worker policy. The zero value is usable: default
// worker bound, no per-node CPU budget.
type Config struct {
	// MaxWorkers is the per-operation worker bound. Zero means
	// DefaultMaxWorkers.
	MaxWorkers int

	// NodeCPUs returns the CPU budget of a node, capping workers for
	// operations targeting it. Nil means no per-node cap.
	NodeCPUs func(node int) int
}

// Engine performs the actual byte movement.
type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	return &Engine{cfg: cfg}
}

// workersFor resolves the worker count for an operation on node:
// the configured bound, capped by the node's CPU budget and the hard
// limit, rounded down to an even number.
func (e *Engine) workersFor(node int) (int, error) {
	w := e.cfg.MaxWorkers
	if e.cfg.NodeCPUs != nil {
		if c := e.cfg.NodeCPUs(node); c < w {
			w = c
		}
	}
	if w > workerHardLimit {
		w = workerHardLimit
	}
	w = (w / 2) * 2
	if w <= 0 {
		return 0, ErrNoWorkers
	}
	return w, nil
}

// SwapPages exchanges the contents of a and b in place, single
// threaded.
func (e *Engine) SwapPages(a, b []byte) error {
	if len(a) != len(b) {
		return fmt.Errorf("copyengine: swap size mismatch: %d vs %d", len(a), len(b))
	}
	swapRange(a, b)
	return nil
}

// SwapPagesParallel exchanges the contents of a and b using chunked
// workers sized for node. Returns ErrNoWorkers when the node's budget
// is empty; the caller falls back to SwapPages.
func (e *Engine) SwapPagesParallel(a, b []byte, node int) error {
	if len(a) != len(b) {
		return fmt.Errorf("copyengine: swap size mismatch: %d vs %d", len(a), len(b))
	}
	workers, err := e.workersFor(node)
	if err != nil {
		return err
	}
	runChunked(len(a), workers, func(lo, hi int) {
		swapRange(a[lo:hi], b[lo:hi])
	})
	return nil
}

// SwapPageLists exchanges contents pairwise across two slices of equal
// length, spreading every worker over a chunk of every pair. Pair sizes
// may differ between pairs but must match within one.
func (e *Engine) SwapPageLists(from, to [][]byte, node int) error {
	if len(from) != len(to) {
		return fmt.Errorf("copyengine: list length mismatch: %d vs %d", len(from), len(to))
	}
	for i := range from {
		if len(from[i]) != len(to[i]) {
			return fmt.Errorf("copyengine: pair %d size mismatch: %d vs %d", i, len(from[i]), len(to[i]))
		}
	}
	workers, err := e.workersFor(node)
	if err != nil {
		return err
	}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := range from {
				lo, hi := chunkBounds(len(from[i]), workers, w)
				swapRange(from[i][lo:hi], to[i][lo:hi])
			}
		}(w)
	}
	wg.Wait()
	return nil
}

// CopyPages copies src into dst, single threaded.
func (e *Engine) CopyPages(dst, src []byte) error {
	if len(dst) != len(src) {
		return fmt.Errorf("copyengine: copy size mismatch: %d vs %d", len(dst), len(src))
	}
	copy(dst, src)
	return nil
}

// CopyPagesParallel copies src into dst using chunked workers sized for
// node. Returns ErrNoWorkers when the node's budget is empty.
func (e *Engine) CopyPagesParallel(dst, src []byte, node int) error {
	if len(dst) != len(src) {
		return fmt.Errorf("copyengine: copy size mismatch: %d vs %d", len(dst), len(src))
	}
	workers, err := e.workersFor(node)
	if err != nil {
		return err
	}
	runChunked(len(dst), workers, func(lo, hi int) {
		copy(dst[lo:hi], src[lo:hi])
	})
	return nil
}

// CopyPageLists copies pairwise across two slices, chunking each pair
// over the worker pool the way SwapPageLists does.
func (e *Engine) CopyPageLists(dst, src [][]byte, node int) error {
	if len(dst) != len(src) {
		return fmt.Errorf("copyengine: list length mismatch: %d vs %d", len(dst), len(src))
	}
	for i := range dst {
		if len(dst[i]) != len(src[i]) {
			return fmt.Errorf("copyengine: pair %d size mismatch: %d vs %d", i, len(dst[i]), len(src[i]))
		}
	}
	workers, err := e.workersFor(node)
	if err != nil {
		return err
	}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := range dst {
				lo, hi := chunkBounds(len(dst[i]), workers, w)
				copy(dst[i][lo:hi], src[i][lo:hi])
			}
		}(w)
	}
	wg.Wait()
	return nil
}

// runChunked splits [0,size) into worker chunks and runs fn on each
// concurrently, waiting for all to finish.
func runChunked(size, workers int, fn func(lo, hi int)) {
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		lo, hi := chunkBounds(size, workers, w)
		if lo >= hi {
			continue
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			fn(lo, hi)
		}(lo, hi)
	}
	wg.Wait()
}

// chunkBounds gives worker w its slice of [0,size). The last worker
// absorbs the remainder.
func chunkBounds(size, workers, w int) (int, int) {
	chunk := size / workers
	lo := w * chunk
	hi := lo + chunk
	if w == workers-1 {
		hi = size
	}
	return lo, hi
}

// swapRange exchanges two equal-length ranges in 8-byte words, with a
// byte loop for any unaligned tail.
func swapRange(a, b []byte) {
	n := len(a) &^ 7
	for i := 0; i < n; i += 8 {
		av := binary.LittleEndian.Uint64(a[i:])
		bv := binary.LittleEndian.Uint64(b[i:])
		binary.LittleEndian.PutUint64(a[i:], bv)
		binary.LittleEndian.PutUint64(b[i:], av)
	}
	for i := n; i < len(a); i++ {
		a[i], b[i] = b[i], a[i]
	}
}
