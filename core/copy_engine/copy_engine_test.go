package copyengine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func fillPattern(t *testing.T, size int, b byte) []byte {
	t.Helper()
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func requireUniform(t *testing.T, buf []byte, b byte) {
	t.Helper()
	for i := range buf {
		require.Equalf(t, b, buf[i], "byte %d diverged", i)
	}
}

func TestSwapPagesRoundTrip(t *testing.T) {
	e := New(Config{})
	a := fillPattern(t, 4096, 0xAA)
	b := fillPattern(t, 4096, 0xBB)

	require.NoError(t, e.SwapPages(a, b))
	requireUniform(t, a, 0xBB)
	requireUniform(t, b, 0xAA)

	require.NoError(t, e.SwapPages(a, b))
	requireUniform(t, a, 0xAA)
	requireUniform(t, b, 0xBB)
}

func TestSwapPagesParallelMatchesSequential(t *testing.T) {
	for _, workers := range []int{2, 4, 8, 32} {
		e := New(Config{MaxWorkers: workers})
		a := make([]byte, 4096*4)
		b := make([]byte, 4096*4)
		for i := range a {
			a[i] = byte(i)
			b[i] = byte(255 - i%256)
		}
		wantA := append([]byte(nil), b...)
		wantB := append([]byte(nil), a...)

		require.NoError(t, e.SwapPagesParallel(a, b, 0))
		require.Equal(t, wantA, a, "workers=%d", workers)
		require.Equal(t, wantB, b, "workers=%d", workers)
	}
}

func TestSwapRangeWordStrideAndTail(t *testing.T) {
	// word-multiple and tail-carrying lengths swap identically
	for _, size := range []int{8, 4096, 13, 7} {
		a := make([]byte, size)
		b := make([]byte, size)
		for i := range a {
			a[i] = byte(i)
			b[i] = byte(0xFF - i)
		}
		swapRange(a, b)
		for i := range a {
			require.Equal(t, byte(0xFF-i), a[i], "size %d byte %d", size, i)
			require.Equal(t, byte(i), b[i], "size %d byte %d", size, i)
		}
	}
}

func TestSwapSizeMismatch(t *testing.T) {
	e := New(Config{})
	require.Error(t, e.SwapPages(make([]byte, 8), make([]byte, 16)))
	require.Error(t, e.SwapPagesParallel(make([]byte, 8), make([]byte, 16), 0))
}

func TestWorkerClampEvenAndCapped(t *testing.T) {
	tests := []struct {
		name     string
		max      int
		nodeCPUs int
		want     int
		wantErr  bool
	}{
		{name: "default", max: 0, nodeCPUs: -1, want: 4},
		{name: "odd rounds down", max: 5, nodeCPUs: -1, want: 4},
		{name: "hard limit", max: 100, nodeCPUs: -1, want: 32},
		{name: "node budget wins", max: 8, nodeCPUs: 3, want: 2},
		{name: "single cpu node", max: 8, nodeCPUs: 1, wantErr: true},
		{name: "empty node", max: 8, nodeCPUs: 0, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Config{MaxWorkers: tc.max}
			if tc.nodeCPUs >= 0 {
				cfg.NodeCPUs = func(int) int { return tc.nodeCPUs }
			}
			got, err := New(cfg).workersFor(0)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrNoWorkers)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestSwapParallelNoWorkersFallsToCaller(t *testing.T) {
	e := New(Config{MaxWorkers: 8, NodeCPUs: func(int) int { return 1 }})
	a := fillPattern(t, 4096, 0x11)
	b := fillPattern(t, 4096, 0x22)

	err := e.SwapPagesParallel(a, b, 0)
	require.ErrorIs(t, err, ErrNoWorkers)
	requireUniform(t, a, 0x11)
	requireUniform(t, b, 0x22)

	// the single-threaded fallback the caller is expected to take
	require.NoError(t, e.SwapPages(a, b))
	requireUniform(t, a, 0x22)
	requireUniform(t, b, 0x11)
}

func TestSwapPageLists(t *testing.T) {
	e := New(Config{MaxWorkers: 4})
	var from, to [][]byte
	for i := 0; i < 5; i++ {
		from = append(from, fillPattern(t, 4096<<(i%2), byte(0x10+i)))
		to = append(to, fillPattern(t, 4096<<(i%2), byte(0x80+i)))
	}

	require.NoError(t, e.SwapPageLists(from, to, 0))
	for i := range from {
		requireUniform(t, from[i], byte(0x80+i))
		requireUniform(t, to[i], byte(0x10+i))
	}
}

func TestSwapPageListsMismatch(t *testing.T) {
	e := New(Config{})
	require.Error(t, e.SwapPageLists([][]byte{make([]byte, 8)}, nil, 0))
	require.Error(t, e.SwapPageLists(
		[][]byte{make([]byte, 8)}, [][]byte{make([]byte, 16)}, 0))
}

func TestCopyPages(t *testing.T) {
	e := New(Config{})
	src := fillPattern(t, 4096, 0xCD)
	dst := make([]byte, 4096)

	require.NoError(t, e.CopyPages(dst, src))
	requireUniform(t, dst, 0xCD)

	dst2 := make([]byte, 4096)
	require.NoError(t, e.CopyPagesParallel(dst2, src, 0))
	requireUniform(t, dst2, 0xCD)
}

func TestCopyPageLists(t *testing.T) {
	e := New(Config{MaxWorkers: 2})
	src := [][]byte{fillPattern(t, 4096, 0x01), fillPattern(t, 8192, 0x02)}
	dst := [][]byte{make([]byte, 4096), make([]byte, 8192)}

	require.NoError(t, e.CopyPageLists(dst, src, 0))
	requireUniform(t, dst[0], 0x01)
	requireUniform(t, dst[1], 0x02)
}
