package exchange

import "errors"

var (
	// ErrBusy reports a transient conflict: an unexpected reference, a
	// concurrent mapper, or writeback in flight under async mode. The
	// pair may succeed on retry.
	ErrBusy = errors.New("exchange: page busy")

	// ErrWouldBlock reports that a page latch could not be taken
	// without blocking under async mode.
	ErrWouldBlock = errors.New("exchange: would block")

	// ErrUnsupported reports a pair shape the protocol does not
	// handle, such as a file-backed from side or mismatched sizes.
	// Retrying cannot help.
	ErrUnsupported = errors.New("exchange: unsupported pair")
)

// Mode controls locking discipline and the content-copy backend of one
// exchange operation.
type Mode uint32

const (
	// ModeAsync refuses to block: latches are trylocked and writeback
	// is not waited for.
	ModeAsync Mode = 1 << iota

	// ModeSync blocks on latches and waits out writeback.
	ModeSync

	// ModeMultithread copies content with the chunked worker pool.
	ModeMultithread

	// ModeSingleThread pins the content copy to one worker even when
	// ModeMultithread is also set.
	ModeSingleThread

	// ModeConcur batches pairs through the phased concurrent engine.
	ModeConcur

	// ModeDMA is reserved for an offload copy backend; it currently
	// behaves like ModeMultithread.
	ModeDMA
)

func (m Mode) async() bool { return m&ModeAsync != 0 && m&ModeSync == 0 }

func (m Mode) multithread() bool {
	return m&(ModeMultithread|ModeDMA) != 0 && m&ModeSingleThread == 0
}
