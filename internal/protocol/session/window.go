package session

import "fmt"

const (
	// WindowSize is how far below the highest accepted nonce a late
	// ciphertext may still be accepted.
	WindowSize = 64

	// MaxForwardGap bounds how far ahead of the highest accepted nonce an
	// incoming ciphertext may jump.
	MaxForwardGap = 1024
)

// window tracks received nonces. bit i of seen is nonce (top - i).
type window struct {
	top   uint64
	seen  uint64
	fresh bool
}

func newWindow() window { return window{fresh: true} }

// check reports whether n is acceptable without changing state.
func (w *window) check(n uint64) error {
	if w.fresh {
		if n > MaxForwardGap {
			return fmt.Errorf("%w: nonce %d too far ahead", ErrNonceWindow, n)
		}
		return nil
	}
	switch {
	case n > w.top:
		if n-w.top > MaxForwardGap {
			return fmt.Errorf("%w: nonce %d too far ahead of %d", ErrNonceWindow, n, w.top)
		}
		return nil
	case w.top-n >= WindowSize:
		return fmt.Errorf("%w: nonce %d behind window at %d", ErrNonceWindow, n, w.top)
	case w.seen&(1<<(w.top-n)) != 0:
		return fmt.Errorf("%w: nonce %d", ErrReplay, n)
	default:
		return nil
	}
}

// accept records n. It must only be called after check succeeded and the
// ciphertext authenticated.
func (w *window) accept(n uint64) {
	if w.fresh {
		w.fresh = false
		w.top = n
		w.seen = 1
		return
	}
	if n > w.top {
		shift := n - w.top
		if shift >= WindowSize {
			w.seen = 0
		} else {
			w.seen <<= shift
		}
		w.seen |= 1
		w.top = n
		return
	}
	w.seen |= 1 << (w.top - n)
}
