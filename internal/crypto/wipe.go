package crypto

import "runtime"

// Wipe zeroes each buffer. Copies the runtime made earlier (grown slices,
// moved stacks) are out of reach.
func Wipe(bufs ...[]byte) {
	for _, b := range bufs {
		clear(b)
	}
	runtime.KeepAlive(bufs)
}
