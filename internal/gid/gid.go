// Package gid extracts the calling goroutine's runtime id, the key the
// public facade uses to track which goroutine is inside a pointer
// construction without requiring callers to thread a context through it.
package gid

import (
	"bytes"
	"runtime"
	"strconv"
)

// Current parses the calling goroutine's id out of its own stack trace
// header ("goroutine 123 [running]:"). It is deliberately not cached per
// goroutine: the id is read rarely (once per rambrain.New call, not per
// byte access), and re-parsing avoids the complexity of installing a
// TLS-like slot Go does not natively provide.
func Current() uint64 {
	buf := make([]byte, 64)

	for {
		n := runtime.Stack(buf, false)
		if n < len(buf) {
			buf = buf[:n]

			break
		}

		buf = make([]byte, len(buf)*2)
	}

	const prefix = "goroutine "

	if !bytes.HasPrefix(buf, []byte(prefix)) {
		return 0
	}

	rest := buf[len(prefix):]

	end := bytes.IndexByte(rest, ' ')
	if end < 0 {
		return 0
	}

	id, err := strconv.ParseUint(string(rest[:end]), 10, 64)
	if err != nil {
		return 0
	}

	return id
}
