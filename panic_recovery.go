// panic_recovery.go: Panic recovery for background goroutines
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"fmt"
	"runtime"
)

// withStackRecover returns a function, meant to be deferred, that recovers a
// panic and logs it together with the goroutine stack.
//
//	go func() {
//	    defer withStackRecover(logger)()
//	    // potentially panicking code
//	}()
func withStackRecover(logger Logger) func() {
	return func() {
		if r := recover(); r != nil {
			buf := make([]byte, 64<<10)
			n := runtime.Stack(buf, false)
			logger.Error("Panic recovered in goroutine",
				"panic", r,
				"stack", string(buf[:n]))
		}
	}
}

// recoverAsError converts a recovered panic into an error stored in *errp.
// Plugin code (factories, Lua scripts) runs under it so that a misbehaving
// plugin fails its own call instead of the host.
func recoverAsError(errp *error) {
	if r := recover(); r != nil {
		if err, ok := r.(error); ok {
			*errp = fmt.Errorf("plugin panic: %w", err)
			return
		}
		*errp = fmt.Errorf("plugin panic: %v", r)
	}
}
