// Package iox holds small I/O helpers shared by the log, sync and upload
// paths: close-and-forget for cleanup and a shared zstd codec.
package iox

import "io"

// DiscardClose closes c and drops the error. For deferred closes of
// read-only handles, where a close error changes nothing:
//
//	defer iox.DiscardClose(rc)
func DiscardClose(c io.Closer) { _ = c.Close() }
