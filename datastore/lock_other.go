//go:build !unix

package datastore

import "os"

// Advisory locking is unix-only; other platforms rely on the in-process mutex.
func lockFile(*os.File) error   { return nil }
func unlockFile(*os.File) error { return nil }
