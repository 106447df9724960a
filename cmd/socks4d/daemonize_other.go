//go:build !unix

package main

// daemonize is a no-op on platforms without fork/setsid semantics;
// --foreground is effectively always on there.
func daemonize() error {
	return nil
}
