//go:build windows

package main

import "os"

// Windows consoles do not signal size changes.
func notifyResize(chan<- os.Signal) (stop func()) {
	return func() {}
}
