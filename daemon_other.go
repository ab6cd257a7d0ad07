//go:build !linux

package main

import "os"

// Daemonize relaunches the current executable in the background with
// --foreground, then exits the parent. Grounded on the teacher's
// daemon.go fallback, used on every platform without a more specific
// daemon_GOOS.go.
func Daemonize() error {
	path, err := os.Executable()
	if err != nil {
		return err
	}

	argv := append([]string{os.Args[0], "--foreground"}, os.Args[1:]...)
	process, err := os.StartProcess(path, argv, daemonAttr())
	if err != nil {
		return err
	}
	return process.Release()
}
