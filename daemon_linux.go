//go:build linux

package main

import (
	"os"
	"os/exec"
)

// Daemonize relaunches the current executable in the background with
// --foreground, then exits the parent. Grounded on the teacher's
// daemon_linux.go, which uses exec.LookPath instead of os.Executable for
// the same reason noted there (older Go compatibility); kept for
// consistency even though it no longer matters on the module's Go version.
func Daemonize() error {
	path, err := exec.LookPath(os.Args[0])
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
