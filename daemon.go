package main

import "os"

// daemonAttr builds the ProcAttr shared by every platform's Daemonize: a
// detached child inheriting only the environment, with the foreground
// flag forced on so it doesn't re-daemonize itself.
func daemonAttr() *os.ProcAttr {
	devNull, _ := os.Open(os.DevNull)
	return &os.ProcAttr{
		Files: []*os.File{devNull, devNull, devNull},
		Dir:   ".",
		Env:   append(os.Environ(), envForeground+"=1"),
	}
}
