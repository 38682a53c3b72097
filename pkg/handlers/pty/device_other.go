//go:build !linux

package pty

import (
	"errors"
	"os"
	"syscall"
)

var errUnsupported = errors.New("pseudo-terminals are only supported on linux")

func openDevice() (*os.File, string, error) {
	return nil, "", errUnsupported
}

func setWindowSize(*os.File, uint16, uint16) error {
	return errUnsupported
}

func sessionAttr() *syscall.SysProcAttr {
	return nil
}
