//go:build !linux

package tun

import (
	"errors"
	"runtime"
)

func openTUN(name string) (Port, error) {
	return nil, errors.New("tun devices are not supported on " + runtime.GOOS)
}
