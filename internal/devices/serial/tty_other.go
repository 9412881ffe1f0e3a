//go:build !linux

package serial

import (
	"errors"
	"runtime"
)

func openTTY(path string, baud int) (Port, error) {
	return nil, errors.New("serial ports are not supported on " + runtime.GOOS)
}
