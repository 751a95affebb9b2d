//go:build !linux

package sensor

import (
	"errors"
	"os"
)

func openPort(string) (*os.File, error) {
	return nil, errors.New("serial sensor is only supported on linux")
}
