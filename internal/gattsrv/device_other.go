//go:build !linux && !darwin

package gattsrv

import (
	"fmt"
	"runtime"

	ble "github.com/go-ble/ble"
)

// DeviceFactory creates the platform ble.Device (can be overridden in tests).
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func(int) (ble.Device, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, runtime.GOOS)
}
