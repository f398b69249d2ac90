//go:build linux

package gattsrv

import (
	ble "github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// DeviceFactory creates the platform ble.Device (can be overridden in tests).
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func(hci int) (ble.Device, error) {
	return linux.NewDevice(ble.OptDeviceID(hci))
}
