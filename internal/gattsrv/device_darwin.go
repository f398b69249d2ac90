//go:build darwin

package gattsrv

import (
	ble "github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

// DeviceFactory creates the platform ble.Device (can be overridden in tests).
// The HCI index has no meaning on darwin.
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func(int) (ble.Device, error) {
	return darwin.NewDevice(ble.OptPeripheralRole())
}
