package main

import (
	"errors"
	"fmt"

	"github.com/srg/spotar/internal/gattsrv"
	"github.com/srg/spotar/internal/kernel"
	"github.com/srg/spotar/internal/scenario"
	"github.com/srg/spotar/pkg/config"
)

// Command-level errors
var (
	// ErrServiceNotCreated indicates the receiver rejected its own attribute table.
	ErrServiceNotCreated = errors.New("SPOTA service was not created")
)

// FormatUserError turns known failures into a one-line hint for the terminal.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, gattsrv.ErrBluetoothOff):
		return "Bluetooth is turned off; enable it and try again"
	case errors.Is(err, gattsrv.ErrAdapterUnavailable):
		return fmt.Sprintf("no usable Bluetooth adapter (%v); check --hci and permissions", err)
	case errors.Is(err, gattsrv.ErrUnsupportedPlatform):
		return "BLE peripheral mode is not supported on this platform; use 'spotar replay' instead"
	case errors.Is(err, config.ErrInvalidConfig):
		return fmt.Sprintf("configuration: %v", err)
	case errors.Is(err, scenario.ErrExpectation):
		return fmt.Sprintf("scenario %v", err)
	case errors.Is(err, kernel.ErrStopped):
		return "receiver stopped"
	default:
		return err.Error()
	}
}
