package gattsrv

import (
	"context"
	"errors"
	"fmt"
	"strings"

	ble "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/spotar/internal/spota"
)

var (
	ErrBluetoothOff        = errors.New("bluetooth is turned off")
	ErrAdapterUnavailable  = errors.New("bluetooth adapter unavailable")
	ErrUnsupportedPlatform = errors.New("platform not supported")
)

// NormalizeError maps known go-ble error strings to sentinel errors,
// wrapping the original.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "can't init hci"),
		containsIgnoreCase(msg, "device or resource busy"),
		containsIgnoreCase(msg, "operation not permitted"):
		return fmt.Errorf("%w: %v", ErrAdapterUnavailable, err)
	default:
		return err
	}
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// Peripheral owns the platform device while the service is published.
type Peripheral struct {
	logger *logrus.Logger
	dev    ble.Device
}

// OpenPeripheral creates the platform device for adapter hci and makes it
// the go-ble default device.
func OpenPeripheral(hci int, logger *logrus.Logger) (*Peripheral, error) {
	if logger == nil {
		logger = logrus.New()
	}
	dev, err := DeviceFactory(hci)
	if err != nil {
		return nil, NormalizeError(err)
	}
	ble.SetDefaultDevice(dev)
	return &Peripheral{logger: logger, dev: dev}, nil
}

// Publish adds svc and advertises name with the SPOTA service UUID until
// ctx is done.
func (p *Peripheral) Publish(ctx context.Context, name string, svc *ble.Service) error {
	if err := p.dev.AddService(svc); err != nil {
		return fmt.Errorf("failed to add SPOTA service: %w", NormalizeError(err))
	}
	p.logger.WithFields(logrus.Fields{
		"name":    name,
		"service": spota.ServiceUUID.String(),
	}).Info("Advertising SPOTA service")

	err := p.dev.AdvertiseNameAndServices(ctx, name, spota.ServiceUUID)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("advertising failed: %w", NormalizeError(err))
	}
	return ctx.Err()
}

// Close stops the device.
func (p *Peripheral) Close() error {
	return p.dev.Stop()
}
