//go:build darwin

package devicefactory

import (
	"fmt"
	"strings"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

// newTransport opens the CoreBluetooth central manager, mapping its opaque
// state errors to actionable messages.
func newTransport() (ble.Device, error) {
	dev, err := darwin.NewDevice()
	if err != nil {
		if strings.Contains(err.Error(), "central manager has invalid state") {
			if strings.Contains(err.Error(), "have=4") { // StatePoweredOff
				return nil, fmt.Errorf("Bluetooth is turned off - please enable Bluetooth and retry")
			}
			return nil, fmt.Errorf("Bluetooth is not ready - %w", err)
		}
		return nil, err
	}
	return dev, nil
}
