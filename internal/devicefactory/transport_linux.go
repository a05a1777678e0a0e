//go:build linux

package devicefactory

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// newTransport opens the default HCI adapter.
func newTransport() (ble.Device, error) {
	return linux.NewDevice()
}
