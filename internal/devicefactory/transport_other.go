//go:build !linux && !darwin

package devicefactory

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
)

func newTransport() (ble.Device, error) {
	return nil, fmt.Errorf("BLE transport is not supported on %s", runtime.GOOS)
}
