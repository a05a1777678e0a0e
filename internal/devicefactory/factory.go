// Package devicefactory creates the BLE transport used for scanning and
// dialing. The entry points are variables so tests can substitute fakes
// without touching real Bluetooth hardware.
package devicefactory

import (
	"context"

	"github.com/go-ble/ble"
)

// Advertisement is the narrow view of a BLE advertisement that address
// resolution needs.
type Advertisement interface {
	LocalName() string
	Addr() string
	Services() []string
	RSSI() int
	Connectable() bool
}

// Scanner scans for advertisements until the context ends.
type Scanner interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
}

// bleScanner wraps a raw ble.Device to implement Scanner.
type bleScanner struct {
	dev ble.Device
}

func (s *bleScanner) Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error {
	return s.dev.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		handler(&bleAdvertisement{adv: adv})
	})
}

// bleAdvertisement adapts ble.Advertisement to the Advertisement interface.
type bleAdvertisement struct {
	adv ble.Advertisement
}

func (a *bleAdvertisement) LocalName() string { return a.adv.LocalName() }
func (a *bleAdvertisement) Addr() string      { return a.adv.Addr().String() }
func (a *bleAdvertisement) RSSI() int         { return a.adv.RSSI() }
func (a *bleAdvertisement) Connectable() bool { return a.adv.Connectable() }

func (a *bleAdvertisement) Services() []string {
	uuids := a.adv.Services()
	services := make([]string, len(uuids))
	for i, u := range uuids {
		services[i] = u.String()
	}
	return services
}

// NewScanner creates a Scanner backed by the host's BLE adapter.
// Variable so tests can inject a fake.
var NewScanner = func() (Scanner, error) {
	dev, err := newTransport()
	if err != nil {
		return nil, err
	}
	ble.SetDefaultDevice(dev)
	return &bleScanner{dev: dev}, nil
}

// Dial connects to a peripheral by address and returns its GATT client.
// Variable so tests can inject a fake.
var Dial = func(ctx context.Context, address string) (ble.Client, error) {
	dev, err := newTransport()
	if err != nil {
		return nil, err
	}
	ble.SetDefaultDevice(dev)
	return ble.Dial(ctx, ble.NewAddr(address))
}
