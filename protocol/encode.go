package protocol

import (
	"encoding/binary"
	"fmt"
)

// ConfigError reports a sensor selection the device cannot satisfy. It is
// always raised before any link activity.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid sensor configuration: %s", e.Reason)
}

// EncodeCommand turns a sensor selection into the device's configuration
// command bytes. Layout (see sensorTable for the bitmask order):
//
//	offset 0     version byte
//	offset 1..2  sensor bitmask, uint16 little-endian
//	offset 3..4  refresh interval in milliseconds, uint16 little-endian
//	offset 5..16 LED groups 1..3, four bytes each: enabled flag, R, G, B
//
// Pure function: no I/O. Selections whose frame would exceed MaxFramePayload
// are rejected with ConfigError, keeping the encoder in lock-step with the
// decoder's reassembly bound.
func EncodeCommand(sel *Selection) ([]byte, error) {
	mask := sel.Bitmask()
	if mask == 0 {
		return nil, &ConfigError{Reason: "no sensors enabled"}
	}
	if size := sel.FrameSize(); size > MaxFramePayload {
		return nil, &ConfigError{Reason: fmt.Sprintf(
			"enabled sensors produce a %d-byte frame, device supports at most %d bytes", size, MaxFramePayload)}
	}

	refresh := sel.Refresh
	if refresh < MinRefresh {
		refresh = MinRefresh
	}
	if refresh > MaxRefresh {
		refresh = MaxRefresh
	}

	cmd := make([]byte, 0, commandSize)
	cmd = append(cmd, commandVersion)
	cmd = binary.LittleEndian.AppendUint16(cmd, mask)
	cmd = binary.LittleEndian.AppendUint16(cmd, uint16(refresh.Milliseconds()))

	for _, led := range []LED{sel.LED1, sel.LED2, sel.LED3} {
		if led.Enabled {
			cmd = append(cmd, 1, led.Red, led.Green, led.Blue)
		} else {
			// Disabled LEDs always encode as dark
			cmd = append(cmd, 0, 0, 0, 0)
		}
	}

	return cmd, nil
}
