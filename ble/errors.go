package ble

import (
	"errors"
	"fmt"
)

// ErrLinkLost signals that an established link dropped while streaming.
// The session is not auto-retried; callers restart the whole session.
var ErrLinkLost = errors.New("link lost")

// ConnectionError reports a failure to establish or configure the link:
// dialing, profile discovery, the configuration write, or the notification
// subscription. Fatal to the session.
type ConnectionError struct {
	Op  string // "dial", "discover", "write", "subscribe"
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connection %s failed", e.Op)
	}
	return fmt.Sprintf("connection %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// NotFoundError reports a missing GATT resource on the connected device.
type NotFoundError struct {
	Resource string // "service" or "characteristic"
	UUID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found on device", e.Resource, e.UUID)
}
