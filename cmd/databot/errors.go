package main

import (
	"errors"
	"fmt"

	"github.com/databot-io/databot-go/ble"
	"github.com/databot-io/databot-go/collector"
	"github.com/databot-io/databot-go/protocol"
	"github.com/databot-io/databot-go/resolver"
)

// formatUserError maps library errors to actionable one-line messages.
// Anything unrecognized falls through as err.Error().
func formatUserError(err error) string {
	var discErr *resolver.DiscoveryError
	if errors.As(err, &discErr) {
		return fmt.Sprintf("no databot found within %s; make sure the pod is powered on and in range, or pass --address", discErr.Timeout)
	}

	var notFound *ble.NotFoundError
	if errors.As(err, &notFound) {
		return fmt.Sprintf("%s; the device at this address does not look like a databot pod", notFound.Error())
	}

	var connErr *ble.ConnectionError
	if errors.As(err, &connErr) {
		switch connErr.Op {
		case "dial":
			return fmt.Sprintf("could not connect to the pod: %v", connErr.Err)
		case "write":
			return fmt.Sprintf("could not send the sensor configuration: %v", connErr.Err)
		default:
			return connErr.Error()
		}
	}

	var cfgErr *protocol.ConfigError
	if errors.As(err, &cfgErr) {
		return "invalid configuration: " + cfgErr.Reason
	}

	var consErr *collector.ConsumerError
	if errors.As(err, &consErr) {
		return "output failed: " + consErr.Err.Error()
	}

	if errors.Is(err, collector.ErrLinkLost) {
		return "connection to the pod was lost; it may have powered off or gone out of range"
	}

	return err.Error()
}
