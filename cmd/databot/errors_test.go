package main

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/databot-io/databot-go/ble"
	"github.com/databot-io/databot-go/collector"
	"github.com/databot-io/databot-go/protocol"
	"github.com/databot-io/databot-go/resolver"
)

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.3", formatVersion("1.2.3"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}

// ----------------------------
// User-facing error messages
// ----------------------------

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "discovery timeout suggests remedies",
			err:  &resolver.DiscoveryError{Timeout: 10 * time.Second},
			want: "make sure the pod is powered on",
		},
		{
			name: "dial failure",
			err:  &ble.ConnectionError{Op: "dial", Err: errors.New("connection refused")},
			want: "could not connect to the pod",
		},
		{
			name: "write failure",
			err:  &ble.ConnectionError{Op: "write", Err: errors.New("gatt timeout")},
			want: "could not send the sensor configuration",
		},
		{
			name: "config error",
			err:  &protocol.ConfigError{Reason: "no sensors enabled"},
			want: "invalid configuration: no sensors enabled",
		},
		{
			name: "consumer error",
			err:  &collector.ConsumerError{Err: errors.New("disk full")},
			want: "output failed: disk full",
		},
		{
			name: "link lost",
			err:  collector.ErrLinkLost,
			want: "connection to the pod was lost",
		},
		{
			name: "unknown error passes through",
			err:  errors.New("something else"),
			want: "something else",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, formatUserError(tt.err), tt.want)
		})
	}
}
