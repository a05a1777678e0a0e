// Package ble owns the link lifecycle for one streaming session: connect,
// write the configuration command, subscribe to notifications, and tear
// everything down again.
package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	blelib "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/databot-io/databot-go/internal/devicefactory"
)

// Default UUID triple for the sensor pod's streaming service.
const (
	DefaultServiceUUID = "0000ffe0-0000-1000-8000-00805f9b34fb"
	DefaultReadUUID    = "0000ffe1-0000-1000-8000-00805f9b34fb"
	DefaultWriteUUID   = "0000ffe2-0000-1000-8000-00805f9b34fb"
)

// State labels the session lifecycle. Transitions run strictly forward:
// Idle -> Connecting -> Configured -> Streaming -> Closed.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConfigured State = "configured"
	StateStreaming  State = "streaming"
	StateClosed     State = "closed"
)

// Descriptor is the fixed UUID triple identifying the device's streaming
// service and its read/write characteristics. Supplied once, immutable for
// the session's lifetime.
type Descriptor struct {
	Service string `yaml:"service"`
	Read    string `yaml:"read"`
	Write   string `yaml:"write"`
}

// DefaultDescriptor returns the UUID triple for the stock firmware.
func DefaultDescriptor() Descriptor {
	return Descriptor{
		Service: DefaultServiceUUID,
		Read:    DefaultReadUUID,
		Write:   DefaultWriteUUID,
	}
}

// Config collects everything needed to open a session.
type Config struct {
	Address        string
	Descriptor     Descriptor
	Command        []byte
	ConnectTimeout time.Duration
	Logger         *logrus.Logger
}

// gattClient is the slice of ble.Client the session uses; narrowed so tests
// can fake it.
type gattClient interface {
	DiscoverProfile(force bool) (*blelib.Profile, error)
	WriteCharacteristic(c *blelib.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *blelib.Characteristic, ind bool, h blelib.NotificationHandler) error
	Unsubscribe(c *blelib.Characteristic, ind bool) error
	CancelConnection() error
	Disconnected() <-chan struct{}
}

// dial is the connection entry point, overridable in tests.
var dial = func(ctx context.Context, address string) (gattClient, error) {
	return devicefactory.Dial(ctx, address)
}

// normalizeUUID converts a UUID string to the BLE library's internal format
// (lowercase, no dashes).
func normalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}

// Session is a live link to the device. It owns the GATT client and the
// notification subscription; each received notification payload is handed to
// the sink registered at Open. One session per client, no re-entry - a
// dropped link surfaces on Done and the caller opens a fresh session.
type Session struct {
	logger   *logrus.Logger
	client   gattClient
	readChar *blelib.Characteristic

	mu    sync.Mutex
	state State

	done     chan struct{}
	doneOnce sync.Once
	closeErr error
	closed   sync.Once
}

// Open establishes the link, writes the configuration command to the write
// characteristic, and subscribes to the read characteristic. Every received
// notification payload is copied and passed to sink. The sink runs on the
// transport's notification goroutine; a slow sink throttles notification
// processing rather than dropping data.
func Open(ctx context.Context, cfg Config, sink func([]byte)) (*Session, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, &ConnectionError{Op: "dial", Err: fmt.Errorf("device address is not set")}
	}
	if sink == nil {
		return nil, &ConnectionError{Op: "subscribe", Err: fmt.Errorf("notification sink is required")}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	s := &Session{
		logger: logger,
		state:  StateConnecting,
		done:   make(chan struct{}),
	}

	logger.WithField("address", cfg.Address).Info("Connecting to device...")

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := dial(dialCtx, cfg.Address)
	if err != nil {
		s.setState(StateClosed)
		return nil, &ConnectionError{Op: "dial", Err: err}
	}
	s.client = client

	readChar, writeChar, err := locateCharacteristics(client, cfg.Descriptor)
	if err != nil {
		_ = client.CancelConnection()
		s.setState(StateClosed)
		return nil, &ConnectionError{Op: "discover", Err: err}
	}
	s.readChar = readChar

	if err := client.WriteCharacteristic(writeChar, cfg.Command, false); err != nil {
		_ = client.CancelConnection()
		s.setState(StateClosed)
		return nil, &ConnectionError{Op: "write", Err: err}
	}
	s.setState(StateConfigured)
	logger.WithField("command_len", len(cfg.Command)).Debug("Configuration command written")

	err = client.Subscribe(readChar, false, func(data []byte) {
		// The transport reuses its notification buffer; hand the sink a copy.
		cp := make([]byte, len(data))
		copy(cp, data)
		sink(cp)
	})
	if err != nil {
		_ = client.CancelConnection()
		s.setState(StateClosed)
		return nil, &ConnectionError{Op: "subscribe", Err: err}
	}
	s.setState(StateStreaming)
	logger.WithFields(logrus.Fields{
		"service": cfg.Descriptor.Service,
		"read":    cfg.Descriptor.Read,
	}).Info("Subscribed to notifications")

	go s.watchLink()

	return s, nil
}

// locateCharacteristics discovers the device profile and resolves the fixed
// UUID triple into live characteristic handles.
func locateCharacteristics(client gattClient, desc Descriptor) (read, write *blelib.Characteristic, err error) {
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to discover profile: %w", err)
	}

	serviceUUID := normalizeUUID(desc.Service)
	readUUID := normalizeUUID(desc.Read)
	writeUUID := normalizeUUID(desc.Write)

	for _, svc := range profile.Services {
		if normalizeUUID(svc.UUID.String()) != serviceUUID {
			continue
		}
		for _, char := range svc.Characteristics {
			switch normalizeUUID(char.UUID.String()) {
			case readUUID:
				read = char
			case writeUUID:
				write = char
			}
		}
		if read == nil {
			return nil, nil, &NotFoundError{Resource: "characteristic", UUID: desc.Read}
		}
		if write == nil {
			return nil, nil, &NotFoundError{Resource: "characteristic", UUID: desc.Write}
		}
		return read, write, nil
	}

	return nil, nil, &NotFoundError{Resource: "service", UUID: desc.Service}
}

// watchLink closes Done when the transport reports an unrecoverable drop.
func (s *Session) watchLink() {
	<-s.client.Disconnected()

	s.mu.Lock()
	alreadyClosed := s.state == StateClosed
	s.mu.Unlock()

	if !alreadyClosed {
		s.logger.Warn("Link dropped by peer")
	}
	s.setState(StateClosed)
	s.doneOnce.Do(func() { close(s.done) })
}

// Done is closed once the session is no longer streaming, whether by link
// drop or by Close.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Close unsubscribes from notifications and cancels the connection.
// Idempotent; later calls return the first close's error.
func (s *Session) Close() error {
	s.closed.Do(func() {
		s.setState(StateClosed)
		s.doneOnce.Do(func() { close(s.done) })

		if s.readChar != nil {
			// Try both notification modes; failing both is worth a warning,
			// the peer may already be gone.
			err1 := s.client.Unsubscribe(s.readChar, false)
			err2 := s.client.Unsubscribe(s.readChar, true)
			if err1 != nil && err2 != nil {
				s.logger.WithFields(logrus.Fields{
					"notifyErr":   err1,
					"indicateErr": err2,
				}).Warn("Failed to unsubscribe from notifications during close")
			}
		}

		s.closeErr = s.client.CancelConnection()
		if s.closeErr != nil {
			s.logger.WithError(s.closeErr).Warn("Device disconnected with errors")
		} else {
			s.logger.Info("Device disconnected")
		}
	})
	return s.closeErr
}
