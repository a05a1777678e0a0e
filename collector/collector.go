// Package collector is the sensor-pod client: it resolves the device
// address, opens a streaming session, decodes notifications into frames,
// and dispatches each frame to exactly one consumer strategy.
package collector

import (
	"context"
	"errors"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/databot-io/databot-go/ble"
	"github.com/databot-io/databot-go/protocol"
	"github.com/databot-io/databot-go/resolver"
)

// ErrLinkLost is returned by Run when an established link drops mid-stream.
// The client does not reconnect on its own; restart the run to retry.
var ErrLinkLost = ble.ErrLinkLost

// session is the slice of ble.Session the run loop uses; narrowed so tests
// can fake it.
type session interface {
	Done() <-chan struct{}
	Close() error
}

// openSession is the session entry point, overridable in tests.
var openSession = func(ctx context.Context, cfg ble.Config, sink func([]byte)) (session, error) {
	return ble.Open(ctx, cfg, sink)
}

// Databot streams readings from one sensor pod to one consumer. A Databot
// may run at most one session at a time; rerunning after an error starts a
// completely fresh session.
type Databot struct {
	cfg      *Config
	consumer Consumer
	logger   *logrus.Logger
	resolver *resolver.Resolver
}

// Option adjusts a Databot at construction.
type Option func(*Databot)

// WithLogger sets the client logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(d *Databot) { d.logger = logger }
}

// WithResolver replaces the address resolver (custom cache path, name
// prefix, or scan timeout).
func WithResolver(r *resolver.Resolver) Option {
	return func(d *Databot) { d.resolver = r }
}

// New validates the configuration and builds a client around the given
// consumer strategy. Selection problems are reported here, before any link
// activity, as *protocol.ConfigError.
func New(cfg *Config, consumer Consumer, opts ...Option) (*Databot, error) {
	if cfg == nil {
		return nil, &protocol.ConfigError{Reason: "config is required"}
	}
	if consumer == nil {
		return nil, &protocol.ConfigError{Reason: "a consumer strategy is required"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Databot{cfg: cfg, consumer: consumer}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logrus.New()
	}
	if d.resolver == nil {
		d.resolver = resolver.New(d.logger)
	}
	return d, nil
}

// NewFileCollector builds a client that appends every frame to a JSON-lines
// file, stopping after maxRecords records (0 = unlimited). The config is
// checked before the path is touched: a rejected config leaves any
// pre-existing file at path intact.
func NewFileCollector(cfg *Config, path string, maxRecords int, opts ...Option) (*Databot, error) {
	if cfg == nil {
		return nil, &protocol.ConfigError{Reason: "config is required"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Databot{}
	for _, opt := range opts {
		opt(d)
	}
	file, err := NewFileConsumer(path, maxRecords, d.logger)
	if err != nil {
		return nil, err
	}
	bot, err := New(cfg, file, opts...)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return bot, nil
}

// NewQueueCollector builds a client that produces into a bounded queue and
// returns the queue for an independent worker to drain.
func NewQueueCollector(cfg *Config, capacity int, opts ...Option) (*Databot, *QueueConsumer, error) {
	queue := NewQueueConsumer(capacity)
	d, err := New(cfg, queue, opts...)
	if err != nil {
		return nil, nil, err
	}
	return d, queue, nil
}

// Run drives the full pipeline: resolve address, open the session, decode
// each notification, dispatch each frame. It returns nil when the consumer
// stops the stream, ctx.Err() on cancellation, ErrLinkLost when the link
// drops, and a ConsumerError when the consumer fails. On every exit path
// the session is closed and the consumer's resources (file handle, queue
// waiters) are released.
func (d *Databot) Run(ctx context.Context) error {
	address := d.cfg.Address
	if address == "" {
		resolved, err := d.resolver.Resolve(ctx, false)
		if err != nil {
			d.releaseConsumer()
			return err
		}
		address = resolved
	}

	command, err := protocol.EncodeCommand(&d.cfg.Selection)
	if err != nil {
		d.releaseConsumer()
		return err
	}
	decoder := protocol.NewDecoder(&d.cfg.Selection)

	// The sink runs on the transport goroutine; decode and dispatch run
	// here. A busy loop back-pressures the sink, which back-pressures the
	// link - no frame is dropped on the host side.
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	raw := make(chan []byte, 16)
	sink := func(data []byte) {
		select {
		case raw <- data:
		case <-loopCtx.Done():
		}
	}

	sess, err := openSession(ctx, ble.Config{
		Address:        address,
		Descriptor:     d.cfg.descriptor(),
		Command:        command,
		ConnectTimeout: d.cfg.ConnectTimeout,
		Logger:         d.logger,
	}, sink)
	if err != nil {
		d.releaseConsumer()
		return err
	}

	defer func() {
		if err := sess.Close(); err != nil {
			d.logger.WithError(err).Warn("Session close reported errors")
		}
		d.releaseConsumer()
	}()

	d.logger.WithFields(logrus.Fields{
		"address":    address,
		"sensors":    d.cfg.EnabledSensors(),
		"refresh":    d.cfg.Refresh,
		"frame_size": decoder.Expected(),
	}).Info("Streaming started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-sess.Done():
			return ErrLinkLost

		case fragment := <-raw:
			frame, err := decoder.Decode(fragment)
			if err != nil {
				// Corrupt reassembly is recoverable: the decoder has reset
				// and the stream resynchronizes on the next fragment.
				var protoErr *protocol.ProtocolError
				if errors.As(err, &protoErr) {
					d.logger.WithError(protoErr).Warn("Discarded corrupt frame")
					continue
				}
				return err
			}
			if frame == nil {
				continue // fragment accepted, frame still incomplete
			}

			action, err := d.consumer.OnFrame(frame)
			if err != nil {
				return &ConsumerError{Err: err}
			}
			if action == Stop {
				d.logger.Info("Consumer requested stop")
				return nil
			}
		}
	}
}

// releaseConsumer closes the consumer's resources if it has any: the file
// strategy's handle, the queue strategy's blocked waiters.
func (d *Databot) releaseConsumer() {
	if closer, ok := d.consumer.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			d.logger.WithError(err).Warn("Consumer close reported errors")
		}
	}
}
