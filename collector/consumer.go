package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/databot-io/databot-go/protocol"
)

// Action is a consumer's verdict on the stream after handling a frame.
type Action int

const (
	// Continue keeps the stream running.
	Continue Action = iota
	// Stop ends the session gracefully; the run loop performs full cleanup.
	Stop
)

// Consumer receives each decoded frame exactly once. Exactly one consumer is
// active per session; the frame is owned by the consumer after OnFrame
// returns. Returning an error is equivalent to Stop, with the error surfaced
// to the caller as a ConsumerError.
type Consumer interface {
	OnFrame(frame *protocol.Frame) (Action, error)
}

// ConsumerError wraps a failure raised inside a consumer strategy. The
// session still shuts down cleanly.
type ConsumerError struct {
	Err error
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("consumer failed: %v", e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// ConsumerFunc adapts a function to the Consumer interface - the override
// strategy for callers that bring their own processing.
type ConsumerFunc func(frame *protocol.Frame) (Action, error)

func (f ConsumerFunc) OnFrame(frame *protocol.Frame) (Action, error) {
	return f(frame)
}

// OnData wraps a plain per-reading callback into a Consumer that never stops
// on its own. The callback receives the decode timestamp in epoch seconds
// and the fields in wire order.
func OnData(fn func(epoch float64, fields *orderedmap.OrderedMap[string, float64])) Consumer {
	return ConsumerFunc(func(frame *protocol.Frame) (Action, error) {
		fn(frame.Epoch, frame.Fields)
		return Continue, nil
	})
}

// ----------------------------
// File strategy
// ----------------------------

// FileConsumer appends each frame as one self-describing JSON record per
// line. Any pre-existing file of the same name is removed at session start.
// With a positive record cap the consumer stops the session once the cap is
// reached.
type FileConsumer struct {
	path       string
	maxRecords int
	logger     *logrus.Logger

	file    *os.File
	records int
}

// NewFileConsumer removes any existing file at path and opens it for
// appending. maxRecords 0 collects without bound.
func NewFileConsumer(path string, maxRecords int, logger *logrus.Logger) (*FileConsumer, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove existing output file: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}
	return &FileConsumer{
		path:       path,
		maxRecords: maxRecords,
		logger:     logger,
		file:       file,
	}, nil
}

// OnFrame writes one record line: the injected "time" field first, then the
// decoded fields in wire order.
func (c *FileConsumer) OnFrame(frame *protocol.Frame) (Action, error) {
	record := orderedmap.New[string, float64]()
	record.Set("time", frame.Epoch)
	for pair := frame.Fields.Oldest(); pair != nil; pair = pair.Next() {
		record.Set(pair.Key, pair.Value)
	}

	line, err := json.Marshal(record)
	if err != nil {
		return Stop, err
	}
	if _, err := c.file.Write(append(line, '\n')); err != nil {
		return Stop, err
	}

	c.records++
	c.logger.WithFields(logrus.Fields{
		"record": c.records,
		"epoch":  frame.Epoch,
	}).Debug("Wrote record")

	if c.maxRecords > 0 && c.records >= c.maxRecords {
		return Stop, nil
	}
	return Continue, nil
}

// Records returns the number of records written so far.
func (c *FileConsumer) Records() int {
	return c.records
}

// Path returns the output file path.
func (c *FileConsumer) Path() string {
	return c.path
}

// Close flushes and closes the output file. Idempotent.
func (c *FileConsumer) Close() error {
	if c.file == nil {
		return nil
	}
	file := c.file
	c.file = nil
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

// ----------------------------
// Queue strategy
// ----------------------------

// ErrQueueClosed is returned by Next once the queue is closed and drained.
var ErrQueueClosed = errors.New("queue closed")

// DefaultQueueCapacity bounds the queue when no capacity is given.
const DefaultQueueCapacity = 100

// QueueConsumer hands frames to an independent worker through a bounded
// queue. OnFrame blocks while the queue is full - bounded backpressure, no
// frame is ever dropped. Close releases blocked producers and waiting
// consumers.
type QueueConsumer struct {
	frames    chan *protocol.Frame
	closed    chan struct{}
	closeOnce sync.Once
}

// NewQueueConsumer creates a queue with the given capacity
// (DefaultQueueCapacity if non-positive).
func NewQueueConsumer(capacity int) *QueueConsumer {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &QueueConsumer{
		frames: make(chan *protocol.Frame, capacity),
		closed: make(chan struct{}),
	}
}

// OnFrame enqueues the frame, blocking while the queue is full. Termination
// for this strategy is driven externally, so it always continues unless the
// queue has been closed under it.
func (q *QueueConsumer) OnFrame(frame *protocol.Frame) (Action, error) {
	select {
	case q.frames <- frame:
		return Continue, nil
	case <-q.closed:
		return Stop, nil
	}
}

// Next blocks until a frame is available, the context ends, or the queue is
// closed and drained.
func (q *QueueConsumer) Next(ctx context.Context) (*protocol.Frame, error) {
	select {
	case frame := <-q.frames:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.closed:
		// Drain anything enqueued before the close.
		select {
		case frame := <-q.frames:
			return frame, nil
		default:
			return nil, ErrQueueClosed
		}
	}
}

// Len returns the number of queued frames.
func (q *QueueConsumer) Len() int {
	return len(q.frames)
}

// Cap returns the queue capacity.
func (q *QueueConsumer) Cap() int {
	return cap(q.frames)
}

// Close releases every blocked producer and waiter. Idempotent.
func (q *QueueConsumer) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}
