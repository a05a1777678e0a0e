package collector

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/databot-io/databot-go/ble"
	"github.com/databot-io/databot-go/protocol"
	"github.com/databot-io/databot-go/resolver"
)

// ----------------------------
// Fake session
// ----------------------------

type fakeSession struct {
	done       chan struct{}
	doneOnce   sync.Once
	closeCount atomic.Int32
}

func newFakeSession() *fakeSession {
	return &fakeSession{done: make(chan struct{})}
}

func (s *fakeSession) Done() <-chan struct{} { return s.done }

func (s *fakeSession) Close() error {
	s.closeCount.Add(1)
	s.doneOnce.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSession) dropLink() {
	s.doneOnce.Do(func() { close(s.done) })
}

type openedSession struct {
	cfg  ble.Config
	sink func([]byte)
}

// installSession replaces the session factory for one test. Each Open hands
// the captured config and sink back through the returned channel.
func installSession(t *testing.T, sess *fakeSession) <-chan openedSession {
	t.Helper()
	opened := make(chan openedSession, 1)
	original := openSession
	openSession = func(ctx context.Context, cfg ble.Config, sink func([]byte)) (session, error) {
		opened <- openedSession{cfg: cfg, sink: sink}
		return sess, nil
	}
	t.Cleanup(func() { openSession = original })
	return opened
}

func pressureConfig() *Config {
	cfg := NewConfig()
	cfg.Pressure = true
	cfg.Refresh = 100 * time.Millisecond
	cfg.Address = "aa:bb:cc:dd:ee:ff"
	return cfg
}

// pressureFrame encodes a single-field frame the way the device transmits it.
func pressureFrame(value float32) []byte {
	return binary.LittleEndian.AppendUint32(nil, math.Float32bits(value))
}

func runAsync(d *Databot, ctx context.Context) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()
	return errCh
}

func waitOpened(t *testing.T, opened <-chan openedSession) openedSession {
	t.Helper()
	select {
	case o := <-opened:
		return o
	case <-time.After(time.Second):
		t.Fatal("session was not opened")
		return openedSession{}
	}
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not terminate")
		return nil
	}
}

// ----------------------------
// Run loop tests
// ----------------------------

func TestRun_EndToEndPressureFrameReachesOverrideConsumerOnce(t *testing.T) {
	sess := newFakeSession()
	opened := installSession(t, sess)

	var frames []*protocol.Frame
	consumer := ConsumerFunc(func(frame *protocol.Frame) (Action, error) {
		frames = append(frames, frame)
		return Stop, nil
	})

	d, err := New(pressureConfig(), consumer, WithLogger(quietLogger()))
	require.NoError(t, err)

	errCh := runAsync(d, context.Background())
	o := waitOpened(t, opened)

	// The encoded command reflects the declarative selection.
	wantCmd, err := protocol.EncodeCommand(&pressureConfig().Selection)
	require.NoError(t, err)
	assert.Equal(t, wantCmd, o.cfg.Command)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", o.cfg.Address)

	o.sink(pressureFrame(98.6))

	require.NoError(t, waitErr(t, errCh), "consumer Stop is a normal termination")
	require.Len(t, frames, 1, "the frame must be delivered exactly once")

	v, ok := frames[0].Fields.Get("pressure")
	require.True(t, ok)
	assert.InDelta(t, 98.6, v, 1e-3)
	assert.Greater(t, frames[0].Epoch, float64(0))
	assert.GreaterOrEqual(t, sess.closeCount.Load(), int32(1), "session must be closed on exit")
}

func TestRun_FragmentedFrameIsReassembled(t *testing.T) {
	cfg := pressureConfig()
	cfg.Gyroscope = true
	cfg.Acceleration = true // 28-byte frame, split across two fragments

	sess := newFakeSession()
	opened := installSession(t, sess)

	var count int
	d, err := New(cfg, ConsumerFunc(func(frame *protocol.Frame) (Action, error) {
		count++
		assert.Equal(t, 7, frame.Fields.Len())
		return Stop, nil
	}), WithLogger(quietLogger()))
	require.NoError(t, err)

	errCh := runAsync(d, context.Background())
	o := waitOpened(t, opened)

	raw := make([]byte, 0, 28)
	for i := 0; i < 7; i++ {
		raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(float32(i)))
	}
	o.sink(raw[:protocol.FragmentSize])
	o.sink(raw[protocol.FragmentSize:])

	require.NoError(t, waitErr(t, errCh))
	assert.Equal(t, 1, count)
}

func TestRun_ConsumerErrorStopsWithCleanup(t *testing.T) {
	sess := newFakeSession()
	opened := installSession(t, sess)

	d, err := New(pressureConfig(), ConsumerFunc(func(*protocol.Frame) (Action, error) {
		return Continue, fmt.Errorf("disk full")
	}), WithLogger(quietLogger()))
	require.NoError(t, err)

	errCh := runAsync(d, context.Background())
	o := waitOpened(t, opened)
	o.sink(pressureFrame(1))

	err = waitErr(t, errCh)
	var consErr *ConsumerError
	require.ErrorAs(t, err, &consErr)
	assert.Contains(t, err.Error(), "disk full")
	assert.GreaterOrEqual(t, sess.closeCount.Load(), int32(1))
}

func TestRun_CorruptReassemblyRecoversInPlace(t *testing.T) {
	sess := newFakeSession()
	opened := installSession(t, sess)

	var frames int
	d, err := New(pressureConfig(), ConsumerFunc(func(*protocol.Frame) (Action, error) {
		frames++
		return Stop, nil
	}), WithLogger(quietLogger()))
	require.NoError(t, err)

	errCh := runAsync(d, context.Background())
	o := waitOpened(t, opened)

	// Oversized blob corrupts the reassembly buffer; the stream must
	// resynchronize and the following well-formed frame must decode.
	o.sink(make([]byte, 9))
	o.sink(pressureFrame(42))

	require.NoError(t, waitErr(t, errCh))
	assert.Equal(t, 1, frames)
}

func TestRun_CancellationClosesSession(t *testing.T) {
	sess := newFakeSession()
	opened := installSession(t, sess)

	d, err := New(pressureConfig(), ConsumerFunc(func(*protocol.Frame) (Action, error) {
		return Continue, nil
	}), WithLogger(quietLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runAsync(d, ctx)
	waitOpened(t, opened)

	cancel()
	assert.ErrorIs(t, waitErr(t, errCh), context.Canceled)
	assert.GreaterOrEqual(t, sess.closeCount.Load(), int32(1))
}

func TestRun_LinkDropSurfacesAsErrLinkLost(t *testing.T) {
	sess := newFakeSession()
	opened := installSession(t, sess)

	d, err := New(pressureConfig(), ConsumerFunc(func(*protocol.Frame) (Action, error) {
		return Continue, nil
	}), WithLogger(quietLogger()))
	require.NoError(t, err)

	errCh := runAsync(d, context.Background())
	waitOpened(t, opened)

	sess.dropLink()
	assert.ErrorIs(t, waitErr(t, errCh), ErrLinkLost)
}

func TestRun_ResolvesAddressWhenUnset(t *testing.T) {
	sess := newFakeSession()
	opened := installSession(t, sess)

	// Pre-seeded cache: resolution must not hit the link layer at all.
	cachePath := filepath.Join(t.TempDir(), "address")
	require.NoError(t, os.WriteFile(cachePath, []byte("11:22:33:44:55:66\n"), 0o600))
	r := resolver.New(quietLogger())
	r.CachePath = cachePath

	cfg := pressureConfig()
	cfg.Address = ""

	d, err := New(cfg, ConsumerFunc(func(*protocol.Frame) (Action, error) {
		return Stop, nil
	}), WithLogger(quietLogger()), WithResolver(r))
	require.NoError(t, err)

	errCh := runAsync(d, context.Background())
	o := waitOpened(t, opened)
	assert.Equal(t, "11:22:33:44:55:66", o.cfg.Address)

	o.sink(pressureFrame(1))
	require.NoError(t, waitErr(t, errCh))
}

func TestRun_FileCollectorStopsAtCapWithExactLineCount(t *testing.T) {
	sess := newFakeSession()
	opened := installSession(t, sess)

	path := filepath.Join(t.TempDir(), "pressure.jsonl")
	d, err := NewFileCollector(pressureConfig(), path, 5, WithLogger(quietLogger()))
	require.NoError(t, err)

	errCh := runAsync(d, context.Background())
	o := waitOpened(t, opened)

	for i := 0; i < 5; i++ {
		o.sink(pressureFrame(float32(i)))
	}

	require.NoError(t, waitErr(t, errCh), "hitting the record cap is a normal stop")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	assert.Len(t, lines, 5, "a cap of 5 records must write exactly 5 lines")
}

func TestRun_QueueCollectorFeedsIndependentWorker(t *testing.T) {
	sess := newFakeSession()
	opened := installSession(t, sess)

	d, queue, err := NewQueueCollector(pressureConfig(), 2, WithLogger(quietLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := runAsync(d, ctx)
	o := waitOpened(t, opened)

	go func() {
		for i := 0; i < 4; i++ {
			o.sink(pressureFrame(float32(i)))
		}
	}()

	// The worker drains more frames than the queue can hold at once.
	for i := 0; i < 4; i++ {
		frame, err := queue.Next(context.Background())
		require.NoError(t, err)
		v, _ := frame.Fields.Get("pressure")
		assert.Equal(t, float64(i), v)
	}

	cancel()
	assert.ErrorIs(t, waitErr(t, errCh), context.Canceled)

	// Cleanup released the queue: a waiter does not hang forever.
	_, err = queue.Next(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestNewFileCollector_RejectedConfigLeavesOutputFileAlone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "readings.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"time":1}`+"\n"), 0o644))

	cfg := NewConfig() // no sensors enabled -> invalid
	cfg.Address = "aa:bb:cc:dd:ee:ff"
	_, err := NewFileCollector(cfg, path, 0, WithLogger(quietLogger()))

	var cfgErr *protocol.ConfigError
	require.ErrorAs(t, err, &cfgErr)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"time":1}`+"\n", string(data),
		"a rejected config must not clobber a pre-existing output file")
}

func TestNew_InvalidSelectionFailsBeforeAnyLinkActivity(t *testing.T) {
	openedCount := atomic.Int32{}
	original := openSession
	openSession = func(ctx context.Context, cfg ble.Config, sink func([]byte)) (session, error) {
		openedCount.Add(1)
		return newFakeSession(), nil
	}
	t.Cleanup(func() { openSession = original })

	cfg := NewConfig() // no sensors enabled
	_, err := New(cfg, ConsumerFunc(func(*protocol.Frame) (Action, error) { return Continue, nil }))

	var cfgErr *protocol.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, int32(0), openedCount.Load())
}
