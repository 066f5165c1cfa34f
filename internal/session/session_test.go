package session

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/resident-x/go-pi30/internal/domain"
	"github.com/resident-x/go-pi30/internal/protocol"
	"github.com/resident-x/go-pi30/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePort is a scripted in-memory SerialPort.
type fakePort struct {
	openErrs  []error // consumed one per Open call
	opens     int
	closes    int
	lastWrite []byte
	respond   func(cmd []byte) ([]byte, error)
	lines     [][2]bool
}

func (f *fakePort) Open() error {
	f.opens++
	if len(f.openErrs) > 0 {
		err := f.openErrs[0]
		f.openErrs = f.openErrs[1:]
		if err != nil {
			return err
		}
	}
	return nil
}

func (f *fakePort) Write(data []byte) (int, error) {
	f.lastWrite = append([]byte(nil), data...)
	return len(data), nil
}

func (f *fakePort) ReadUntil(delim byte, timeout time.Duration) ([]byte, error) {
	return f.respond(f.lastWrite)
}

func (f *fakePort) SetControlLines(dtr, rts bool) error {
	f.lines = append(f.lines, [2]bool{dtr, rts})
	return nil
}

func (f *fakePort) Close() error {
	f.closes++
	return nil
}

// respondWith answers every command with a fixed payload.
func respondWith(payload string) func([]byte) ([]byte, error) {
	return func([]byte) ([]byte, error) {
		body := []byte("(" + payload)
		hi, lo := protocol.Checksum(body)
		return append(append(body, hi, lo), protocol.FrameEnd), nil
	}
}

func newTestSession(t *testing.T, port domain.SerialPort, threshold int, onAvail AvailabilityFunc) *Session {
	t.Helper()
	codec, err := protocol.NewCodec()
	require.NoError(t, err)
	identity := domain.DeviceIdentity{ID: "inverter_l1", Name: "Inverter L1", Port: "/dev/ttyUSB0", Role: "L1"}
	return New(identity, port, codec, time.Second, threshold, onAvail)
}

func TestQuerySuccessMarksDeviceOnline(t *testing.T) {
	port := &fakePort{respond: respondWith("B")}

	var events []bool
	sess := newTestSession(t, port, 3, func(id string, online bool) {
		assert.Equal(t, "inverter_l1", id)
		events = append(events, online)
	})

	set, err := sess.Query(context.Background(), domain.QueryMode)
	require.NoError(t, err)
	assert.Equal(t, "Battery", set.Values["inverter_mode"].Display())

	assert.Equal(t, StateOpen, sess.State())
	assert.Equal(t, []bool{true}, events)

	snap := sess.Snapshot()
	assert.True(t, snap.Available)
	assert.Zero(t, snap.ConsecutiveFails)
	assert.False(t, snap.LastSuccess.IsZero())
	assert.Equal(t, "Battery", snap.Metrics[domain.QueryMode].Values["inverter_mode"].Display())

	// Wake pulse: lines dropped, then raised.
	require.Len(t, port.lines, 2)
	assert.Equal(t, [2]bool{false, false}, port.lines[0])
	assert.Equal(t, [2]bool{true, true}, port.lines[1])
}

func TestQuerySendsEncodedCommand(t *testing.T) {
	port := &fakePort{respond: respondWith("96332309100452")}
	sess := newTestSession(t, port, 3, nil)

	_, err := sess.Query(context.Background(), domain.QueryIdentity)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(protocol.EncodeCommand("QID"), port.lastWrite))

	snap := sess.Snapshot()
	assert.Equal(t, "96332309100452", snap.SerialNumber)
}

func TestOpenFailureBacksOff(t *testing.T) {
	openErr := &transport.PortOpenError{Port: "/dev/ttyUSB0", Err: errors.New("no such device")}
	port := &fakePort{
		openErrs: []error{openErr, openErr},
		respond:  respondWith("B"),
	}
	sess := newTestSession(t, port, 3, nil)

	_, err := sess.Query(context.Background(), domain.QueryMode)
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, StateClosed, sess.State())
	assert.Equal(t, 1, port.opens)

	// Immediate retry sits out the backoff window without touching the port.
	_, err = sess.Query(context.Background(), domain.QueryMode)
	require.ErrorIs(t, err, ErrReopenPending)
	assert.Equal(t, 1, port.opens)
}

func TestConsecutiveFailuresClearAvailability(t *testing.T) {
	port := &fakePort{respond: respondWith("B")}

	var events []bool
	sess := newTestSession(t, port, 2, func(_ string, online bool) {
		events = append(events, online)
	})

	_, err := sess.Query(context.Background(), domain.QueryMode)
	require.NoError(t, err)
	require.Equal(t, []bool{true}, events)

	// Corrupted frames: decode fails, the port stays open.
	port.respond = func([]byte) ([]byte, error) {
		return []byte("(B00\r"), nil
	}

	_, err = sess.Query(context.Background(), domain.QueryMode)
	require.Error(t, err)
	assert.True(t, sess.Snapshot().Available, "one failure is below the threshold")

	_, err = sess.Query(context.Background(), domain.QueryMode)
	require.Error(t, err)
	assert.False(t, sess.Snapshot().Available)
	assert.Equal(t, []bool{true, false}, events)
	assert.Equal(t, StateOpen, sess.State())
	assert.Zero(t, port.closes)

	// Recovery flips availability back in one successful query.
	port.respond = respondWith("B")
	_, err = sess.Query(context.Background(), domain.QueryMode)
	require.NoError(t, err)
	assert.True(t, sess.Snapshot().Available)
	assert.Equal(t, []bool{true, false, true}, events)
}

func TestIOErrorClosesPort(t *testing.T) {
	port := &fakePort{respond: respondWith("B")}
	sess := newTestSession(t, port, 3, nil)

	_, err := sess.Query(context.Background(), domain.QueryMode)
	require.NoError(t, err)

	port.respond = func([]byte) ([]byte, error) {
		return nil, &transport.PortIOError{Port: "/dev/ttyUSB0", Err: errors.New("device removed")}
	}

	_, err = sess.Query(context.Background(), domain.QueryMode)
	require.Error(t, err)
	assert.Equal(t, StateClosed, sess.State())
	assert.Equal(t, 1, port.closes)
}

func TestReadTimeoutKeepsPortOpen(t *testing.T) {
	port := &fakePort{respond: respondWith("B")}
	sess := newTestSession(t, port, 3, nil)

	_, err := sess.Query(context.Background(), domain.QueryMode)
	require.NoError(t, err)

	port.respond = func([]byte) ([]byte, error) {
		return nil, transport.ErrReadTimeout
	}

	_, err = sess.Query(context.Background(), domain.QueryMode)
	require.ErrorIs(t, err, transport.ErrReadTimeout)
	assert.Equal(t, StateOpen, sess.State())
	assert.Zero(t, port.closes)
	assert.Equal(t, 1, sess.Snapshot().ConsecutiveFails)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	port := &fakePort{respond: respondWith("B")}
	sess := newTestSession(t, port, 3, nil)

	_, err := sess.Query(context.Background(), domain.QueryMode)
	require.NoError(t, err)

	snap := sess.Snapshot()
	snap.Metrics[domain.QueryMode] = domain.MetricSet{}
	delete(snap.Metrics, domain.QueryMode)

	again := sess.Snapshot()
	assert.Contains(t, again.Metrics, domain.QueryMode)
}

func TestSnapshotDoesNotWaitForInFlightRead(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	port := &fakePort{}
	port.respond = func(cmd []byte) ([]byte, error) {
		close(started)
		<-release
		return respondWith("B")(cmd)
	}
	sess := newTestSession(t, port, 3, nil)

	queryDone := make(chan struct{})
	go func() {
		defer close(queryDone)
		_, err := sess.Query(context.Background(), domain.QueryMode)
		assert.NoError(t, err)
	}()

	<-started

	snapDone := make(chan struct{})
	go func() {
		sess.Snapshot()
		sess.State()
		close(snapDone)
	}()

	select {
	case <-snapDone:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("snapshot waited on an in-flight read")
	}

	close(release)
	<-queryDone
}

func TestQueryHonoursContextCancellation(t *testing.T) {
	port := &fakePort{respond: respondWith("B")}
	sess := newTestSession(t, port, 3, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := sess.Query(ctx, domain.QueryMode)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, port.opens)
}
