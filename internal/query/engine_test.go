package query

import (
	"context"
	"testing"
	"time"

	"github.com/patrickmcquay/PcmHacks/internal/device"
	"github.com/patrickmcquay/PcmHacks/internal/frame"
	"github.com/patrickmcquay/PcmHacks/internal/obderr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildPing() []byte { return []byte{0x6C, 0x10, 0xF0, 0x3C, 0x01} }

func TestQuerySucceedsOnFirstMatchingFrame(t *testing.T) {
	m := device.NewMockDevice()
	ts := time.Now()
	m.EnqueueBytes(ts, []byte{0x6C, 0xF0, 0x10, 0x7C, 0x00, 0xAA})

	e := New(m, nil, nil)
	got, err := Query(context.Background(), e, buildPing, func(f frame.Frame) (byte, error) {
		return f.Payload()[0], nil
	})
	require.NoError(t, err)
	assert.Equal(t, byte(0xAA), got)
	assert.Len(t, m.SentFrames(), 1)
}

func TestQueryIgnoresUnrelatedNoiseThenMatches(t *testing.T) {
	m := device.NewMockDevice()
	ts := time.Now()
	// Unrelated bus traffic first, then the real response.
	m.EnqueueBytes(ts,
		[]byte{0x6C, 0x28, 0x10, 0x41}, // noise: different destination
		[]byte{0x6C, 0xF0, 0x10, 0x7C, 0x00, 0xBB},
	)

	e := New(m, nil, nil)
	got, err := Query(context.Background(), e, buildPing, func(f frame.Frame) (byte, error) {
		if f.Destination() != 0xF0 {
			return 0, obderr.New(obderr.UnexpectedResponse, "not for us")
		}
		return f.Payload()[0], nil
	})
	require.NoError(t, err)
	assert.Equal(t, byte(0xBB), got)
}

func TestQuerySwallowsRefusedAndKeepsWaiting(t *testing.T) {
	m := device.NewMockDevice()
	ts := time.Now()
	m.EnqueueBytes(ts,
		[]byte{0x6C, 0xF0, 0x10, 0x7F, 0x3C, 0x22}, // negative response, ignored as noise
		[]byte{0x6C, 0xF0, 0x10, 0x7C, 0x00, 0xCC},
	)

	e := New(m, nil, nil)
	got, err := Query(context.Background(), e, buildPing, func(f frame.Frame) (byte, error) {
		if f.Mode() == frame.ModeNegativeResponse {
			return 0, obderr.New(obderr.Refused, "refused")
		}
		return f.Payload()[0], nil
	})
	require.NoError(t, err)
	assert.Equal(t, byte(0xCC), got)
}

func TestQueryPropagatesNonRefusalFilterError(t *testing.T) {
	m := device.NewMockDevice()
	ts := time.Now()
	m.EnqueueBytes(ts, []byte{0x6C, 0xF0, 0x10, 0x7C, 0x00, 0xAA, 0xBB})

	e := New(m, nil, nil)
	_, err := Query(context.Background(), e, buildPing, func(f frame.Frame) (byte, error) {
		return 0, obderr.New(obderr.Error, "checksum mismatch")
	})
	require.Error(t, err)
	assert.True(t, obderr.Is(err, obderr.Error))
	assert.False(t, obderr.Is(err, obderr.Timeout))
}

func TestQueryTimesOutAfterBoundedAttempts(t *testing.T) {
	m := device.NewMockDevice() // empty queue: every receive is a non-arrival
	e := New(m, nil, nil)

	_, err := Query(context.Background(), e, buildPing, func(f frame.Frame) (byte, error) {
		t.Fatal("filter should never be called with an empty queue")
		return 0, nil
	})
	require.Error(t, err)
	assert.True(t, obderr.Is(err, obderr.Timeout))
	assert.Len(t, m.SentFrames(), MaxSendAttempts, "should have retried the full send-attempt budget")
}

type alwaysCancelled struct{}

func (alwaysCancelled) Cancelled() bool { return true }

func TestQueryCancellationBeforeSend(t *testing.T) {
	m := device.NewMockDevice()
	e := New(m, alwaysCancelled{}, nil)

	_, err := Query(context.Background(), e, buildPing, func(f frame.Frame) (byte, error) {
		return 0, nil
	})
	require.Error(t, err)
	assert.True(t, obderr.Is(err, obderr.Cancelled))
	assert.Empty(t, m.SentFrames(), "cancelled before send should send nothing")
}

func TestQueryClearsQueueBeforeSending(t *testing.T) {
	m := device.NewMockDevice()
	ts := time.Now()
	m.EnqueueBytes(ts, []byte{0x00, 0x00, 0x00, 0x00}) // stale frame from a prior operation

	e := New(m, nil, nil)
	_, err := Query(context.Background(), e, buildPing, func(f frame.Frame) (byte, error) {
		t.Fatal("stale pre-queued frame should have been cleared, not matched")
		return 0, nil
	})
	require.Error(t, err)
	assert.True(t, obderr.Is(err, obderr.Timeout))
}
