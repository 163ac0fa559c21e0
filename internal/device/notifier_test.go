package device

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

func TestNotifyGatedAt800ms(t *testing.T) {
	m := NewMockDevice()
	clk := &fakeClock{now: time.Unix(0, 0)}
	n := NewToolPresentNotifier(m, clk)
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx))
	assert.Len(t, m.SentFrames(), 1)

	clk.now = clk.now.Add(500 * time.Millisecond)
	require.NoError(t, n.Notify(ctx))
	assert.Len(t, m.SentFrames(), 1, "notify within 800ms should be suppressed")

	clk.now = clk.now.Add(301 * time.Millisecond)
	require.NoError(t, n.Notify(ctx))
	assert.Len(t, m.SentFrames(), 2, "notify after 800ms should send")
}

func TestForceNotifyAlwaysSends(t *testing.T) {
	m := NewMockDevice()
	clk := &fakeClock{now: time.Unix(0, 0)}
	n := NewToolPresentNotifier(m, clk)
	ctx := context.Background()

	require.NoError(t, n.ForceNotify(ctx))
	require.NoError(t, n.ForceNotify(ctx))
	assert.Len(t, m.SentFrames(), 2)
}
