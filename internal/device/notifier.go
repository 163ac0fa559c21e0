package device

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmcquay/PcmHacks/internal/protocol"
)

// notifyInterval is the minimum gap between tool-present heartbeats sent
// by Notify.
const notifyInterval = 800 * time.Millisecond

// ToolPresentNotifier suppresses bus arbitration problems during long
// operations by periodically telling the PCM the tool is still present.
type ToolPresentNotifier struct {
	mu   sync.Mutex
	port Port
	clk  Clock
	last time.Time
}

// NewToolPresentNotifier returns a notifier that sends through port, using
// clk for time so tests can control the 800ms gate deterministically.
func NewToolPresentNotifier(port Port, clk Clock) *ToolPresentNotifier {
	return &ToolPresentNotifier{port: port, clk: clk}
}

// Notify sends a tool-present frame only if at least 800ms has elapsed
// since the last one.
func (n *ToolPresentNotifier) Notify(ctx context.Context) error {
	n.mu.Lock()
	now := n.clk.Now()
	if !n.last.IsZero() && now.Sub(n.last) < notifyInterval {
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()
	return n.ForceNotify(ctx)
}

// ForceNotify always sends, resetting the gate. Used immediately before
// operations where silence is essential.
func (n *ToolPresentNotifier) ForceNotify(ctx context.Context) error {
	if err := n.port.Send(ctx, protocol.BuildToolPresent()); err != nil {
		return err
	}
	n.mu.Lock()
	n.last = n.clk.Now()
	n.mu.Unlock()
	return nil
}
