// Package mailbox correlates Results with the Records that asked for them.
//
// A Mailbox is owned by a run and passed explicitly to whoever registers or
// resolves slots. Each slot has its own synchronization; the table itself is
// a sync.Map so unrelated slots never contend.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/trackd/log"
	"github.com/pithecene-io/trackd/types"
)

// Handle is a registered slot. It is resolved at most once.
type Handle struct {
	slot   string
	once   sync.Once
	done   chan struct{}
	result *types.Result
}

// Slot returns the slot name.
func (h *Handle) Slot() string {
	return h.slot
}

// Done is closed when the handle is resolved or cancelled.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the delivered result, or nil while pending.
func (h *Handle) Result() *types.Result {
	select {
	case <-h.done:
		return h.result
	default:
		return nil
	}
}

func (h *Handle) deliver(res *types.Result) bool {
	delivered := false
	h.once.Do(func() {
		h.result = res
		close(h.done)
		delivered = true
	})
	return delivered
}

// Mailbox is the slot table of one run.
type Mailbox struct {
	slots  sync.Map // slot -> *Handle
	logger *log.Logger
}

// New creates an empty mailbox.
func New(logger *log.Logger) *Mailbox {
	return &Mailbox{logger: logger.Named("mailbox")}
}

// NewSlot returns a fresh slot name.
func NewSlot() string {
	return uuid.NewString()
}

// Register reserves slot. Registering a slot that is still pending is a
// UsageError.
func (m *Mailbox) Register(slot string) (*Handle, error) {
	if slot == "" {
		return nil, types.UsageError("register", errors.New("empty slot"))
	}
	h := &Handle{slot: slot, done: make(chan struct{})}
	if _, loaded := m.slots.LoadOrStore(slot, h); loaded {
		return nil, types.UsageError("register", fmt.Errorf("slot %q already registered", slot))
	}
	return h, nil
}

// Resolve delivers res to the waiter on slot and releases the slot.
// res must echo the slot in its Control block. Resolving an unknown or
// already-resolved slot returns ErrUnknownSlot.
func (m *Mailbox) Resolve(slot string, res *types.Result) error {
	if res == nil {
		return types.UsageError("resolve", errors.New("nil result"))
	}
	if res.Control.MailboxSlot != slot {
		return types.UsageError("resolve", fmt.Errorf("result for slot %q delivered to %q", res.Control.MailboxSlot, slot))
	}
	v, ok := m.slots.LoadAndDelete(slot)
	if !ok {
		return fmt.Errorf("resolve %q: %w", slot, types.ErrUnknownSlot)
	}
	v.(*Handle).deliver(res)
	return nil
}

// Deliver resolves the slot named by the result's Control block.
func (m *Mailbox) Deliver(res *types.Result) error {
	return m.Resolve(res.Control.MailboxSlot, res)
}

// Has reports whether slot is registered and pending.
func (m *Mailbox) Has(slot string) bool {
	_, ok := m.slots.Load(slot)
	return ok
}

// Cancel resolves slot with a Cancelled result. Effects already applied for
// the record are not undone.
func (m *Mailbox) Cancel(slot string) error {
	return m.Resolve(slot, cancelled(slot))
}

// Await waits for h to be resolved. A zero timeout waits until ctx is done.
// On timeout the slot stays registered and a later Await may still
// receive the result.
func (m *Mailbox) Await(ctx context.Context, h *Handle, timeout time.Duration) (*types.Result, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-h.done:
		return h.result, nil
	case <-expired:
		return nil, fmt.Errorf("await %q after %s: %w", h.slot, timeout, types.ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending returns the number of registered slots.
func (m *Mailbox) Pending() int {
	n := 0
	m.slots.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close cancels every pending slot.
func (m *Mailbox) Close() {
	m.slots.Range(func(k, v any) bool {
		if _, ok := m.slots.LoadAndDelete(k); ok {
			v.(*Handle).deliver(cancelled(k.(string)))
		}
		return true
	})
	m.logger.Debug("mailbox closed", nil)
}

func cancelled(slot string) *types.Result {
	return &types.Result{
		Control:  types.Control{ExpectsResponse: true, MailboxSlot: slot},
		Response: &types.Cancelled{Slot: slot},
	}
}
