package client

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"pico-rpc/descriptor"
	"pico-rpc/packet"
)

var (
	// ErrAlreadyPending is returned when invoking a call that is still
	// outstanding. Cancel it first, or invoke with overridePending.
	ErrAlreadyPending = errors.New("pico-rpc(client): rpc is already pending")
	// ErrNotPending is returned when resolving a call that was never invoked
	// or has already finished.
	ErrNotPending = errors.New("pico-rpc(client): rpc is not pending")
)

// PendingRPC names one call: the channel it runs on and the method it
// invokes. At most one call per PendingRPC is outstanding at a time.
type PendingRPC struct {
	Channel *descriptor.Channel
	Service *descriptor.Service
	Method  *descriptor.Method
}

func (rpc PendingRPC) String() string {
	return fmt.Sprintf("PendingRPC(channel=%d, method=%s)", rpc.Channel.ID, rpc.Method.FullName())
}

func (rpc PendingRPC) fields() []zap.Field {
	return []zap.Field{
		zap.Uint32("channel", rpc.Channel.ID),
		zap.String("method", rpc.Method.FullName()),
	}
}

// pendingEntry holds the caller's context. Each invocation gets its own
// entry, so two calls with equal contexts are still told apart.
type pendingEntry struct {
	context any
}

// PendingRPCs tracks outstanding calls. All methods are safe for concurrent
// use; channel writes happen outside the lock.
type PendingRPCs struct {
	mu      sync.Mutex // protects pending
	pending map[PendingRPC]*pendingEntry
	logger  *zap.Logger
}

// NewPendingRPCs creates an empty table. A nil logger disables logging.
func NewPendingRPCs(logger *zap.Logger) *PendingRPCs {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PendingRPCs{
		pending: make(map[PendingRPC]*pendingEntry),
		logger:  logger,
	}
}

// Invoke registers rpc with context and then sends the request carrying
// payload. Unless overridePending is set, an rpc that is already pending is
// rejected with ErrAlreadyPending and nothing is sent.
func (p *PendingRPCs) Invoke(rpc PendingRPC, payload []byte, context any, overridePending bool) error {
	if _, ok := p.insert(rpc, &pendingEntry{context: context}, overridePending); !ok {
		return errors.Wrapf(ErrAlreadyPending, "sent request for %s; cancel the rpc before invoking it again", rpc)
	}
	p.start(rpc, payload)
	return nil
}

// Replace registers rpc with context whether or not it is pending, sends the
// request and returns the context of the call it displaced, if any.
func (p *PendingRPCs) Replace(rpc PendingRPC, payload []byte, context any) (previous any, replaced bool) {
	prev, _ := p.insert(rpc, &pendingEntry{context: context}, true)
	p.start(rpc, payload)
	if prev == nil {
		return nil, false
	}
	return prev.context, true
}

func (p *PendingRPCs) start(rpc PendingRPC, payload []byte) {
	p.logger.Debug("starting rpc", rpc.fields()...)
	p.output(rpc, packet.EncodeRequest(rpc.Channel.ID, rpc.Service.ID, rpc.Method.ID, payload))
}

// insert stores entry for rpc and reports whether it was stored, along with
// the entry it replaced.
func (p *PendingRPCs) insert(rpc PendingRPC, entry *pendingEntry, override bool) (*pendingEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev, ok := p.pending[rpc]
	if ok && !override {
		return nil, false
	}
	p.pending[rpc] = entry
	return prev, true
}

// Cancel forgets rpc and reports whether it was pending. Streaming calls
// also get a CANCEL packet so the server stops sending; unary calls have no
// wire-level cancel.
func (p *PendingRPCs) Cancel(rpc PendingRPC) bool {
	return p.CancelIf(rpc, func(any) bool { return true })
}

// CancelIf is Cancel for an rpc whose pending context satisfies match. The
// check and the removal happen under one lock, so a caller holding a stale
// context never cancels the call that replaced it.
func (p *PendingRPCs) CancelIf(rpc PendingRPC, match func(context any) bool) bool {
	p.mu.Lock()
	entry, ok := p.pending[rpc]
	if ok && match(entry.context) {
		delete(p.pending, rpc)
	} else {
		ok = false
	}
	p.mu.Unlock()

	if !ok {
		return false
	}

	p.logger.Debug("cancelling rpc", rpc.fields()...)
	if rpc.Method.Type != descriptor.Unary {
		p.output(rpc, packet.EncodeCancel(rpc.Channel.ID, rpc.Service.ID, rpc.Method.ID))
	}
	return true
}

// Resolve returns the context of a pending rpc. A terminal lookup also
// removes the rpc, finishing the call; a non-terminal one leaves it pending
// for further stream responses.
func (p *PendingRPCs) Resolve(rpc PendingRPC, terminal bool) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.pending[rpc]
	if !ok {
		return nil, errors.Wrapf(ErrNotPending, "%s", rpc)
	}
	if terminal {
		delete(p.pending, rpc)
	}
	return entry.context, nil
}

// Pending reports whether rpc is outstanding.
func (p *PendingRPCs) Pending(rpc PendingRPC) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[rpc]
	return ok
}

// Len returns the number of outstanding calls.
func (p *PendingRPCs) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *PendingRPCs) output(rpc PendingRPC, data []byte) {
	if err := rpc.Channel.Output(data); err != nil {
		p.logger.Debug("channel output failed", append(rpc.fields(), zap.Error(err))...)
	}
}
