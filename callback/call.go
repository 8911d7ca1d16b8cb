package callback

import (
	"context"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/proto"

	"pico-rpc/client"
)

// Handlers receive the events of one call. Any of them may be nil. They run
// on the goroutine that feeds packets to the client, so they should not
// block.
type Handlers struct {
	// OnNext is called for every decoded response payload.
	OnNext func(payload proto.Message)
	// OnCompleted is called when the call ends with codes.OK.
	OnCompleted func()
	// OnError is called when the call ends with any other status.
	OnError func(status codes.Code)
}

// Call is one invocation of a method.
type Call struct {
	rpcs     *client.PendingRPCs
	rpc      client.PendingRPC
	handlers Handlers

	mu     sync.Mutex
	status codes.Code
	done   chan struct{}
}

func newCall(rpcs *client.PendingRPCs, rpc client.PendingRPC, h Handlers) *Call {
	return &Call{
		rpcs:     rpcs,
		rpc:      rpc,
		handlers: h,
		done:     make(chan struct{}),
	}
}

// RPC returns the identity of the call.
func (c *Call) RPC() client.PendingRPC {
	return c.rpc
}

// Done is closed once the call has finished or was cancelled.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Status returns the final status and whether the call has finished.
func (c *Call) Status() (codes.Code, bool) {
	if !c.finished() {
		return codes.Unknown, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, true
}

// Wait blocks until the call finishes or ctx is done. On ctx expiry the
// call is cancelled, unless a response already claimed it.
func (c *Call) Wait(ctx context.Context) (codes.Code, error) {
	select {
	case <-c.done:
		s, _ := c.Status()
		return s, nil
	case <-ctx.Done():
		if c.Cancel() {
			return codes.Canceled, ctx.Err()
		}
		// The call left the pending table without us, so it finishes now.
		<-c.done
		s, _ := c.Status()
		return s, nil
	}
}

// Cancel stops the call and reports whether it was still pending. Once
// Cancel returns no more handlers are started for the call.
func (c *Call) Cancel() bool {
	select {
	case <-c.done:
		return false
	default:
	}
	if !c.rpcs.CancelIf(c.rpc, func(ctx any) bool { return ctx == c }) {
		return false
	}
	c.finish(codes.Canceled)
	return true
}

func (c *Call) finished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Call) handle(status *codes.Code, payload proto.Message) {
	if c.finished() {
		return
	}
	if payload != nil && c.handlers.OnNext != nil {
		c.handlers.OnNext(payload)
	}
	if status == nil {
		return
	}
	if *status == codes.OK {
		if c.handlers.OnCompleted != nil {
			c.handlers.OnCompleted()
		}
	} else if c.handlers.OnError != nil {
		c.handlers.OnError(*status)
	}
	c.finish(*status)
}

func (c *Call) finish(status codes.Code) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
	}
	c.status = status
	close(c.done)
}
