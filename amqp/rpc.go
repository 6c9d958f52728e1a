package amqp

import (
	"context"

	"github.com/fan-tom/lapin/internal/frame"
)

// methodSig identifies an AMQP method by class and method id
type methodSig struct {
	classID  uint16
	methodID uint16
}

type rpcResult struct {
	method   *frame.Method
	delivery *Delivery // set only for Get replies
	err      error
}

// pendingRPC is the one in-flight synchronous request a channel may have.
// The protocol answers channel RPCs strictly in order, so a single slot is
// enough; a second concurrent call is a caller bug and fails fast.
type pendingRPC struct {
	expected []methodSig
	done     chan rpcResult
}

func (p *pendingRPC) matches(m *frame.Method) bool {
	for _, sig := range p.expected {
		if sig.classID == m.ClassID && sig.methodID == m.MethodID {
			return true
		}
	}
	return false
}

func (p *pendingRPC) resolve(res rpcResult) {
	select {
	case p.done <- res:
	default:
	}
}

// call sends the frames and blocks until the matching reply arrives, the
// context expires, or the channel dies. With ErrRPCPending nothing has been
// written. On context expiry the slot moves to the orphan list so the late
// reply is logged and discarded instead of being treated as a violation.
func (ch *Channel) call(ctx context.Context, frames []*frame.Frame, expected ...methodSig) (rpcResult, error) {
	p := &pendingRPC{
		expected: expected,
		done:     make(chan rpcResult, 1),
	}

	ch.mu.Lock()
	if err := ch.usableLocked(); err != nil {
		ch.mu.Unlock()
		return rpcResult{}, err
	}
	if ch.rpc != nil {
		ch.mu.Unlock()
		return rpcResult{}, ErrRPCPending
	}
	ch.rpc = p
	ch.mu.Unlock()

	if err := ch.conn.sendFrames(frames...); err != nil {
		ch.mu.Lock()
		if ch.rpc == p {
			ch.rpc = nil
		}
		ch.mu.Unlock()
		return rpcResult{}, err
	}

	select {
	case res := <-p.done:
		if res.err != nil {
			return rpcResult{}, res.err
		}
		return res, nil
	case <-ctx.Done():
		ch.mu.Lock()
		if ch.rpc == p {
			ch.rpc = nil
			ch.orphans = append(ch.orphans, p)
		}
		ch.mu.Unlock()
		return rpcResult{}, ctx.Err()
	}
}

// takePending pops the pending slot if the method matches it. Must be called
// with ch.mu held.
func (ch *Channel) takePendingLocked(m *frame.Method) *pendingRPC {
	if ch.rpc != nil && ch.rpc.matches(m) {
		p := ch.rpc
		ch.rpc = nil
		return p
	}
	return nil
}

// dropOrphanLocked removes and returns an orphaned slot the method would have
// answered, if any. Must be called with ch.mu held.
func (ch *Channel) dropOrphanLocked(m *frame.Method) *pendingRPC {
	for i, p := range ch.orphans {
		if p.matches(m) {
			ch.orphans = append(ch.orphans[:i], ch.orphans[i+1:]...)
			return p
		}
	}
	return nil
}

// failPending resolves the pending slot and all orphans with err. Used during
// channel teardown so no caller blocks forever.
func (ch *Channel) failPending(err error) {
	ch.mu.Lock()
	p := ch.rpc
	ch.rpc = nil
	orphans := ch.orphans
	ch.orphans = nil
	ch.mu.Unlock()

	if p != nil {
		p.resolve(rpcResult{err: err})
	}
	for _, o := range orphans {
		o.resolve(rpcResult{err: err})
	}
}
