package amqp

import (
	"context"
	"fmt"
	"sync"

	"github.com/fan-tom/lapin/internal/frame"
	"github.com/fan-tom/lapin/internal/protocol"
)

// Confirmation reports the broker's verdict on one published message
type Confirmation struct {
	DeliveryTag uint64
	Ack         bool
}

// ConfirmListener receives confirm events as callbacks instead of through a
// NotifyPublish channel.
type ConfirmListener interface {
	HandleAck(deliveryTag uint64, multiple bool)
	HandleNack(deliveryTag uint64, multiple bool)
}

// confirmTracker matches broker acks and nacks against the delivery tags
// issued to publishes. Tags are issued in wire order under the channel's
// publish lock, so confirms resolve strictly against what was actually sent.
type confirmTracker struct {
	mu            sync.Mutex
	highest       uint64
	lastConfirmed uint64
	outOfOrder    map[uint64]bool
	pending       map[uint64]chan Confirmation
	listeners     []chan Confirmation
	callbacks     []ConfirmListener
	waiters       []chan struct{}
	cause         *Error
	done          bool
}

func newConfirmTracker() *confirmTracker {
	return &confirmTracker{
		outOfOrder: make(map[uint64]bool),
		pending:    make(map[uint64]chan Confirmation),
	}
}

// issue assigns the next delivery tag. Caller holds the channel's publish
// lock so tag order matches frame order.
func (ct *confirmTracker) issue() uint64 {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.highest++
	return ct.highest
}

func (ct *confirmTracker) registerPending(tag uint64) chan Confirmation {
	c := make(chan Confirmation, 1)
	ct.mu.Lock()
	if ct.done {
		ct.mu.Unlock()
		close(c)
		return c
	}
	ct.pending[tag] = c
	ct.mu.Unlock()
	return c
}

func (ct *confirmTracker) unregisterPending(tag uint64) {
	ct.mu.Lock()
	delete(ct.pending, tag)
	ct.mu.Unlock()
}

// handle processes one Basic.Ack or Basic.Nack from the broker. A tag that
// was never issued, or was already confirmed, is a protocol violation and
// returns an error; otherwise the newly settled confirmations are returned
// in tag order.
func (ct *confirmTracker) handle(tag uint64, multiple, ack bool) ([]Confirmation, error) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if tag == 0 || tag > ct.highest {
		return nil, fmt.Errorf("confirm for delivery tag %d, but only %d issued", tag, ct.highest)
	}
	if tag <= ct.lastConfirmed {
		return nil, fmt.Errorf("confirm for delivery tag %d already settled", tag)
	}

	var settled []Confirmation

	if multiple {
		for t := ct.lastConfirmed + 1; t <= tag; t++ {
			v := ack
			if stored, ok := ct.outOfOrder[t]; ok {
				v = stored
				delete(ct.outOfOrder, t)
			}
			settled = append(settled, Confirmation{DeliveryTag: t, Ack: v})
		}
		ct.lastConfirmed = tag
	} else {
		if _, dup := ct.outOfOrder[tag]; dup {
			return nil, fmt.Errorf("duplicate confirm for delivery tag %d", tag)
		}
		ct.outOfOrder[tag] = ack
	}

	// Settle any run that is now contiguous.
	for {
		v, ok := ct.outOfOrder[ct.lastConfirmed+1]
		if !ok {
			break
		}
		ct.lastConfirmed++
		delete(ct.outOfOrder, ct.lastConfirmed)
		settled = append(settled, Confirmation{DeliveryTag: ct.lastConfirmed, Ack: v})
	}

	for _, conf := range settled {
		if c, ok := ct.pending[conf.DeliveryTag]; ok {
			c <- conf
			delete(ct.pending, conf.DeliveryTag)
		}
	}

	if ct.lastConfirmed == ct.highest && len(ct.outOfOrder) == 0 {
		for _, w := range ct.waiters {
			close(w)
		}
		ct.waiters = nil
	}

	return settled, nil
}

// waiter returns a channel closed once every issued tag is settled, or nil
// when nothing is outstanding.
func (ct *confirmTracker) waiter() chan struct{} {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if ct.done || (ct.lastConfirmed == ct.highest && len(ct.outOfOrder) == 0) {
		return nil
	}
	w := make(chan struct{})
	ct.waiters = append(ct.waiters, w)
	return w
}

func (ct *confirmTracker) failure() error {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.cause != nil {
		return ct.cause
	}
	return nil
}

// shutdown fails everything still outstanding
func (ct *confirmTracker) shutdown(cause *Error) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if ct.done {
		return
	}
	ct.done = true
	ct.cause = cause

	for tag, c := range ct.pending {
		close(c)
		delete(ct.pending, tag)
	}
	for _, w := range ct.waiters {
		close(w)
	}
	ct.waiters = nil
	for _, l := range ct.listeners {
		close(l)
	}
	ct.listeners = nil
}

func (ct *confirmTracker) snapshot() (listeners []chan Confirmation, callbacks []ConfirmListener) {
	ct.mu.Lock()
	listeners = make([]chan Confirmation, len(ct.listeners))
	copy(listeners, ct.listeners)
	callbacks = make([]ConfirmListener, len(ct.callbacks))
	copy(callbacks, ct.callbacks)
	ct.mu.Unlock()
	return
}

// ConfirmSelect puts the channel into confirm mode. Once enabled the broker
// acknowledges every publish; the mode cannot be turned off again.
func (ch *Channel) ConfirmSelect(ctx context.Context, noWait bool) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}

	args := frame.NewBuilder().Flags(noWait).Bytes()
	f := frame.NewMethod(ch.id, protocol.ClassConfirm, protocol.MethodConfirmSelect, args)

	var err error
	if noWait {
		err = ch.conn.sendFrames(f)
	} else {
		_, err = ch.call(ctx, []*frame.Frame{f},
			methodSig{protocol.ClassConfirm, protocol.MethodConfirmSelectOk})
	}
	if err != nil {
		return err
	}

	ch.mu.Lock()
	if ch.confirms == nil {
		ch.confirms = newConfirmTracker()
	}
	ch.mu.Unlock()
	return nil
}

// handleConfirm processes an inbound Basic.Ack or Basic.Nack
func (ch *Channel) handleConfirm(m *frame.Method, ack bool) error {
	ch.mu.Lock()
	tracker := ch.confirms
	ch.mu.Unlock()
	if tracker == nil {
		return fmt.Errorf("confirm on channel %d not in confirm mode", ch.id)
	}

	args := frame.NewArgs(m.Args)
	tag, err := args.Uint64()
	if err != nil {
		return fmt.Errorf("parse confirm: %w", err)
	}
	multiple, err := args.Bool()
	if err != nil {
		return fmt.Errorf("parse confirm: %w", err)
	}
	// Nack carries a requeue bit after multiple; irrelevant to the publisher.

	settled, err := tracker.handle(tag, multiple, ack)
	if err != nil {
		return err
	}

	listeners, callbacks := tracker.snapshot()
	for _, conf := range settled {
		if conf.Ack {
			ch.conn.metrics.MessageAcknowledged()
			if ch.conn.outbox != nil {
				ch.conn.outbox.confirm(ch.id, conf.DeliveryTag)
			}
		}
		for _, l := range listeners {
			select {
			case l <- conf:
			default:
				ch.logger.Warn("confirmation dropped, listener full", "deliveryTag", conf.DeliveryTag)
			}
		}
	}
	for _, cb := range callbacks {
		cb := cb
		if ack {
			ch.conn.notify(func() { cb.HandleAck(tag, multiple) })
		} else {
			ch.conn.notify(func() { cb.HandleNack(tag, multiple) })
		}
	}
	return nil
}

// NotifyPublish registers a listener for confirmations. The channel should
// be buffered; it is closed on channel teardown.
func (ch *Channel) NotifyPublish(confirmChan chan Confirmation) chan Confirmation {
	ch.mu.Lock()
	tracker := ch.confirms
	ch.mu.Unlock()
	if tracker == nil {
		close(confirmChan)
		return confirmChan
	}

	tracker.mu.Lock()
	if tracker.done {
		tracker.mu.Unlock()
		close(confirmChan)
		return confirmChan
	}
	tracker.listeners = append(tracker.listeners, confirmChan)
	tracker.mu.Unlock()
	return confirmChan
}

// AddConfirmListener registers callback-style confirm handling
func (ch *Channel) AddConfirmListener(listener ConfirmListener) error {
	ch.mu.Lock()
	tracker := ch.confirms
	ch.mu.Unlock()
	if tracker == nil {
		return ErrConfirmsNotEnabled
	}

	tracker.mu.Lock()
	tracker.callbacks = append(tracker.callbacks, listener)
	tracker.mu.Unlock()
	return nil
}

// WaitForConfirms blocks until every outstanding publish is settled
func (ch *Channel) WaitForConfirms(ctx context.Context) error {
	ch.mu.Lock()
	tracker := ch.confirms
	ch.mu.Unlock()
	if tracker == nil {
		return ErrConfirmsNotEnabled
	}

	w := tracker.waiter()
	if w == nil {
		return tracker.failure()
	}

	select {
	case <-w:
		return tracker.failure()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishWithConfirm publishes one message and blocks until the broker
// settles it. The channel must be in confirm mode.
func (ch *Channel) PublishWithConfirm(ctx context.Context, exchange, routingKey string, mandatory, immediate bool, msg Publishing) (Confirmation, error) {
	if err := ch.checkOpen(); err != nil {
		return Confirmation{}, err
	}
	ch.mu.Lock()
	tracker := ch.confirms
	ch.mu.Unlock()
	if tracker == nil {
		return Confirmation{}, ErrConfirmsNotEnabled
	}
	if ch.flowBlocked.Load() {
		return Confirmation{}, ErrFlowBlocked
	}

	frames, err := ch.buildPublishFrames(exchange, routingKey, mandatory, immediate, msg)
	if err != nil {
		return Confirmation{}, err
	}

	ch.pubMu.Lock()
	seq := tracker.issue()
	pending := tracker.registerPending(seq)
	if ch.conn.outbox != nil {
		ch.conn.outbox.record(ch.id, seq, exchange, routingKey, msg)
	}
	err = ch.conn.sendFrames(frames...)
	ch.pubMu.Unlock()

	if err != nil {
		tracker.unregisterPending(seq)
		return Confirmation{}, err
	}
	ch.conn.metrics.MessagePublished()

	select {
	case conf, ok := <-pending:
		if !ok {
			if fail := tracker.failure(); fail != nil {
				return Confirmation{}, fail
			}
			return Confirmation{}, ErrChannelClosed
		}
		return conf, nil
	case <-ctx.Done():
		tracker.unregisterPending(seq)
		return Confirmation{}, ctx.Err()
	}
}
