package amqp

import (
	"context"
	"fmt"
	"sync"

	"github.com/pborman/uuid"

	"github.com/fan-tom/lapin/internal/frame"
	"github.com/fan-tom/lapin/internal/protocol"
)

// ConsumeOptions controls a Basic.Consume registration
type ConsumeOptions struct {
	AutoAck   bool
	Exclusive bool
	NoLocal   bool
	NoWait    bool
	Args      Table
}

// ConsumerCallback receives consumer lifecycle events and deliveries.
// HandleDelivery returning an error nacks the delivery with requeue.
type ConsumerCallback interface {
	HandleConsumeOk(consumerTag string)
	HandleCancelOk(consumerTag string)
	HandleCancel(consumerTag string)
	HandleDelivery(consumerTag string, delivery Delivery) error
	HandleShutdown(consumerTag string, cause *Error)
}

// DefaultConsumer is a no-op base to embed when only some callbacks matter
type DefaultConsumer struct{}

func (DefaultConsumer) HandleConsumeOk(consumerTag string) {}
func (DefaultConsumer) HandleCancelOk(consumerTag string)  {}
func (DefaultConsumer) HandleCancel(consumerTag string)    {}
func (DefaultConsumer) HandleDelivery(consumerTag string, delivery Delivery) error {
	return nil
}
func (DefaultConsumer) HandleShutdown(consumerTag string, cause *Error) {}

// consumerBuffer is the delivery backlog tolerated per consumer before
// inbound dispatch blocks on it.
const consumerBuffer = 128

// consumer carries deliveries from the reader goroutine to the user. The
// reader sends into in, the pump goroutine forwards to out or the callback
// and is the only closer of out, so a blocked dispatch can never race a
// close. in itself is never closed.
type consumer struct {
	tag      string
	in       chan Delivery
	out      chan Delivery
	callback ConsumerCallback

	stopOnce sync.Once
	stopped  chan struct{}
	cause    *Error
}

func newConsumer(tag string, callback ConsumerCallback) *consumer {
	return &consumer{
		tag:      tag,
		in:       make(chan Delivery, consumerBuffer),
		out:      make(chan Delivery),
		callback: callback,
		stopped:  make(chan struct{}),
	}
}

// stop ends the delivery stream; the pump drains what is already buffered
func (cons *consumer) stop(cause *Error) {
	cons.stopOnce.Do(func() {
		cons.cause = cause
		close(cons.stopped)
	})
}

func (cons *consumer) pump(ch *Channel) {
	defer func() {
		if cons.callback != nil {
			cons.callback.HandleShutdown(cons.tag, cons.cause)
		} else {
			close(cons.out)
		}
	}()

	for {
		select {
		case d := <-cons.in:
			if !cons.deliver(ch, d) {
				return
			}
		case <-cons.stopped:
			for {
				select {
				case d := <-cons.in:
					if !cons.deliver(ch, d) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (cons *consumer) deliver(ch *Channel, d Delivery) bool {
	if cons.callback != nil {
		if err := cons.callback.HandleDelivery(cons.tag, d); err != nil {
			ch.logger.Warn("delivery handler failed, requeueing",
				"consumerTag", cons.tag, "deliveryTag", d.DeliveryTag, "error", err)
			d.Nack(false, true)
		}
		return true
	}

	select {
	case cons.out <- d:
		return true
	case <-cons.stopped:
		return false
	}
}

// Consume registers a consumer and returns its delivery stream. The stream
// is closed when the consumer is cancelled or the channel dies. With an
// empty consumerTag a unique one is generated.
func (ch *Channel) Consume(ctx context.Context, queue, consumerTag string, opts ConsumeOptions) (<-chan Delivery, error) {
	cons, err := ch.consume(ctx, queue, consumerTag, opts, nil)
	if err != nil {
		return nil, err
	}
	return cons.out, nil
}

// ConsumeWithCallback registers a consumer whose deliveries are handed to
// callback on a dedicated goroutine, in arrival order. It returns the
// consumer tag for later cancellation.
func (ch *Channel) ConsumeWithCallback(ctx context.Context, queue, consumerTag string, opts ConsumeOptions, callback ConsumerCallback) (string, error) {
	if callback == nil {
		return "", fmt.Errorf("callback cannot be nil")
	}
	cons, err := ch.consume(ctx, queue, consumerTag, opts, callback)
	if err != nil {
		return "", err
	}
	callback.HandleConsumeOk(cons.tag)
	return cons.tag, nil
}

func (ch *Channel) consume(ctx context.Context, queue, consumerTag string, opts ConsumeOptions, callback ConsumerCallback) (*consumer, error) {
	if err := ch.checkOpen(); err != nil {
		return nil, err
	}

	if consumerTag == "" {
		consumerTag = "ctag-" + uuid.New()
	}

	cons := newConsumer(consumerTag, callback)

	ch.mu.Lock()
	if _, dup := ch.consumers[consumerTag]; dup {
		ch.mu.Unlock()
		return nil, fmt.Errorf("consumer tag %q already in use", consumerTag)
	}
	ch.consumers[consumerTag] = cons
	ch.mu.Unlock()

	args := frame.NewBuilder().
		Uint16(0). // reserved
		ShortString(queue).
		ShortString(consumerTag).
		Flags(opts.NoLocal, opts.AutoAck, opts.Exclusive, opts.NoWait).
		Table(protocol.Table(opts.Args)).
		Bytes()

	f := frame.NewMethod(ch.id, protocol.ClassBasic, protocol.MethodBasicConsume, args)

	var err error
	if opts.NoWait {
		err = ch.conn.sendFrames(f)
	} else {
		_, err = ch.call(ctx, []*frame.Frame{f},
			methodSig{protocol.ClassBasic, protocol.MethodBasicConsumeOk})
	}
	if err != nil {
		ch.mu.Lock()
		delete(ch.consumers, consumerTag)
		ch.mu.Unlock()
		return nil, err
	}

	go cons.pump(ch)
	ch.conn.recovery.recordConsumer(queue, consumerTag, opts, callback)
	return cons, nil
}

// BasicCancel cancels a consumer and ends its delivery stream
func (ch *Channel) BasicCancel(ctx context.Context, consumerTag string, noWait bool) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}

	args := frame.NewBuilder().
		ShortString(consumerTag).
		Flags(noWait).
		Bytes()

	f := frame.NewMethod(ch.id, protocol.ClassBasic, protocol.MethodBasicCancel, args)

	var err error
	if noWait {
		err = ch.conn.sendFrames(f)
	} else {
		_, err = ch.call(ctx, []*frame.Frame{f},
			methodSig{protocol.ClassBasic, protocol.MethodBasicCancelOk})
	}
	if err != nil {
		return err
	}

	ch.removeConsumer(consumerTag, nil, false)
	ch.conn.recovery.removeConsumer(consumerTag)
	return nil
}

// handleBasicCancel processes a server-initiated consumer cancel, sent for
// example when the consumed queue is deleted.
func (ch *Channel) handleBasicCancel(m *frame.Method) error {
	args := frame.NewArgs(m.Args)
	consumerTag, err := args.ShortString()
	if err != nil {
		return fmt.Errorf("parse Cancel: %w", err)
	}

	ch.logger.Info("server cancelled consumer", "consumerTag", consumerTag)
	ch.removeConsumer(consumerTag, nil, true)
	ch.conn.recovery.removeConsumer(consumerTag)

	ch.mu.Lock()
	listeners := make([]chan string, len(ch.cancelListeners))
	copy(listeners, ch.cancelListeners)
	ch.mu.Unlock()
	for _, l := range listeners {
		select {
		case l <- consumerTag:
		default:
		}
	}
	return nil
}

func (ch *Channel) removeConsumer(consumerTag string, cause *Error, serverInitiated bool) {
	ch.mu.Lock()
	cons, ok := ch.consumers[consumerTag]
	if ok {
		delete(ch.consumers, consumerTag)
	}
	ch.mu.Unlock()
	if !ok {
		return
	}

	cons.stop(cause)

	if cons.callback != nil {
		cb := cons.callback
		if serverInitiated {
			ch.conn.notify(func() { cb.HandleCancel(consumerTag) })
		} else {
			ch.conn.notify(func() { cb.HandleCancelOk(consumerTag) })
		}
	}
}

// dispatchDelivery hands a reassembled delivery to its consumer's pump. A
// delivery for an unknown tag is dropped; the consumer was cancelled while
// the message was in flight.
func (ch *Channel) dispatchDelivery(d Delivery) {
	ch.mu.Lock()
	cons, ok := ch.consumers[d.ConsumerTag]
	ch.mu.Unlock()
	if !ok {
		ch.logger.Debug("delivery for unknown consumer dropped", "consumerTag", d.ConsumerTag)
		return
	}

	select {
	case cons.in <- d:
	case <-cons.stopped:
	case <-ch.closed:
	}
}
