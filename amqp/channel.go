package amqp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/fan-tom/lapin/internal/frame"
	"github.com/fan-tom/lapin/internal/protocol"
)

// ChannelState tracks the lifecycle of a channel
type ChannelState int32

const (
	ChannelStateOpening ChannelState = iota
	ChannelStateOpen
	ChannelStateClosing
	ChannelStateClosed
	ChannelStateError
)

func (cs ChannelState) String() string {
	switch cs {
	case ChannelStateOpening:
		return "opening"
	case ChannelStateOpen:
		return "open"
	case ChannelStateClosing:
		return "closing"
	case ChannelStateClosed:
		return "closed"
	case ChannelStateError:
		return "error"
	default:
		return "unknown"
	}
}

// Channel is a virtual connection multiplexed over its parent Connection.
// Synchronous operations run one at a time per channel; a second concurrent
// RPC fails with ErrRPCPending rather than queueing.
type Channel struct {
	conn   *Connection
	id     uint16
	logger hclog.Logger

	state       atomic.Int32
	flowBlocked atomic.Bool

	mu       sync.Mutex
	rpc      *pendingRPC
	orphans  []*pendingRPC
	incoming *incomingContent

	consumers map[string]*consumer

	confirms *confirmTracker
	txMode   atomic.Bool

	// pubMu keeps confirm sequence numbers in wire order: the tag is issued
	// and the frames enqueued under the same lock.
	pubMu sync.Mutex

	closeListeners  []chan *Error
	flowListeners   []chan bool
	returnListeners []chan Return
	cancelListeners []chan string

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  *Error
}

type contentKind int

const (
	contentDeliver contentKind = iota
	contentReturn
	contentGet
)

// incomingContent is the per-channel reassembly state between a content
// method and the completion of its body.
type incomingContent struct {
	kind       contentKind
	method     *frame.Method
	haveHeader bool
	props      Properties
	remaining  uint64
	body       []byte
	slot       *pendingRPC // resolves a Get when the body completes
}

func newChannel(c *Connection, id uint16) *Channel {
	ch := &Channel{
		conn:      c,
		id:        id,
		logger:    c.logger.With("channel", id),
		consumers: make(map[string]*consumer),
		closed:    make(chan struct{}),
	}
	ch.state.Store(int32(ChannelStateOpening))
	return ch
}

func (ch *Channel) open(ctx context.Context) error {
	args := frame.NewBuilder().ShortString("").Bytes() // reserved

	_, err := ch.call(ctx,
		[]*frame.Frame{frame.NewMethod(ch.id, protocol.ClassChannel, protocol.MethodChannelOpen, args)},
		methodSig{protocol.ClassChannel, protocol.MethodChannelOpenOk})
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}

	ch.state.Store(int32(ChannelStateOpen))
	return nil
}

// GetChannelID returns the channel's id on the wire
func (ch *Channel) GetChannelID() uint16 {
	return ch.id
}

// GetState returns the current channel state
func (ch *Channel) GetState() ChannelState {
	return ChannelState(ch.state.Load())
}

// IsClosed reports whether the channel can no longer be used
func (ch *Channel) IsClosed() bool {
	s := ch.GetState()
	return s == ChannelStateClosed || s == ChannelStateError
}

// IsFlowBlocked reports whether the server has paused this channel with
// Channel.Flow
func (ch *Channel) IsFlowBlocked() bool {
	return ch.flowBlocked.Load()
}

func (ch *Channel) usableLocked() error {
	select {
	case <-ch.closed:
		if ch.closeErr != nil {
			return ch.closeErr
		}
		return ErrChannelClosed
	default:
		return nil
	}
}

// checkOpen gates public operations on the channel being fully open
func (ch *Channel) checkOpen() error {
	switch ch.GetState() {
	case ChannelStateOpen:
		return nil
	case ChannelStateClosed, ChannelStateError:
		if ch.closeErr != nil {
			return ch.closeErr
		}
		return ErrChannelClosed
	default:
		return ErrChannelClosed
	}
}

// handleMethod dispatches an inbound method on this channel. Server-pushed
// methods are recognized first; anything else must answer the pending RPC or
// an orphaned one, or it is a protocol violation that kills the connection.
func (ch *Channel) handleMethod(m *frame.Method) error {
	ch.mu.Lock()
	if ch.incoming != nil {
		ch.mu.Unlock()
		return fmt.Errorf("method %d.%d interrupts content on channel %d", m.ClassID, m.MethodID, ch.id)
	}
	ch.mu.Unlock()

	switch {
	case m.ClassID == protocol.ClassChannel && m.MethodID == protocol.MethodChannelClose:
		return ch.handleChannelClose(m)
	case m.ClassID == protocol.ClassChannel && m.MethodID == protocol.MethodChannelFlow:
		return ch.handleChannelFlow(m)
	case m.ClassID == protocol.ClassBasic && m.MethodID == protocol.MethodBasicDeliver:
		return ch.beginContent(contentDeliver, m, nil)
	case m.ClassID == protocol.ClassBasic && m.MethodID == protocol.MethodBasicReturn:
		return ch.beginContent(contentReturn, m, nil)
	case m.ClassID == protocol.ClassBasic && m.MethodID == protocol.MethodBasicAck:
		return ch.handleConfirm(m, true)
	case m.ClassID == protocol.ClassBasic && m.MethodID == protocol.MethodBasicNack:
		return ch.handleConfirm(m, false)
	case m.ClassID == protocol.ClassBasic && m.MethodID == protocol.MethodBasicCancel:
		return ch.handleBasicCancel(m)
	}

	ch.mu.Lock()
	if p := ch.takePendingLocked(m); p != nil {
		if m.ClassID == protocol.ClassBasic && m.MethodID == protocol.MethodBasicGetOk {
			ch.mu.Unlock()
			return ch.beginContent(contentGet, m, p)
		}
		ch.mu.Unlock()
		p.resolve(rpcResult{method: m})
		return nil
	}
	if o := ch.dropOrphanLocked(m); o != nil {
		ch.mu.Unlock()
		ch.logger.Warn("discarding reply to expired call", "class", m.ClassID, "method", m.MethodID)
		return nil
	}
	ch.mu.Unlock()

	return fmt.Errorf("unsolicited method %d.%d on channel %d", m.ClassID, m.MethodID, ch.id)
}

// handleChannelClose processes a server-initiated Channel.Close: Close-Ok
// goes back and only this channel is torn down. A channel error never takes
// the connection with it.
func (ch *Channel) handleChannelClose(m *frame.Method) error {
	code, text := parseClose(m)
	ch.logger.Info("server closed channel", "code", code, "reason", text)

	ch.conn.sendFrames(frame.NewMethod(ch.id, protocol.ClassChannel, protocol.MethodChannelCloseOk, nil))

	ch.shutdown(newError(code, text, true))
	ch.conn.removeChannel(ch.id)
	ch.conn.metrics.ChannelClosed()
	return nil
}

func (ch *Channel) handleChannelFlow(m *frame.Method) error {
	args := frame.NewArgs(m.Args)
	active, err := args.Bool()
	if err != nil {
		return fmt.Errorf("parse Flow: %w", err)
	}

	ch.flowBlocked.Store(!active)

	reply := frame.NewBuilder().Flags(active).Bytes()
	ch.conn.sendFrames(frame.NewMethod(ch.id, protocol.ClassChannel, protocol.MethodChannelFlowOk, reply))

	ch.mu.Lock()
	listeners := make([]chan bool, len(ch.flowListeners))
	copy(listeners, ch.flowListeners)
	ch.mu.Unlock()
	for _, l := range listeners {
		select {
		case l <- active:
		default:
		}
	}
	return nil
}

// beginContent arms the reassembly state machine; the header frame must be
// next on this channel.
func (ch *Channel) beginContent(kind contentKind, m *frame.Method, slot *pendingRPC) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.incoming != nil {
		return fmt.Errorf("content method while reassembly in progress on channel %d", ch.id)
	}
	ch.incoming = &incomingContent{kind: kind, method: m, slot: slot}
	return nil
}

func (ch *Channel) handleHeader(h *frame.Header) error {
	ch.mu.Lock()
	in := ch.incoming
	if in == nil {
		ch.mu.Unlock()
		return fmt.Errorf("header frame without content method on channel %d", ch.id)
	}
	if in.haveHeader {
		ch.mu.Unlock()
		return fmt.Errorf("duplicate header frame on channel %d", ch.id)
	}

	props, err := decodeProperties(h.Properties)
	if err != nil {
		ch.mu.Unlock()
		return err
	}

	in.haveHeader = true
	in.props = props
	in.remaining = h.BodySize
	if h.BodySize > 0 {
		in.body = make([]byte, 0, h.BodySize)
		ch.mu.Unlock()
		return nil
	}

	ch.incoming = nil
	ch.mu.Unlock()
	return ch.finishContent(in)
}

func (ch *Channel) handleBody(payload []byte) error {
	ch.mu.Lock()
	in := ch.incoming
	if in == nil || !in.haveHeader {
		ch.mu.Unlock()
		return fmt.Errorf("body frame without header on channel %d", ch.id)
	}
	if uint64(len(payload)) > in.remaining {
		ch.mu.Unlock()
		return fmt.Errorf("body overflows declared size on channel %d", ch.id)
	}

	in.body = append(in.body, payload...)
	in.remaining -= uint64(len(payload))
	if in.remaining > 0 {
		ch.mu.Unlock()
		return nil
	}

	ch.incoming = nil
	ch.mu.Unlock()
	return ch.finishContent(in)
}

// finishContent routes a fully reassembled message. Called without ch.mu so
// consumer dispatch may block on the delivery buffer.
func (ch *Channel) finishContent(in *incomingContent) error {
	switch in.kind {
	case contentDeliver:
		return ch.finishDeliver(in)
	case contentReturn:
		return ch.finishReturn(in)
	case contentGet:
		return ch.finishGet(in)
	default:
		return fmt.Errorf("unknown content kind %d", in.kind)
	}
}

func (ch *Channel) finishDeliver(in *incomingContent) error {
	args := frame.NewArgs(in.method.Args)
	consumerTag, err := args.ShortString()
	if err != nil {
		return fmt.Errorf("parse Deliver: %w", err)
	}
	deliveryTag, err := args.Uint64()
	if err != nil {
		return fmt.Errorf("parse Deliver: %w", err)
	}
	redelivered, err := args.Bool()
	if err != nil {
		return fmt.Errorf("parse Deliver: %w", err)
	}
	exchange, err := args.ShortString()
	if err != nil {
		return fmt.Errorf("parse Deliver: %w", err)
	}
	routingKey, err := args.ShortString()
	if err != nil {
		return fmt.Errorf("parse Deliver: %w", err)
	}

	d := Delivery{
		Properties:  in.props,
		ConsumerTag: consumerTag,
		DeliveryTag: deliveryTag,
		Redelivered: redelivered,
		Exchange:    exchange,
		RoutingKey:  routingKey,
		Body:        in.body,
		channel:     ch,
	}

	ch.conn.metrics.MessageDelivered()
	ch.dispatchDelivery(d)
	return nil
}

func (ch *Channel) finishReturn(in *incomingContent) error {
	args := frame.NewArgs(in.method.Args)
	replyCode, err := args.Uint16()
	if err != nil {
		return fmt.Errorf("parse Return: %w", err)
	}
	replyText, err := args.ShortString()
	if err != nil {
		return fmt.Errorf("parse Return: %w", err)
	}
	exchange, err := args.ShortString()
	if err != nil {
		return fmt.Errorf("parse Return: %w", err)
	}
	routingKey, err := args.ShortString()
	if err != nil {
		return fmt.Errorf("parse Return: %w", err)
	}

	ret := Return{
		Properties: in.props,
		ReplyCode:  replyCode,
		ReplyText:  replyText,
		Exchange:   exchange,
		RoutingKey: routingKey,
		Body:       in.body,
	}

	ch.conn.metrics.MessageReturned()

	ch.mu.Lock()
	listeners := make([]chan Return, len(ch.returnListeners))
	copy(listeners, ch.returnListeners)
	ch.mu.Unlock()
	for _, l := range listeners {
		select {
		case l <- ret:
		default:
			ch.logger.Warn("return dropped, listener full",
				"exchange", ret.Exchange, "routingKey", ret.RoutingKey)
		}
	}
	return nil
}

func (ch *Channel) finishGet(in *incomingContent) error {
	args := frame.NewArgs(in.method.Args)
	deliveryTag, err := args.Uint64()
	if err != nil {
		return fmt.Errorf("parse Get-Ok: %w", err)
	}
	redelivered, err := args.Bool()
	if err != nil {
		return fmt.Errorf("parse Get-Ok: %w", err)
	}
	exchange, err := args.ShortString()
	if err != nil {
		return fmt.Errorf("parse Get-Ok: %w", err)
	}
	routingKey, err := args.ShortString()
	if err != nil {
		return fmt.Errorf("parse Get-Ok: %w", err)
	}
	messageCount, err := args.Uint32()
	if err != nil {
		return fmt.Errorf("parse Get-Ok: %w", err)
	}

	d := &Delivery{
		Properties:   in.props,
		DeliveryTag:  deliveryTag,
		Redelivered:  redelivered,
		Exchange:     exchange,
		RoutingKey:   routingKey,
		MessageCount: messageCount,
		Body:         in.body,
		channel:      ch,
	}

	in.slot.resolve(rpcResult{method: in.method, delivery: d})
	return nil
}

// Publish sends a message. The method, header and body frames are enqueued
// as one batch so other channels' frames never interleave with them.
func (ch *Channel) Publish(exchange, routingKey string, mandatory, immediate bool, msg Publishing) error {
	_, err := ch.publish(exchange, routingKey, mandatory, immediate, msg)
	return err
}

// PublishWithSequence publishes and returns the confirm-mode sequence number
// assigned to the message. The sequence is zero unless the channel is in
// confirm mode.
func (ch *Channel) PublishWithSequence(exchange, routingKey string, mandatory, immediate bool, msg Publishing) (uint64, error) {
	return ch.publish(exchange, routingKey, mandatory, immediate, msg)
}

func (ch *Channel) publish(exchange, routingKey string, mandatory, immediate bool, msg Publishing) (uint64, error) {
	if err := ch.checkOpen(); err != nil {
		return 0, err
	}
	if ch.flowBlocked.Load() {
		return 0, ErrFlowBlocked
	}

	frames, err := ch.buildPublishFrames(exchange, routingKey, mandatory, immediate, msg)
	if err != nil {
		return 0, err
	}

	ch.mu.Lock()
	tracker := ch.confirms
	ch.mu.Unlock()

	ch.pubMu.Lock()
	var seq uint64
	if tracker != nil {
		seq = tracker.issue()
		if ch.conn.outbox != nil {
			ch.conn.outbox.record(ch.id, seq, exchange, routingKey, msg)
		}
	}
	err = ch.conn.sendFrames(frames...)
	ch.pubMu.Unlock()

	if err != nil {
		return 0, err
	}
	ch.conn.metrics.MessagePublished()
	return seq, nil
}

// buildPublishFrames assembles the method, header and body frames for one
// publish. The caller enqueues them as a single batch.
func (ch *Channel) buildPublishFrames(exchange, routingKey string, mandatory, immediate bool, msg Publishing) ([]*frame.Frame, error) {
	props, err := encodeProperties(msg.Properties)
	if err != nil {
		return nil, err
	}

	args := frame.NewBuilder().
		Uint16(0). // reserved
		ShortString(exchange).
		ShortString(routingKey).
		Flags(mandatory, immediate).
		Bytes()

	frames := make([]*frame.Frame, 0, 3)
	frames = append(frames,
		frame.NewMethod(ch.id, protocol.ClassBasic, protocol.MethodBasicPublish, args),
		frame.NewHeader(ch.id, protocol.ClassBasic, uint64(len(msg.Body)), props))
	return append(frames, ch.splitBody(msg.Body)...), nil
}

// splitBody cuts the body into frames no larger than the negotiated maximum.
// An empty body yields no frames.
func (ch *Channel) splitBody(body []byte) []*frame.Frame {
	maxPayload := int(ch.conn.frameMax) - protocol.FrameHeaderSize - protocol.FrameEndSize

	frames := make([]*frame.Frame, 0, len(body)/maxPayload+1)
	for len(body) > 0 {
		n := len(body)
		if n > maxPayload {
			n = maxPayload
		}
		frames = append(frames, frame.NewBody(ch.id, body[:n]))
		body = body[n:]
	}
	return frames
}

// BasicGet synchronously fetches one message. The second return is false
// when the queue was empty.
func (ch *Channel) BasicGet(ctx context.Context, queue string, autoAck bool) (*Delivery, bool, error) {
	if err := ch.checkOpen(); err != nil {
		return nil, false, err
	}

	args := frame.NewBuilder().
		Uint16(0). // reserved
		ShortString(queue).
		Flags(autoAck).
		Bytes()

	res, err := ch.call(ctx,
		[]*frame.Frame{frame.NewMethod(ch.id, protocol.ClassBasic, protocol.MethodBasicGet, args)},
		methodSig{protocol.ClassBasic, protocol.MethodBasicGetOk},
		methodSig{protocol.ClassBasic, protocol.MethodBasicGetEmpty})
	if err != nil {
		return nil, false, err
	}

	if res.method.MethodID == protocol.MethodBasicGetEmpty {
		return nil, false, nil
	}
	return res.delivery, true, nil
}

// BasicAck acknowledges a delivery by tag
func (ch *Channel) BasicAck(deliveryTag uint64, multiple bool) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}

	args := frame.NewBuilder().
		Uint64(deliveryTag).
		Flags(multiple).
		Bytes()

	if err := ch.conn.sendFrames(frame.NewMethod(ch.id, protocol.ClassBasic, protocol.MethodBasicAck, args)); err != nil {
		return err
	}
	ch.conn.metrics.MessageAcknowledged()
	return nil
}

// BasicNack negatively acknowledges one or more deliveries
func (ch *Channel) BasicNack(deliveryTag uint64, multiple, requeue bool) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}

	args := frame.NewBuilder().
		Uint64(deliveryTag).
		Flags(multiple, requeue).
		Bytes()

	return ch.conn.sendFrames(frame.NewMethod(ch.id, protocol.ClassBasic, protocol.MethodBasicNack, args))
}

// BasicReject negatively acknowledges a single delivery
func (ch *Channel) BasicReject(deliveryTag uint64, requeue bool) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}

	args := frame.NewBuilder().
		Uint64(deliveryTag).
		Flags(requeue).
		Bytes()

	return ch.conn.sendFrames(frame.NewMethod(ch.id, protocol.ClassBasic, protocol.MethodBasicReject, args))
}

// Qos sets the prefetch window for this channel or, with global, the whole
// connection.
func (ch *Channel) Qos(ctx context.Context, prefetchCount, prefetchSize int, global bool) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}

	args := frame.NewBuilder().
		Uint32(uint32(prefetchSize)).
		Uint16(uint16(prefetchCount)).
		Flags(global).
		Bytes()

	_, err := ch.call(ctx,
		[]*frame.Frame{frame.NewMethod(ch.id, protocol.ClassBasic, protocol.MethodBasicQos, args)},
		methodSig{protocol.ClassBasic, protocol.MethodBasicQosOk})
	if err == nil {
		ch.conn.recovery.recordQos(prefetchCount, prefetchSize, global)
	}
	return err
}

// BasicRecover asks the server to redeliver all unacknowledged deliveries on
// this channel.
func (ch *Channel) BasicRecover(ctx context.Context, requeue bool) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}

	args := frame.NewBuilder().Flags(requeue).Bytes()

	_, err := ch.call(ctx,
		[]*frame.Frame{frame.NewMethod(ch.id, protocol.ClassBasic, protocol.MethodBasicRecover, args)},
		methodSig{protocol.ClassBasic, protocol.MethodBasicRecoverOk})
	return err
}

// Close performs the graceful Close/Close-Ok exchange and releases the
// channel id.
func (ch *Channel) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeOkTimeout)
	defer cancel()
	return ch.CloseWithContext(ctx, protocol.ReplySuccess, "channel closed")
}

// CloseWithContext closes the channel with an explicit reply code and text
func (ch *Channel) CloseWithContext(ctx context.Context, code int, text string) error {
	if !ch.state.CompareAndSwap(int32(ChannelStateOpen), int32(ChannelStateClosing)) {
		if err := ch.checkOpen(); err != nil {
			return err
		}
		return ErrChannelClosed
	}

	args := frame.NewBuilder().
		Uint16(uint16(code)).
		ShortString(text).
		Uint16(0).
		Uint16(0).
		Bytes()

	_, err := ch.call(ctx,
		[]*frame.Frame{frame.NewMethod(ch.id, protocol.ClassChannel, protocol.MethodChannelClose, args)},
		methodSig{protocol.ClassChannel, protocol.MethodChannelCloseOk})
	if err != nil {
		ch.logger.Warn("close-ok not received", "error", err)
	}

	ch.shutdown(ErrChannelClosed)
	ch.conn.removeChannel(ch.id)
	ch.conn.metrics.ChannelClosed()
	return nil
}

// shutdown tears the channel down exactly once: pending calls fail, consumer
// streams end, listeners hear the terminal error.
func (ch *Channel) shutdown(err *Error) {
	ch.closeOnce.Do(func() {
		ch.closeErr = err

		prev := ChannelState(ch.state.Load())
		if prev == ChannelStateClosing || err == ErrChannelClosed {
			ch.state.Store(int32(ChannelStateClosed))
		} else {
			ch.state.Store(int32(ChannelStateError))
		}

		close(ch.closed)
		ch.failPending(err)

		ch.mu.Lock()
		consumers := make([]*consumer, 0, len(ch.consumers))
		for _, cons := range ch.consumers {
			consumers = append(consumers, cons)
		}
		ch.consumers = make(map[string]*consumer)
		closeListeners := ch.closeListeners
		ch.closeListeners = nil
		incoming := ch.incoming
		ch.incoming = nil
		confirms := ch.confirms
		ch.mu.Unlock()

		// A Get awaiting its body holds a popped slot; fail it too.
		if incoming != nil && incoming.slot != nil {
			incoming.slot.resolve(rpcResult{err: err})
		}

		for _, cons := range consumers {
			cons.stop(err)
		}

		if confirms != nil {
			confirms.shutdown(err)
		}

		for _, l := range closeListeners {
			l <- err
			close(l)
		}
	})
}

// NotifyClose registers a listener for channel teardown. The channel receives
// the terminal error and is then closed.
func (ch *Channel) NotifyClose(notifyChan chan *Error) chan *Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	select {
	case <-ch.closed:
		notifyChan <- ch.closeErr
		close(notifyChan)
	default:
		ch.closeListeners = append(ch.closeListeners, notifyChan)
	}
	return notifyChan
}

// NotifyFlow registers a listener for Channel.Flow state changes
func (ch *Channel) NotifyFlow(notifyChan chan bool) chan bool {
	ch.mu.Lock()
	ch.flowListeners = append(ch.flowListeners, notifyChan)
	ch.mu.Unlock()
	return notifyChan
}

// NotifyReturn registers a listener for unroutable messages bounced back by
// the server. The listener channel should be buffered; returns that cannot
// be delivered immediately are dropped with a warning.
func (ch *Channel) NotifyReturn(notifyChan chan Return) chan Return {
	ch.mu.Lock()
	ch.returnListeners = append(ch.returnListeners, notifyChan)
	ch.mu.Unlock()
	return notifyChan
}

// NotifyCancel registers a listener for server-initiated consumer cancels
func (ch *Channel) NotifyCancel(notifyChan chan string) chan string {
	ch.mu.Lock()
	ch.cancelListeners = append(ch.cancelListeners, notifyChan)
	ch.mu.Unlock()
	return notifyChan
}
