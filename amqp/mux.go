package amqp

import (
	"fmt"
	"time"

	"github.com/fan-tom/lapin/internal/frame"
	"github.com/fan-tom/lapin/internal/protocol"
)

// writeLoop is the sole owner of the frame writer. It drains the outbound
// queue one batch at a time, so frames enqueued together are never split by
// another channel's traffic.
func (c *Connection) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case batch := <-c.writeQ:
			if err := c.writeBatch(batch); err != nil {
				c.closeWithError(newError(protocol.ReplyFrameError, err.Error(), false))
				return
			}
			c.lastSent.Store(time.Now().UnixNano())
		case <-c.closed:
			return
		}
	}
}

// writeBatch puts one batch on the wire under the writer lock, so frames
// enqueued together are never split by another channel's traffic.
func (c *Connection) writeBatch(batch []*frame.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	for _, f := range batch {
		if err := c.writer.WriteFrame(f); err != nil {
			return fmt.Errorf("write: %v", err)
		}
	}
	if err := c.writer.Flush(); err != nil {
		return fmt.Errorf("flush: %v", err)
	}
	return nil
}

// readLoop is the sole owner of the frame reader. Every inbound frame is
// decoded and dispatched synchronously; a dispatch error is a protocol
// violation and kills the connection.
func (c *Connection) readLoop() {
	defer c.wg.Done()

	for {
		f, err := c.reader.ReadFrame()
		if err != nil {
			state := c.GetState()
			if state == StateClosing || state == StateClosed {
				c.closeWithError(ErrClosed)
			} else {
				c.closeWithError(newError(protocol.ReplyFrameError, fmt.Sprintf("read: %v", err), false))
			}
			return
		}

		c.lastRecv.Store(time.Now().UnixNano())

		if err := c.dispatchFrame(f); err != nil {
			c.logger.Error("protocol violation", "frame", f.String(), "error", err)
			c.closeWithError(newError(protocol.ReplyUnexpectedFrame, err.Error(), false))
			return
		}
	}
}

func (c *Connection) dispatchFrame(f *frame.Frame) error {
	if f.Type == protocol.FrameHeartbeat {
		if f.ChannelID != 0 {
			return fmt.Errorf("heartbeat on channel %d", f.ChannelID)
		}
		return nil
	}

	if f.ChannelID == 0 {
		if f.Type != protocol.FrameMethod {
			return fmt.Errorf("non-method frame type %d on channel 0", f.Type)
		}
		m, err := f.Method()
		if err != nil {
			return err
		}
		return c.handleConnectionMethod(m)
	}

	ch, ok := c.channel(f.ChannelID)
	if !ok {
		return fmt.Errorf("frame for unknown channel %d", f.ChannelID)
	}

	switch f.Type {
	case protocol.FrameMethod:
		m, err := f.Method()
		if err != nil {
			return err
		}
		return ch.handleMethod(m)
	case protocol.FrameHeader:
		h, err := f.Header()
		if err != nil {
			return err
		}
		return ch.handleHeader(h)
	case protocol.FrameBody:
		return ch.handleBody(f.Payload)
	default:
		return fmt.Errorf("unknown frame type %d", f.Type)
	}
}

func (c *Connection) handleConnectionMethod(m *frame.Method) error {
	if m.ClassID != protocol.ClassConnection {
		return fmt.Errorf("method %d.%d on channel 0", m.ClassID, m.MethodID)
	}

	switch m.MethodID {
	case protocol.MethodConnectionClose:
		code, text := parseClose(m)
		c.logger.Info("server closed connection", "code", code, "reason", text)
		// The Close-Ok must reach the wire before the socket is torn down,
		// so it bypasses the queue. Best effort; the server may already have
		// hung up.
		if err := c.writeBatch([]*frame.Frame{
			frame.NewMethod(0, protocol.ClassConnection, protocol.MethodConnectionCloseOk, nil),
		}); err != nil {
			c.logger.Debug("close-ok not delivered", "error", err)
		}
		c.closeWithError(newError(code, text, true))
		return nil

	case protocol.MethodConnectionCloseOk:
		select {
		case c.closeOkCh <- struct{}{}:
		default:
		}
		return nil

	case protocol.MethodConnectionBlocked:
		args := frame.NewArgs(m.Args)
		reason, err := args.ShortString()
		if err != nil {
			return fmt.Errorf("parse Blocked: %w", err)
		}
		c.blocked.Store(true)
		c.notifyBlockedListeners(BlockedNotification{Blocked: true, Reason: reason})
		if h := c.factory.BlockedHandler; h != nil {
			c.notify(func() { h.OnBlocked(c, reason) })
		}
		return nil

	case protocol.MethodConnectionUnblocked:
		c.blocked.Store(false)
		c.notifyBlockedListeners(BlockedNotification{Blocked: false})
		if h := c.factory.BlockedHandler; h != nil {
			c.notify(func() { h.OnUnblocked(c) })
		}
		return nil

	default:
		return fmt.Errorf("unexpected connection method %d", m.MethodID)
	}
}

func (c *Connection) notifyBlockedListeners(n BlockedNotification) {
	c.mu.Lock()
	listeners := make([]chan BlockedNotification, len(c.blockedListeners))
	copy(listeners, c.blockedListeners)
	c.mu.Unlock()

	for _, l := range listeners {
		select {
		case l <- n:
		default:
			c.logger.Debug("blocked notification dropped, listener full")
		}
	}
}

// parseClose extracts the reply code and text from a Close method. Parse
// failures degrade to a generic internal error rather than masking the close.
func parseClose(m *frame.Method) (int, string) {
	args := frame.NewArgs(m.Args)
	code, err := args.Uint16()
	if err != nil {
		return protocol.ReplyInternalError, "malformed close"
	}
	text, err := args.ShortString()
	if err != nil {
		return int(code), ""
	}
	return int(code), text
}

// heartbeater sends a heartbeat frame after half an interval of outbound
// silence and declares the peer dead after two intervals of inbound silence.
// Any traffic counts as liveness in both directions.
func (c *Connection) heartbeater() {
	defer c.wg.Done()

	interval := c.heartbeat
	ticker := time.NewTicker(interval / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()

			lastRecv := time.Unix(0, c.lastRecv.Load())
			if now.Sub(lastRecv) >= 2*interval {
				c.metrics.HeartbeatMissed()
				c.logger.Error("heartbeat timeout", "silence", now.Sub(lastRecv))
				c.closeWithError(newError(protocol.ReplyConnectionForced, "heartbeat timeout", false))
				return
			}

			lastSent := time.Unix(0, c.lastSent.Load())
			if now.Sub(lastSent) >= interval/2 {
				select {
				case c.writeQ <- []*frame.Frame{frame.NewHeartbeat()}:
					c.metrics.HeartbeatSent()
				default:
					// Writer is busy, which is traffic enough.
				}
			}
		case <-c.closed:
			return
		}
	}
}
