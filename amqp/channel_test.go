package amqp

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fan-tom/lapin/internal/frame"
	"github.com/fan-tom/lapin/internal/protocol"
)

func queueDeclareOk(channelID uint16, name string, messages, consumers uint32) *frame.Frame {
	args := frame.NewBuilder().
		ShortString(name).
		Uint32(messages).
		Uint32(consumers).
		Bytes()
	return frame.NewMethod(channelID, protocol.ClassQueue, protocol.MethodQueueDeclareOk, args)
}

func TestChannelIDReuse(t *testing.T) {
	conn, s := newTestConn(t, defaultTune())

	ch1 := openChannel(t, conn, s)
	require.Equal(t, uint16(1), ch1.GetChannelID())

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.serveChannelClose(1)
	}()
	require.NoError(t, ch1.Close())
	<-done

	assert.True(t, ch1.IsClosed())
	assert.Equal(t, ChannelStateClosed, ch1.GetState())

	// the id is free again once Close-Ok completed the handshake
	ch2 := openChannel(t, conn, s)
	assert.Equal(t, uint16(1), ch2.GetChannelID())
}

func TestSingleOutstandingRPC(t *testing.T) {
	conn, s := newTestConn(t, defaultTune())
	ch := openChannel(t, conn, s)

	firstErr := make(chan error, 1)
	go func() {
		_, err := ch.QueueDeclare(context.Background(), "jobs", QueueDeclareOptions{Durable: true})
		firstErr <- err
	}()

	// the declare is on the wire, so the slot is taken
	s.expectMethod(ch.GetChannelID(), protocol.ClassQueue, protocol.MethodQueueDeclare)

	_, err := ch.QueueDeclare(context.Background(), "other", QueueDeclareOptions{})
	require.ErrorIs(t, err, ErrRPCPending)

	s.send(queueDeclareOk(ch.GetChannelID(), "jobs", 3, 1))
	require.NoError(t, <-firstErr)

	// the slot is free again
	secondErr := make(chan error, 1)
	go func() {
		_, err := ch.QueueDeclare(context.Background(), "other", QueueDeclareOptions{})
		secondErr <- err
	}()
	s.expectMethod(ch.GetChannelID(), protocol.ClassQueue, protocol.MethodQueueDeclare)
	s.send(queueDeclareOk(ch.GetChannelID(), "other", 0, 0))
	require.NoError(t, <-secondErr)
}

func TestQueueDeclareReturnsServerFields(t *testing.T) {
	conn, s := newTestConn(t, defaultTune())
	ch := openChannel(t, conn, s)

	go func() {
		channelID, m := s.readMethod()
		args := frame.NewArgs(m.Args)
		_, _ = args.Uint16() // reserved
		name, err := args.ShortString()
		require.NoError(s.t, err)
		require.Empty(s.t, name)
		s.send(queueDeclareOk(channelID, "amq.gen-abc123", 7, 2))
	}()

	q, err := ch.QueueDeclare(context.Background(), "", QueueDeclareOptions{Exclusive: true})
	require.NoError(t, err)
	assert.Equal(t, "amq.gen-abc123", q.Name)
	assert.Equal(t, 7, q.Messages)
	assert.Equal(t, 2, q.Consumers)
}

func TestUnsolicitedReplyKillsConnection(t *testing.T) {
	conn, s := newTestConn(t, defaultTune())
	ch := openChannel(t, conn, s)

	closeCh := conn.NotifyClose(make(chan *Error, 1))

	// a sync reply nobody asked for is a protocol violation
	s.send(queueDeclareOk(ch.GetChannelID(), "ghost", 0, 0))

	err := <-closeCh
	require.NotNil(t, err)
	assert.Equal(t, protocol.ReplyUnexpectedFrame, err.Code)
	assert.True(t, conn.IsClosed())
	assert.True(t, ch.IsClosed())
}

func TestOrphanedReplyDiscarded(t *testing.T) {
	conn, s := newTestConn(t, defaultTune())
	ch := openChannel(t, conn, s)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := ch.QueueDeclare(ctx, "slow", QueueDeclareOptions{})
		errCh <- err
	}()

	s.expectMethod(ch.GetChannelID(), protocol.ClassQueue, protocol.MethodQueueDeclare)

	err := <-errCh
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the late reply must be swallowed, not treated as a violation
	s.send(queueDeclareOk(ch.GetChannelID(), "slow", 0, 0))

	// channel and connection still work
	go func() {
		s.expectMethod(ch.GetChannelID(), protocol.ClassBasic, protocol.MethodBasicQos)
		s.send(frame.NewMethod(ch.GetChannelID(), protocol.ClassBasic, protocol.MethodBasicQosOk, nil))
	}()
	require.NoError(t, ch.Qos(context.Background(), 10, 0, false))
	assert.False(t, conn.IsClosed())
}

func TestServerChannelCloseIsChannelScoped(t *testing.T) {
	conn, s := newTestConn(t, defaultTune())
	ch1 := openChannel(t, conn, s)
	ch2 := openChannel(t, conn, s)

	errCh := make(chan error, 1)
	go func() {
		_, err := ch1.QueueDeclarePassive(context.Background(), "missing")
		errCh <- err
	}()

	s.expectMethod(ch1.GetChannelID(), protocol.ClassQueue, protocol.MethodQueueDeclare)

	closeArgs := frame.NewBuilder().
		Uint16(protocol.ReplyNotFound).
		ShortString("NOT_FOUND - no queue 'missing'").
		Uint16(protocol.ClassQueue).
		Uint16(protocol.MethodQueueDeclare).
		Bytes()
	s.send(frame.NewMethod(ch1.GetChannelID(), protocol.ClassChannel, protocol.MethodChannelClose, closeArgs))

	// the client must acknowledge with Close-Ok
	s.expectMethod(ch1.GetChannelID(), protocol.ClassChannel, protocol.MethodChannelCloseOk)

	err := <-errCh
	var amqpErr *Error
	require.ErrorAs(t, err, &amqpErr)
	assert.Equal(t, protocol.ReplyNotFound, amqpErr.Code)
	assert.True(t, amqpErr.Server)
	assert.True(t, amqpErr.Recover)

	// only the offending channel died
	assert.True(t, ch1.IsClosed())
	assert.False(t, ch2.IsClosed())
	assert.False(t, conn.IsClosed())

	go func() {
		s.expectMethod(ch2.GetChannelID(), protocol.ClassBasic, protocol.MethodBasicQos)
		s.send(frame.NewMethod(ch2.GetChannelID(), protocol.ClassBasic, protocol.MethodBasicQosOk, nil))
	}()
	require.NoError(t, ch2.Qos(context.Background(), 1, 0, false))
}

func TestPublishFrameLayout(t *testing.T) {
	conn, s := newTestConn(t, tuneParams{channelMax: 2047, frameMax: 4096})
	ch := openChannel(t, conn, s)

	body := bytes.Repeat([]byte("x"), 10000)

	done := make(chan error, 1)
	go func() {
		done <- ch.Publish("logs", "info", false, false, Publishing{
			Properties: Properties{ContentType: "text/plain", DeliveryMode: protocol.DeliveryModePersistent},
			Body:       body,
		})
	}()

	channelID, m := s.readMethod()
	require.Equal(t, uint16(protocol.ClassBasic), m.ClassID)
	require.Equal(t, uint16(protocol.MethodBasicPublish), m.MethodID)

	args := frame.NewArgs(m.Args)
	_, _ = args.Uint16() // reserved
	exchange, err := args.ShortString()
	require.NoError(t, err)
	assert.Equal(t, "logs", exchange)
	routingKey, err := args.ShortString()
	require.NoError(t, err)
	assert.Equal(t, "info", routingKey)

	hf := s.readFrame()
	require.Equal(t, uint8(protocol.FrameHeader), hf.Type)
	require.Equal(t, channelID, hf.ChannelID)
	h, err := hf.Header()
	require.NoError(t, err)
	assert.Equal(t, uint64(len(body)), h.BodySize)

	var got []byte
	for uint64(len(got)) < h.BodySize {
		bf := s.readFrame()
		require.Equal(t, uint8(protocol.FrameBody), bf.Type)
		require.Equal(t, channelID, bf.ChannelID)
		// every fragment fits inside the negotiated frame size
		require.LessOrEqual(t,
			len(bf.Payload)+protocol.FrameHeaderSize+protocol.FrameEndSize, 4096)
		got = append(got, bf.Payload...)
	}
	assert.Equal(t, body, got)
	require.NoError(t, <-done)
}

func TestConcurrentPublishesStayContiguous(t *testing.T) {
	conn, s := newTestConn(t, tuneParams{channelMax: 2047, frameMax: 4096})
	ch1 := openChannel(t, conn, s)
	ch2 := openChannel(t, conn, s)

	const perChannel = 10
	body := bytes.Repeat([]byte("y"), 9000)

	errs := make(chan error, 2*perChannel)
	publish := func(ch *Channel) {
		for i := 0; i < perChannel; i++ {
			errs <- ch.Publish("", "q", false, false, Publishing{Body: body})
		}
	}
	go publish(ch1)
	go publish(ch2)

	// Each publish must arrive as method, header, body frames back to back
	// with nothing else interleaved, regardless of channel concurrency.
	for n := 0; n < 2*perChannel; n++ {
		channelID, m := s.readMethod()
		require.Equal(t, uint16(protocol.MethodBasicPublish), m.MethodID)

		hf := s.readFrame()
		require.Equal(t, uint8(protocol.FrameHeader), hf.Type)
		require.Equal(t, channelID, hf.ChannelID)
		h, err := hf.Header()
		require.NoError(t, err)

		var remaining = h.BodySize
		for remaining > 0 {
			bf := s.readFrame()
			require.Equal(t, uint8(protocol.FrameBody), bf.Type)
			require.Equal(t, channelID, bf.ChannelID)
			remaining -= uint64(len(bf.Payload))
		}
	}

	for n := 0; n < 2*perChannel; n++ {
		require.NoError(t, <-errs)
	}
}

func TestBasicGet(t *testing.T) {
	conn, s := newTestConn(t, defaultTune())
	ch := openChannel(t, conn, s)

	go func() {
		s.expectMethod(ch.GetChannelID(), protocol.ClassBasic, protocol.MethodBasicGet)

		args := frame.NewBuilder().
			Uint64(42).
			Flags(true).
			ShortString("ex").
			ShortString("rk").
			Uint32(5).
			Bytes()
		s.send(frame.NewMethod(ch.GetChannelID(), protocol.ClassBasic, protocol.MethodBasicGetOk, args))

		props, err := encodeProperties(Properties{ContentType: "application/json"})
		require.NoError(s.t, err)
		s.send(frame.NewHeader(ch.GetChannelID(), protocol.ClassBasic, 4, props))
		s.send(frame.NewBody(ch.GetChannelID(), []byte("ping")))
	}()

	d, ok, err := ch.BasicGet(context.Background(), "jobs", false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(42), d.DeliveryTag)
	assert.True(t, d.Redelivered)
	assert.Equal(t, "ex", d.Exchange)
	assert.Equal(t, "rk", d.RoutingKey)
	assert.Equal(t, uint32(5), d.MessageCount)
	assert.Equal(t, "application/json", d.ContentType)
	assert.Equal(t, []byte("ping"), d.Body)
}

func TestBasicGetEmpty(t *testing.T) {
	conn, s := newTestConn(t, defaultTune())
	ch := openChannel(t, conn, s)

	go func() {
		s.expectMethod(ch.GetChannelID(), protocol.ClassBasic, protocol.MethodBasicGet)
		empty := frame.NewBuilder().ShortString("").Bytes()
		s.send(frame.NewMethod(ch.GetChannelID(), protocol.ClassBasic, protocol.MethodBasicGetEmpty, empty))
	}()

	d, ok, err := ch.BasicGet(context.Background(), "jobs", true)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, d)
}

func TestChannelFlow(t *testing.T) {
	conn, s := newTestConn(t, defaultTune())
	ch := openChannel(t, conn, s)

	flowCh := ch.NotifyFlow(make(chan bool, 2))

	pause := frame.NewBuilder().Flags(false).Bytes()
	s.send(frame.NewMethod(ch.GetChannelID(), protocol.ClassChannel, protocol.MethodChannelFlow, pause))
	s.expectMethod(ch.GetChannelID(), protocol.ClassChannel, protocol.MethodChannelFlowOk)

	assert.False(t, <-flowCh)
	assert.Eventually(t, ch.IsFlowBlocked, time.Second, 5*time.Millisecond)

	err := ch.Publish("", "q", false, false, Publishing{Body: []byte("nope")})
	require.ErrorIs(t, err, ErrFlowBlocked)

	resume := frame.NewBuilder().Flags(true).Bytes()
	s.send(frame.NewMethod(ch.GetChannelID(), protocol.ClassChannel, protocol.MethodChannelFlow, resume))
	s.expectMethod(ch.GetChannelID(), protocol.ClassChannel, protocol.MethodChannelFlowOk)

	assert.True(t, <-flowCh)
	assert.Eventually(t, func() bool { return !ch.IsFlowBlocked() }, time.Second, 5*time.Millisecond)

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		s.readMethod() // drain the publish
	}()
	require.NoError(t, ch.Publish("", "q", false, false, Publishing{Body: nil}))
	<-drained
}

func TestBasicReturn(t *testing.T) {
	conn, s := newTestConn(t, defaultTune())
	ch := openChannel(t, conn, s)

	returns := ch.NotifyReturn(make(chan Return, 1))

	args := frame.NewBuilder().
		Uint16(protocol.ReplyNoRoute).
		ShortString("NO_ROUTE").
		ShortString("orders").
		ShortString("nowhere").
		Bytes()
	s.send(frame.NewMethod(ch.GetChannelID(), protocol.ClassBasic, protocol.MethodBasicReturn, args))

	props, err := encodeProperties(Properties{})
	require.NoError(t, err)
	s.send(frame.NewHeader(ch.GetChannelID(), protocol.ClassBasic, 5, props))
	s.send(frame.NewBody(ch.GetChannelID(), []byte("hello")))

	ret := <-returns
	assert.Equal(t, uint16(protocol.ReplyNoRoute), ret.ReplyCode)
	assert.Equal(t, "NO_ROUTE", ret.ReplyText)
	assert.Equal(t, "orders", ret.Exchange)
	assert.Equal(t, "nowhere", ret.RoutingKey)
	assert.Equal(t, []byte("hello"), ret.Body)
}

func TestAckNackReject(t *testing.T) {
	conn, s := newTestConn(t, defaultTune())
	ch := openChannel(t, conn, s)

	require.NoError(t, ch.BasicAck(7, true))
	_, m := s.readMethod()
	require.Equal(t, uint16(protocol.MethodBasicAck), m.MethodID)
	args := frame.NewArgs(m.Args)
	tag, err := args.Uint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), tag)
	multiple, err := args.Bool()
	require.NoError(t, err)
	assert.True(t, multiple)

	require.NoError(t, ch.BasicNack(8, false, true))
	_, m = s.readMethod()
	require.Equal(t, uint16(protocol.MethodBasicNack), m.MethodID)

	require.NoError(t, ch.BasicReject(9, false))
	_, m = s.readMethod()
	require.Equal(t, uint16(protocol.MethodBasicReject), m.MethodID)
}
