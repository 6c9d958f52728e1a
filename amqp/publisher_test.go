package amqp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fan-tom/lapin/internal/frame"
	"github.com/fan-tom/lapin/internal/protocol"
)

func TestConfirmTrackerInOrder(t *testing.T) {
	ct := newConfirmTracker()
	require.Equal(t, uint64(1), ct.issue())
	require.Equal(t, uint64(2), ct.issue())

	settled, err := ct.handle(1, false, true)
	require.NoError(t, err)
	require.Equal(t, []Confirmation{{DeliveryTag: 1, Ack: true}}, settled)

	settled, err = ct.handle(2, false, false)
	require.NoError(t, err)
	require.Equal(t, []Confirmation{{DeliveryTag: 2, Ack: false}}, settled)
}

func TestConfirmTrackerOutOfOrder(t *testing.T) {
	ct := newConfirmTracker()
	for i := 0; i < 3; i++ {
		ct.issue()
	}

	// 2 arrives first, nothing settles yet
	settled, err := ct.handle(2, false, true)
	require.NoError(t, err)
	assert.Empty(t, settled)

	// 1 arrives, the contiguous run 1..2 settles in tag order
	settled, err = ct.handle(1, false, true)
	require.NoError(t, err)
	require.Equal(t, []Confirmation{
		{DeliveryTag: 1, Ack: true},
		{DeliveryTag: 2, Ack: true},
	}, settled)

	settled, err = ct.handle(3, false, false)
	require.NoError(t, err)
	require.Equal(t, []Confirmation{{DeliveryTag: 3, Ack: false}}, settled)
}

func TestConfirmTrackerMultiple(t *testing.T) {
	ct := newConfirmTracker()
	for i := 0; i < 5; i++ {
		ct.issue()
	}

	// a single nack parked out of order, then a multiple ack spanning it
	_, err := ct.handle(2, false, false)
	require.NoError(t, err)

	settled, err := ct.handle(4, true, true)
	require.NoError(t, err)
	require.Equal(t, []Confirmation{
		{DeliveryTag: 1, Ack: true},
		{DeliveryTag: 2, Ack: false}, // the parked nack wins
		{DeliveryTag: 3, Ack: true},
		{DeliveryTag: 4, Ack: true},
	}, settled)

	settled, err = ct.handle(5, true, true)
	require.NoError(t, err)
	require.Equal(t, []Confirmation{{DeliveryTag: 5, Ack: true}}, settled)
}

func TestConfirmTrackerViolations(t *testing.T) {
	ct := newConfirmTracker()
	ct.issue()
	ct.issue()

	_, err := ct.handle(0, false, true)
	require.Error(t, err, "tag zero was never issued")

	_, err = ct.handle(9, false, true)
	require.Error(t, err, "tag beyond highest issued")

	_, err = ct.handle(2, false, true)
	require.NoError(t, err)
	_, err = ct.handle(2, false, true)
	require.Error(t, err, "duplicate confirm")

	_, err = ct.handle(1, false, true)
	require.NoError(t, err)
	_, err = ct.handle(1, false, true)
	require.Error(t, err, "already settled")
}

func TestConfirmTrackerWaiter(t *testing.T) {
	ct := newConfirmTracker()
	require.Nil(t, ct.waiter(), "nothing outstanding")

	ct.issue()
	w := ct.waiter()
	require.NotNil(t, w)

	select {
	case <-w:
		t.Fatal("waiter fired before the tag settled")
	default:
	}

	_, err := ct.handle(1, false, true)
	require.NoError(t, err)

	select {
	case <-w:
	case <-time.After(time.Second):
		t.Fatal("waiter not released")
	}
}

// enableConfirms puts the channel in confirm mode against the fake broker
func enableConfirms(t *testing.T, ch *Channel, s *fakeServer) {
	t.Helper()
	go func() {
		s.expectMethod(ch.GetChannelID(), protocol.ClassConfirm, protocol.MethodConfirmSelect)
		s.send(frame.NewMethod(ch.GetChannelID(), protocol.ClassConfirm, protocol.MethodConfirmSelectOk, nil))
	}()
	require.NoError(t, ch.ConfirmSelect(context.Background(), false))
}

func (s *fakeServer) sendAck(channelID uint16, tag uint64, multiple bool) {
	args := frame.NewBuilder().Uint64(tag).Flags(multiple).Bytes()
	s.send(frame.NewMethod(channelID, protocol.ClassBasic, protocol.MethodBasicAck, args))
}

func (s *fakeServer) sendNack(channelID uint16, tag uint64, multiple bool) {
	args := frame.NewBuilder().Uint64(tag).Flags(multiple, false).Bytes()
	s.send(frame.NewMethod(channelID, protocol.ClassBasic, protocol.MethodBasicNack, args))
}

// drainPublish consumes one full publish off the wire
func (s *fakeServer) drainPublish() {
	s.t.Helper()
	_, m := s.readMethod()
	require.Equal(s.t, uint16(protocol.MethodBasicPublish), m.MethodID)
	hf := s.readFrame()
	h, err := hf.Header()
	require.NoError(s.t, err)
	var got uint64
	for got < h.BodySize {
		bf := s.readFrame()
		got += uint64(len(bf.Payload))
	}
}

func TestNotifyPublishOrdering(t *testing.T) {
	conn, s := newTestConn(t, defaultTune())
	ch := openChannel(t, conn, s)
	enableConfirms(t, ch, s)

	confirms := ch.NotifyPublish(make(chan Confirmation, 8))

	for i := 0; i < 3; i++ {
		seq, err := ch.PublishWithSequence("", "q", false, false, Publishing{Body: []byte("m")})
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), seq)
		s.drainPublish()
	}

	// broker settles 1..2 at once, then 3 alone
	s.sendAck(ch.GetChannelID(), 2, true)
	s.sendNack(ch.GetChannelID(), 3, false)

	assert.Equal(t, Confirmation{DeliveryTag: 1, Ack: true}, <-confirms)
	assert.Equal(t, Confirmation{DeliveryTag: 2, Ack: true}, <-confirms)
	assert.Equal(t, Confirmation{DeliveryTag: 3, Ack: false}, <-confirms)

	require.NoError(t, ch.WaitForConfirms(context.Background()))
}

func TestPublishWithConfirm(t *testing.T) {
	conn, s := newTestConn(t, defaultTune())
	ch := openChannel(t, conn, s)
	enableConfirms(t, ch, s)

	go func() {
		s.drainPublish()
		s.sendAck(ch.GetChannelID(), 1, false)
	}()

	conf, err := ch.PublishWithConfirm(context.Background(), "", "q", false, false,
		Publishing{Body: []byte("payload")})
	require.NoError(t, err)
	assert.Equal(t, Confirmation{DeliveryTag: 1, Ack: true}, conf)
}

func TestUnmatchedConfirmKillsConnection(t *testing.T) {
	conn, s := newTestConn(t, defaultTune())
	ch := openChannel(t, conn, s)
	enableConfirms(t, ch, s)

	closeCh := conn.NotifyClose(make(chan *Error, 1))

	// ack for a tag that was never issued
	s.sendAck(ch.GetChannelID(), 5, false)

	err := <-closeCh
	require.NotNil(t, err)
	assert.Equal(t, protocol.ReplyUnexpectedFrame, err.Code)
}

func TestConfirmsNotEnabled(t *testing.T) {
	conn, s := newTestConn(t, defaultTune())
	ch := openChannel(t, conn, s)

	err := ch.WaitForConfirms(context.Background())
	require.ErrorIs(t, err, ErrConfirmsNotEnabled)

	_, err = ch.PublishWithConfirm(context.Background(), "", "q", false, false, Publishing{})
	require.ErrorIs(t, err, ErrConfirmsNotEnabled)

	err = ch.AddConfirmListener(nil)
	require.ErrorIs(t, err, ErrConfirmsNotEnabled)
}

func TestWaitForConfirmsAfterChannelDeath(t *testing.T) {
	conn, s := newTestConn(t, defaultTune())
	ch := openChannel(t, conn, s)
	enableConfirms(t, ch, s)

	_, err := ch.PublishWithSequence("", "q", false, false, Publishing{Body: []byte("m")})
	require.NoError(t, err)
	s.drainPublish()

	closeArgs := frame.NewBuilder().
		Uint16(protocol.ReplyNotFound).
		ShortString("NOT_FOUND").
		Uint16(0).
		Uint16(0).
		Bytes()
	s.send(frame.NewMethod(ch.GetChannelID(), protocol.ClassChannel, protocol.MethodChannelClose, closeArgs))
	s.expectMethod(ch.GetChannelID(), protocol.ClassChannel, protocol.MethodChannelCloseOk)

	assert.Eventually(t, ch.IsClosed, time.Second, 5*time.Millisecond)

	err = ch.WaitForConfirms(context.Background())
	var amqpErr *Error
	require.ErrorAs(t, err, &amqpErr)
	assert.Equal(t, protocol.ReplyNotFound, amqpErr.Code)
}
