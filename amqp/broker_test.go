package amqp

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fan-tom/lapin/internal/frame"
	"github.com/fan-tom/lapin/internal/protocol"
)

// fakeServer scripts the broker side of a net.Pipe so tests control every
// frame the client sees.
type fakeServer struct {
	t    *testing.T
	conn net.Conn
	r    *frame.Reader

	// Serve helpers run in their own goroutines, so writes are serialized.
	wmu sync.Mutex
	w   *frame.Writer
}

type tuneParams struct {
	channelMax uint16
	frameMax   uint32
	heartbeat  uint16
}

func defaultTune() tuneParams {
	return tuneParams{channelMax: 2047, frameMax: 131072, heartbeat: 0}
}

func newFakeServer(t *testing.T) (net.Conn, *fakeServer) {
	t.Helper()
	client, server := net.Pipe()
	s := &fakeServer{
		t:    t,
		conn: server,
		r:    frame.NewReader(server, 1<<20),
		w:    frame.NewWriter(server, 1<<20),
	}
	t.Cleanup(func() { server.Close() })
	return client, s
}

func (s *fakeServer) send(f *frame.Frame) {
	s.t.Helper()
	s.wmu.Lock()
	defer s.wmu.Unlock()
	require.NoError(s.t, s.w.WriteFrame(f))
	require.NoError(s.t, s.w.Flush())
}

func (s *fakeServer) readFrame() *frame.Frame {
	s.t.Helper()
	f, err := s.r.ReadFrame()
	require.NoError(s.t, err)
	return f
}

// readMethod reads the next non-heartbeat frame and decodes it as a method
func (s *fakeServer) readMethod() (uint16, *frame.Method) {
	s.t.Helper()
	for {
		f := s.readFrame()
		if f.Type == protocol.FrameHeartbeat {
			continue
		}
		require.Equal(s.t, uint8(protocol.FrameMethod), f.Type)
		m, err := f.Method()
		require.NoError(s.t, err)
		return f.ChannelID, m
	}
}

func (s *fakeServer) expectMethod(channelID, classID, methodID uint16) *frame.Method {
	s.t.Helper()
	gotChannel, m := s.readMethod()
	require.Equal(s.t, channelID, gotChannel)
	require.Equal(s.t, classID, m.ClassID)
	require.Equal(s.t, methodID, m.MethodID)
	return m
}

// handshake plays the broker half of the opening sequence
func (s *fakeServer) handshake(tune tuneParams) {
	s.t.Helper()

	header := make([]byte, 8)
	_, err := io.ReadFull(s.conn, header)
	require.NoError(s.t, err)
	require.Equal(s.t, protocol.ProtocolHeader, string(header))

	start := frame.NewBuilder().
		Uint8(protocol.VersionMajor).
		Uint8(protocol.VersionMinor).
		Table(protocol.Table{"product": "fake-broker"}).
		LongString([]byte("PLAIN AMQPLAIN")).
		LongString([]byte("en_US")).
		Bytes()
	s.send(frame.NewMethod(0, protocol.ClassConnection, protocol.MethodConnectionStart, start))

	s.expectMethod(0, protocol.ClassConnection, protocol.MethodConnectionStartOk)

	tuneArgs := frame.NewBuilder().
		Uint16(tune.channelMax).
		Uint32(tune.frameMax).
		Uint16(tune.heartbeat).
		Bytes()
	s.send(frame.NewMethod(0, protocol.ClassConnection, protocol.MethodConnectionTune, tuneArgs))

	s.expectMethod(0, protocol.ClassConnection, protocol.MethodConnectionTuneOk)
	s.expectMethod(0, protocol.ClassConnection, protocol.MethodConnectionOpen)

	openOk := frame.NewBuilder().ShortString("").Bytes()
	s.send(frame.NewMethod(0, protocol.ClassConnection, protocol.MethodConnectionOpenOk, openOk))
}

// refuse answers the protocol header with Connection.Close, the broker's way
// of rejecting a client during the handshake.
func (s *fakeServer) refuse(code int, text string) {
	s.t.Helper()

	header := make([]byte, 8)
	_, err := io.ReadFull(s.conn, header)
	require.NoError(s.t, err)

	start := frame.NewBuilder().
		Uint8(protocol.VersionMajor).
		Uint8(protocol.VersionMinor).
		Table(protocol.Table{}).
		LongString([]byte("PLAIN")).
		LongString([]byte("en_US")).
		Bytes()
	s.send(frame.NewMethod(0, protocol.ClassConnection, protocol.MethodConnectionStart, start))

	s.expectMethod(0, protocol.ClassConnection, protocol.MethodConnectionStartOk)

	closeArgs := frame.NewBuilder().
		Uint16(uint16(code)).
		ShortString(text).
		Uint16(0).
		Uint16(0).
		Bytes()
	s.send(frame.NewMethod(0, protocol.ClassConnection, protocol.MethodConnectionClose, closeArgs))
}

// serveChannelOpen answers the next Channel.Open and returns the channel id
func (s *fakeServer) serveChannelOpen() uint16 {
	s.t.Helper()
	channelID, m := s.readMethod()
	require.Equal(s.t, uint16(protocol.ClassChannel), m.ClassID)
	require.Equal(s.t, uint16(protocol.MethodChannelOpen), m.MethodID)

	openOk := frame.NewBuilder().LongString(nil).Bytes()
	s.send(frame.NewMethod(channelID, protocol.ClassChannel, protocol.MethodChannelOpenOk, openOk))
	return channelID
}

// serveConnectionClose answers the client's graceful Connection.Close
func (s *fakeServer) serveConnectionClose() {
	s.t.Helper()
	s.expectMethod(0, protocol.ClassConnection, protocol.MethodConnectionClose)
	s.send(frame.NewMethod(0, protocol.ClassConnection, protocol.MethodConnectionCloseOk, nil))
}

// serveChannelClose answers the client's graceful Channel.Close
func (s *fakeServer) serveChannelClose(channelID uint16) {
	s.t.Helper()
	s.expectMethod(channelID, protocol.ClassChannel, protocol.MethodChannelClose)
	s.send(frame.NewMethod(channelID, protocol.ClassChannel, protocol.MethodChannelCloseOk, nil))
}

// sendDeliver pushes a full delivery: method, header and the body cut into
// fragments bytes per body frame (0 means one frame).
func (s *fakeServer) sendDeliver(channelID uint16, consumerTag string, deliveryTag uint64, body []byte, fragment int) {
	s.t.Helper()

	args := frame.NewBuilder().
		ShortString(consumerTag).
		Uint64(deliveryTag).
		Flags(false).
		ShortString("ex").
		ShortString("rk").
		Bytes()
	s.send(frame.NewMethod(channelID, protocol.ClassBasic, protocol.MethodBasicDeliver, args))

	props, err := encodeProperties(Properties{})
	require.NoError(s.t, err)
	s.send(frame.NewHeader(channelID, protocol.ClassBasic, uint64(len(body)), props))

	if fragment <= 0 {
		fragment = len(body)
	}
	for len(body) > 0 {
		n := fragment
		if n > len(body) {
			n = len(body)
		}
		s.send(frame.NewBody(channelID, body[:n]))
		body = body[n:]
	}
}

// newTestConn dials a connection against a scripted broker and returns both
// ends. Heartbeats are off unless the tune parameters say otherwise.
func newTestConn(t *testing.T, tune tuneParams, opts ...FactoryOption) (*Connection, *fakeServer) {
	t.Helper()

	client, s := newFakeServer(t)

	base := []FactoryOption{
		WithDialFunc(func(ctx context.Context) (net.Conn, error) { return client, nil }),
		WithHeartbeat(0),
		WithHandshakeTimeout(5 * time.Second),
	}
	factory := NewConnectionFactory(append(base, opts...)...)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.handshake(tune)
	}()

	conn, err := factory.NewConnection()
	require.NoError(t, err)
	<-done

	t.Cleanup(func() { conn.closeWithError(ErrClosed) })
	return conn, s
}

// openChannel opens a client channel while the fake broker answers
func openChannel(t *testing.T, conn *Connection, s *fakeServer) *Channel {
	t.Helper()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.serveChannelOpen()
	}()

	ch, err := conn.NewChannel()
	require.NoError(t, err)
	<-done
	return ch
}
