package amqp

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// DialWebsocket connects to an AMQP endpoint tunnelled over a websocket, as
// exposed by gateways that bridge browser or firewall-restricted clients to
// a broker. Frames travel inside binary messages.
func DialWebsocket(ctx context.Context, rawURL string, requestHeader http.Header) (net.Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, requestHeader)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", rawURL, err)
	}
	return &wsConn{ws: ws}, nil
}

// WithWebsocketURL makes the factory dial through a websocket tunnel instead
// of plain TCP.
func WithWebsocketURL(rawURL string, requestHeader http.Header) FactoryOption {
	return WithDialFunc(func(ctx context.Context) (net.Conn, error) {
		return DialWebsocket(ctx, rawURL, requestHeader)
	})
}

// wsConn adapts a websocket connection to net.Conn: writes become binary
// messages, reads concatenate binary message payloads into a byte stream.
type wsConn struct {
	ws     *websocket.Conn
	reader io.Reader
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			messageType, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
