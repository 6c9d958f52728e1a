package amqp

import (
	"errors"
	"fmt"

	"github.com/fan-tom/lapin/internal/protocol"
)

// Error is a protocol-level failure carrying the AMQP reply code and origin.
type Error struct {
	Code    int
	Reason  string
	Server  bool // true when the broker raised it
	Recover bool // true when reconnecting may succeed
}

func (e *Error) Error() string {
	origin := "client"
	if e.Server {
		origin = "server"
	}
	return fmt.Sprintf("amqp error %d (%s): %s", e.Code, origin, e.Reason)
}

// newError builds an Error from a reply code received or raised locally.
func newError(code int, reason string, server bool) *Error {
	return &Error{
		Code:    code,
		Reason:  reason,
		Server:  server,
		Recover: code != protocol.ReplyConnectionForced && protocol.IsSoftError(code),
	}
}

// Failures shared across the client. Local-misuse errors are rejected at the
// call site before any state mutation or transport write.
var (
	// ErrClosed reports an operation on a closed connection.
	ErrClosed = &Error{Code: protocol.ReplyConnectionForced, Reason: "connection closed"}

	// ErrChannelClosed reports an operation on a closed channel.
	ErrChannelClosed = &Error{Code: protocol.ReplyChannelError, Reason: "channel closed"}

	// ErrRPCPending reports a synchronous call issued while another one is
	// still outstanding on the same channel.
	ErrRPCPending = errors.New("amqp: a synchronous call is already pending on this channel")

	// ErrFlowBlocked reports a publish attempted while the broker paused the
	// channel with Channel.Flow.
	ErrFlowBlocked = errors.New("amqp: channel is paused by broker flow control")

	// ErrChannelMax reports that every channel id allowed by tuning is in use.
	ErrChannelMax = errors.New("amqp: no free channel id")

	// ErrConfirmsNotEnabled reports a confirm-mode operation on a channel
	// that never sent Confirm.Select.
	ErrConfirmsNotEnabled = errors.New("amqp: publisher confirms not enabled on this channel")

	// ErrNotTransactional reports a Tx operation outside transaction mode.
	ErrNotTransactional = errors.New("amqp: channel is not in transaction mode")

	// ErrConfirmMode reports a Tx.Select on a channel already in confirm
	// mode; the two modes are mutually exclusive.
	ErrConfirmMode = errors.New("amqp: channel is in confirm mode")
)
