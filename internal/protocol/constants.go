package protocol

// ProtocolHeader is the 8-byte preamble sent before any frame: "AMQP" followed
// by the protocol id and version 0-9-1.
const ProtocolHeader = "AMQP\x00\x00\x09\x01"

const (
	VersionMajor = 0
	VersionMinor = 9
)

// Frame types.
const (
	FrameMethod    = 1
	FrameHeader    = 2
	FrameBody      = 3
	FrameHeartbeat = 8

	FrameEnd = 0xCE
)

// Frame layout sizes. A frame is type(1) + channel(2) + size(4) + payload + end(1).
const (
	FrameHeaderSize = 7
	FrameEndSize    = 1

	// FrameMinSize is the frame size every peer must accept before tuning.
	FrameMinSize = 4096
)

// Class ids.
const (
	ClassConnection = 10
	ClassChannel    = 20
	ClassExchange   = 40
	ClassQueue      = 50
	ClassBasic      = 60
	ClassConfirm    = 85
	ClassTx         = 90
)

// Connection class methods.
const (
	MethodConnectionStart     = 10
	MethodConnectionStartOk   = 11
	MethodConnectionSecure    = 20
	MethodConnectionSecureOk  = 21
	MethodConnectionTune      = 30
	MethodConnectionTuneOk    = 31
	MethodConnectionOpen      = 40
	MethodConnectionOpenOk    = 41
	MethodConnectionClose     = 50
	MethodConnectionCloseOk   = 51
	MethodConnectionBlocked   = 60
	MethodConnectionUnblocked = 61
)

// Channel class methods.
const (
	MethodChannelOpen    = 10
	MethodChannelOpenOk  = 11
	MethodChannelFlow    = 20
	MethodChannelFlowOk  = 21
	MethodChannelClose   = 40
	MethodChannelCloseOk = 41
)

// Exchange class methods.
const (
	MethodExchangeDeclare   = 10
	MethodExchangeDeclareOk = 11
	MethodExchangeDelete    = 20
	MethodExchangeDeleteOk  = 21
	MethodExchangeBind      = 30
	MethodExchangeBindOk    = 31
	MethodExchangeUnbind    = 40
	MethodExchangeUnbindOk  = 51
)

// Queue class methods.
const (
	MethodQueueDeclare   = 10
	MethodQueueDeclareOk = 11
	MethodQueueBind      = 20
	MethodQueueBindOk    = 21
	MethodQueuePurge     = 30
	MethodQueuePurgeOk   = 31
	MethodQueueDelete    = 40
	MethodQueueDeleteOk  = 41
	MethodQueueUnbind    = 50
	MethodQueueUnbindOk  = 51
)

// Basic class methods.
const (
	MethodBasicQos          = 10
	MethodBasicQosOk        = 11
	MethodBasicConsume      = 20
	MethodBasicConsumeOk    = 21
	MethodBasicCancel       = 30
	MethodBasicCancelOk     = 31
	MethodBasicPublish      = 40
	MethodBasicReturn       = 50
	MethodBasicDeliver      = 60
	MethodBasicGet          = 70
	MethodBasicGetOk        = 71
	MethodBasicGetEmpty     = 72
	MethodBasicAck          = 80
	MethodBasicReject       = 90
	MethodBasicRecoverAsync = 100
	MethodBasicRecover      = 110
	MethodBasicRecoverOk    = 111
	MethodBasicNack         = 120
)

// Confirm class methods (RabbitMQ extension).
const (
	MethodConfirmSelect   = 10
	MethodConfirmSelectOk = 11
)

// Tx class methods.
const (
	MethodTxSelect     = 10
	MethodTxSelectOk   = 11
	MethodTxCommit     = 20
	MethodTxCommitOk   = 21
	MethodTxRollback   = 30
	MethodTxRollbackOk = 31
)

// Reply codes.
const (
	ReplySuccess            = 200
	ReplyContentTooLarge    = 311
	ReplyNoRoute            = 312
	ReplyNoConsumers        = 313
	ReplyConnectionForced   = 320
	ReplyInvalidPath        = 402
	ReplyAccessRefused      = 403
	ReplyNotFound           = 404
	ReplyResourceLocked     = 405
	ReplyPreconditionFailed = 406
	ReplyFrameError         = 501
	ReplySyntaxError        = 502
	ReplyCommandInvalid     = 503
	ReplyChannelError       = 504
	ReplyUnexpectedFrame    = 505
	ReplyResourceError      = 506
	ReplyNotAllowed         = 530
	ReplyNotImplemented     = 540
	ReplyInternalError      = 541
)

// IsSoftError reports whether a reply code closes only the channel it occurred
// on. Hard errors (5xx and connection-forced) close the whole connection.
func IsSoftError(code int) bool {
	switch code {
	case ReplyContentTooLarge, ReplyNoRoute, ReplyNoConsumers, ReplyInvalidPath,
		ReplyAccessRefused, ReplyNotFound, ReplyResourceLocked, ReplyPreconditionFailed:
		return true
	default:
		return false
	}
}

// Exchange types understood by every broker.
const (
	ExchangeTypeDirect  = "direct"
	ExchangeTypeFanout  = "fanout"
	ExchangeTypeTopic   = "topic"
	ExchangeTypeHeaders = "headers"

	DefaultExchange = ""
)

// Delivery modes.
const (
	DeliveryModeTransient  = 1
	DeliveryModePersistent = 2
)
