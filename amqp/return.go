package amqp

// Return is an unroutable message bounced back by the server via
// Basic.Return. It is delivered to listeners registered with NotifyReturn.
type Return struct {
	Properties

	ReplyCode  uint16
	ReplyText  string
	Exchange   string
	RoutingKey string
	Body       []byte
}
