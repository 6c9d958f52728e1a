package amqp

// Delivery is a message pushed to a consumer by Basic.Deliver, or fetched
// synchronously with BasicGet. Ack, Nack and Reject operate through the
// channel the delivery arrived on.
type Delivery struct {
	Properties

	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string

	// MessageCount is set only for deliveries fetched with BasicGet.
	MessageCount uint32

	Body []byte

	channel *Channel
}

// Ack acknowledges the delivery. With multiple set, all unacknowledged
// deliveries up to and including this one are acknowledged.
func (d *Delivery) Ack(multiple bool) error {
	if d.channel == nil {
		return ErrChannelClosed
	}
	return d.channel.BasicAck(d.DeliveryTag, multiple)
}

// Nack negatively acknowledges the delivery, optionally requeueing it
func (d *Delivery) Nack(multiple, requeue bool) error {
	if d.channel == nil {
		return ErrChannelClosed
	}
	return d.channel.BasicNack(d.DeliveryTag, multiple, requeue)
}

// Reject negatively acknowledges this single delivery
func (d *Delivery) Reject(requeue bool) error {
	if d.channel == nil {
		return ErrChannelClosed
	}
	return d.channel.BasicReject(d.DeliveryTag, requeue)
}
