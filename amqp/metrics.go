package amqp

import "sync/atomic"

// MetricsCollector receives counters from the client as things happen.
// Implementations must be safe for concurrent use.
type MetricsCollector interface {
	ConnectionOpened()
	ConnectionClosed()
	ChannelOpened()
	ChannelClosed()
	MessagePublished()
	MessageDelivered()
	MessageAcknowledged()
	MessageReturned()
	HeartbeatSent()
	HeartbeatMissed()
}

// NoopMetrics discards everything. It is the default collector.
type NoopMetrics struct{}

func (NoopMetrics) ConnectionOpened()    {}
func (NoopMetrics) ConnectionClosed()    {}
func (NoopMetrics) ChannelOpened()       {}
func (NoopMetrics) ChannelClosed()       {}
func (NoopMetrics) MessagePublished()    {}
func (NoopMetrics) MessageDelivered()    {}
func (NoopMetrics) MessageAcknowledged() {}
func (NoopMetrics) MessageReturned()     {}
func (NoopMetrics) HeartbeatSent()       {}
func (NoopMetrics) HeartbeatMissed()     {}

// BasicMetrics keeps in-process counters behind atomics.
type BasicMetrics struct {
	connectionsOpened atomic.Uint64
	connectionsClosed atomic.Uint64
	channelsOpened    atomic.Uint64
	channelsClosed    atomic.Uint64
	published         atomic.Uint64
	delivered         atomic.Uint64
	acknowledged      atomic.Uint64
	returned          atomic.Uint64
	heartbeatsSent    atomic.Uint64
	heartbeatsMissed  atomic.Uint64
}

func NewBasicMetrics() *BasicMetrics { return &BasicMetrics{} }

func (m *BasicMetrics) ConnectionOpened()    { m.connectionsOpened.Add(1) }
func (m *BasicMetrics) ConnectionClosed()    { m.connectionsClosed.Add(1) }
func (m *BasicMetrics) ChannelOpened()       { m.channelsOpened.Add(1) }
func (m *BasicMetrics) ChannelClosed()       { m.channelsClosed.Add(1) }
func (m *BasicMetrics) MessagePublished()    { m.published.Add(1) }
func (m *BasicMetrics) MessageDelivered()    { m.delivered.Add(1) }
func (m *BasicMetrics) MessageAcknowledged() { m.acknowledged.Add(1) }
func (m *BasicMetrics) MessageReturned()     { m.returned.Add(1) }
func (m *BasicMetrics) HeartbeatSent()       { m.heartbeatsSent.Add(1) }
func (m *BasicMetrics) HeartbeatMissed()     { m.heartbeatsMissed.Add(1) }

// Snapshot returns a point-in-time copy of the counters.
func (m *BasicMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		ConnectionsOpened: m.connectionsOpened.Load(),
		ConnectionsClosed: m.connectionsClosed.Load(),
		ChannelsOpened:    m.channelsOpened.Load(),
		ChannelsClosed:    m.channelsClosed.Load(),
		MessagesPublished: m.published.Load(),
		MessagesDelivered: m.delivered.Load(),
		MessagesAcked:     m.acknowledged.Load(),
		MessagesReturned:  m.returned.Load(),
		HeartbeatsSent:    m.heartbeatsSent.Load(),
		HeartbeatsMissed:  m.heartbeatsMissed.Load(),
	}
}

type MetricsSnapshot struct {
	ConnectionsOpened uint64
	ConnectionsClosed uint64
	ChannelsOpened    uint64
	ChannelsClosed    uint64
	MessagesPublished uint64
	MessagesDelivered uint64
	MessagesAcked     uint64
	MessagesReturned  uint64
	HeartbeatsSent    uint64
	HeartbeatsMissed  uint64
}
