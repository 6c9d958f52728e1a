package amqp

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// recoveryManager remembers the topology and consumers established through a
// connection so they can be replayed onto a replacement connection after a
// failure.
type recoveryManager struct {
	enabled  bool
	topology bool
	interval time.Duration
	attempts int

	mu               sync.Mutex
	exchanges        map[string]exchangeRecord
	queues           map[string]queueRecord
	queueBindings    []bindingRecord
	exchangeBindings []bindingRecord
	consumers        map[string]consumerRecord
	qos              *qosRecord
}

type exchangeRecord struct {
	name string
	kind string
	opts ExchangeDeclareOptions
}

type queueRecord struct {
	name string
	opts QueueDeclareOptions
}

type bindingRecord struct {
	destination string // queue name, or destination exchange
	source      string
	routingKey  string
	args        Table
}

type consumerRecord struct {
	queue    string
	tag      string
	opts     ConsumeOptions
	callback ConsumerCallback
}

type qosRecord struct {
	prefetchCount int
	prefetchSize  int
	global        bool
}

func newRecoveryManager(enabled, topology bool, interval time.Duration, attempts int) *recoveryManager {
	return &recoveryManager{
		enabled:   enabled,
		topology:  topology,
		interval:  interval,
		attempts:  attempts,
		exchanges: make(map[string]exchangeRecord),
		queues:    make(map[string]queueRecord),
		consumers: make(map[string]consumerRecord),
	}
}

func (rm *recoveryManager) recordExchange(name, kind string, opts ExchangeDeclareOptions) {
	rm.mu.Lock()
	rm.exchanges[name] = exchangeRecord{name: name, kind: kind, opts: opts}
	rm.mu.Unlock()
}

func (rm *recoveryManager) removeExchange(name string) {
	rm.mu.Lock()
	delete(rm.exchanges, name)
	rm.mu.Unlock()
}

func (rm *recoveryManager) recordQueue(name string, opts QueueDeclareOptions) {
	// Exclusive queues die with the connection; replaying them would only
	// resurrect an empty name clash.
	if opts.Exclusive {
		return
	}
	rm.mu.Lock()
	rm.queues[name] = queueRecord{name: name, opts: opts}
	rm.mu.Unlock()
}

func (rm *recoveryManager) removeQueue(name string) {
	rm.mu.Lock()
	delete(rm.queues, name)
	n := rm.queueBindings[:0]
	for _, b := range rm.queueBindings {
		if b.destination != name {
			n = append(n, b)
		}
	}
	rm.queueBindings = n
	rm.mu.Unlock()
}

func (rm *recoveryManager) recordQueueBinding(queue, exchange, routingKey string, args Table) {
	rm.mu.Lock()
	rm.queueBindings = append(rm.queueBindings, bindingRecord{
		destination: queue, source: exchange, routingKey: routingKey, args: args,
	})
	rm.mu.Unlock()
}

func (rm *recoveryManager) removeQueueBinding(queue, exchange, routingKey string) {
	rm.mu.Lock()
	n := rm.queueBindings[:0]
	for _, b := range rm.queueBindings {
		if b.destination == queue && b.source == exchange && b.routingKey == routingKey {
			continue
		}
		n = append(n, b)
	}
	rm.queueBindings = n
	rm.mu.Unlock()
}

func (rm *recoveryManager) recordExchangeBinding(destination, source, routingKey string, args Table) {
	rm.mu.Lock()
	rm.exchangeBindings = append(rm.exchangeBindings, bindingRecord{
		destination: destination, source: source, routingKey: routingKey, args: args,
	})
	rm.mu.Unlock()
}

func (rm *recoveryManager) removeExchangeBinding(destination, source, routingKey string) {
	rm.mu.Lock()
	n := rm.exchangeBindings[:0]
	for _, b := range rm.exchangeBindings {
		if b.destination == destination && b.source == source && b.routingKey == routingKey {
			continue
		}
		n = append(n, b)
	}
	rm.exchangeBindings = n
	rm.mu.Unlock()
}

func (rm *recoveryManager) recordConsumer(queue, tag string, opts ConsumeOptions, callback ConsumerCallback) {
	rm.mu.Lock()
	rm.consumers[tag] = consumerRecord{queue: queue, tag: tag, opts: opts, callback: callback}
	rm.mu.Unlock()
}

func (rm *recoveryManager) removeConsumer(tag string) {
	rm.mu.Lock()
	delete(rm.consumers, tag)
	rm.mu.Unlock()
}

func (rm *recoveryManager) recordQos(prefetchCount, prefetchSize int, global bool) {
	rm.mu.Lock()
	rm.qos = &qosRecord{prefetchCount: prefetchCount, prefetchSize: prefetchSize, global: global}
	rm.mu.Unlock()
}

// adopt copies another manager's records, used when a replacement connection
// takes over from a failed one.
func (rm *recoveryManager) adopt(old *recoveryManager) {
	old.mu.Lock()
	defer old.mu.Unlock()
	rm.mu.Lock()
	defer rm.mu.Unlock()

	for k, v := range old.exchanges {
		rm.exchanges[k] = v
	}
	for k, v := range old.queues {
		rm.queues[k] = v
	}
	rm.queueBindings = append(rm.queueBindings, old.queueBindings...)
	rm.exchangeBindings = append(rm.exchangeBindings, old.exchangeBindings...)
	for k, v := range old.consumers {
		rm.consumers[k] = v
	}
	rm.qos = old.qos
}

// runRecovery replaces a failed connection. It dials via the same factory,
// replays recorded topology and consumers, and republishes any unconfirmed
// messages left in the outbox. The replacement connection is handed to the
// factory's RecoveryHandler.
func (c *Connection) runRecovery(cause *Error) {
	defer c.notifyPool.ReleaseTimeout(time.Second)

	c.state.Store(int32(StateRecovering))
	c.logger.Info("starting recovery", "cause", cause)

	handler := c.factory.RecoveryHandler
	if handler != nil {
		handler.OnRecoveryStarted(c)
	}

	newConn, err := c.recovery.reconnect(c.factory)
	if err != nil {
		c.state.Store(int32(StateError))
		c.logger.Error("recovery failed", "error", err)
		if handler != nil {
			handler.OnRecoveryFailed(c, err)
		}
		return
	}

	if c.recovery.topology {
		if handler != nil {
			handler.OnTopologyRecoveryStarted(newConn)
		}
		if err := newConn.recovery.replay(newConn); err != nil {
			newConn.logger.Error("topology recovery failed", "error", err)
			newConn.Close()
			c.state.Store(int32(StateError))
			if handler != nil {
				handler.OnRecoveryFailed(c, err)
			}
			return
		}
		if handler != nil {
			handler.OnTopologyRecoveryCompleted(newConn)
		}
	}

	if err := newConn.republishOutbox(); err != nil {
		newConn.logger.Warn("outbox republish incomplete", "error", err)
	}

	c.state.Store(int32(StateClosed))
	c.logger.Info("recovery completed")
	if handler != nil {
		handler.OnRecoveryCompleted(newConn)
	}
}

func (rm *recoveryManager) reconnect(cf *ConnectionFactory) (*Connection, error) {
	attempts := rm.attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			time.Sleep(rm.interval)
		}
		conn, err := cf.NewConnection()
		if err != nil {
			lastErr = err
			continue
		}
		conn.recovery.adopt(rm)
		return conn, nil
	}
	return nil, fmt.Errorf("reconnect failed after %d attempts: %w", attempts, lastErr)
}

// replay re-establishes exchanges, queues, bindings, qos and consumers on a
// fresh connection, in dependency order.
func (rm *recoveryManager) replay(conn *Connection) error {
	rm.mu.Lock()
	exchanges := make([]exchangeRecord, 0, len(rm.exchanges))
	for _, e := range rm.exchanges {
		exchanges = append(exchanges, e)
	}
	queues := make([]queueRecord, 0, len(rm.queues))
	for _, q := range rm.queues {
		queues = append(queues, q)
	}
	queueBindings := make([]bindingRecord, len(rm.queueBindings))
	copy(queueBindings, rm.queueBindings)
	exchangeBindings := make([]bindingRecord, len(rm.exchangeBindings))
	copy(exchangeBindings, rm.exchangeBindings)
	consumers := make([]consumerRecord, 0, len(rm.consumers))
	for _, cr := range rm.consumers {
		consumers = append(consumers, cr)
	}
	qos := rm.qos
	rm.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), conn.factory.HandshakeTimeout)
	defer cancel()

	ch, err := conn.NewChannelWithContext(ctx)
	if err != nil {
		return fmt.Errorf("recovery channel: %w", err)
	}
	defer ch.Close()

	for _, e := range exchanges {
		opts := e.opts
		opts.NoWait = false
		if err := ch.ExchangeDeclare(ctx, e.name, e.kind, opts); err != nil {
			return fmt.Errorf("redeclare exchange %s: %w", e.name, err)
		}
	}
	for _, q := range queues {
		opts := q.opts
		opts.NoWait = false
		if _, err := ch.QueueDeclare(ctx, q.name, opts); err != nil {
			return fmt.Errorf("redeclare queue %s: %w", q.name, err)
		}
	}
	for _, b := range exchangeBindings {
		if err := ch.ExchangeBind(ctx, b.destination, b.source, b.routingKey, b.args); err != nil {
			return fmt.Errorf("rebind exchange %s: %w", b.destination, err)
		}
	}
	for _, b := range queueBindings {
		if err := ch.QueueBind(ctx, b.destination, b.source, b.routingKey, b.args); err != nil {
			return fmt.Errorf("rebind queue %s: %w", b.destination, err)
		}
	}

	if len(consumers) == 0 && qos == nil {
		return nil
	}

	consCh, err := conn.NewChannelWithContext(ctx)
	if err != nil {
		return fmt.Errorf("consumer recovery channel: %w", err)
	}

	if qos != nil {
		if err := consCh.Qos(ctx, qos.prefetchCount, qos.prefetchSize, qos.global); err != nil {
			return fmt.Errorf("restore qos: %w", err)
		}
	}
	for _, cr := range consumers {
		if cr.callback == nil {
			// Channel-based consumers hold a reference to the dead stream;
			// the application must re-consume itself.
			conn.logger.Warn("cannot recover channel-based consumer", "consumerTag", cr.tag)
			continue
		}
		if _, err := consCh.ConsumeWithCallback(ctx, cr.queue, cr.tag, cr.opts, cr.callback); err != nil {
			return fmt.Errorf("restore consumer %s: %w", cr.tag, err)
		}
	}
	return nil
}
