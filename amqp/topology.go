package amqp

import (
	"context"
	"fmt"

	"github.com/fan-tom/lapin/internal/frame"
	"github.com/fan-tom/lapin/internal/protocol"
)

// Queue describes a declared queue
type Queue struct {
	Name      string
	Messages  int
	Consumers int
}

// ExchangeDeclareOptions controls Exchange.Declare
type ExchangeDeclareOptions struct {
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
	Passive    bool
	Args       Table
}

// ExchangeDeleteOptions controls Exchange.Delete
type ExchangeDeleteOptions struct {
	IfUnused bool
	NoWait   bool
}

// QueueDeclareOptions controls Queue.Declare
type QueueDeclareOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	NoWait     bool
	Passive    bool
	Args       Table
}

// QueueDeleteOptions controls Queue.Delete
type QueueDeleteOptions struct {
	IfUnused bool
	IfEmpty  bool
	NoWait   bool
}

// ExchangeDeclare declares an exchange of the given kind
func (ch *Channel) ExchangeDeclare(ctx context.Context, name, kind string, opts ExchangeDeclareOptions) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}

	args := frame.NewBuilder().
		Uint16(0). // reserved
		ShortString(name).
		ShortString(kind).
		Flags(opts.Passive, opts.Durable, opts.AutoDelete, opts.Internal, opts.NoWait).
		Table(protocol.Table(opts.Args)).
		Bytes()

	f := frame.NewMethod(ch.id, protocol.ClassExchange, protocol.MethodExchangeDeclare, args)

	var err error
	if opts.NoWait {
		err = ch.conn.sendFrames(f)
	} else {
		_, err = ch.call(ctx, []*frame.Frame{f},
			methodSig{protocol.ClassExchange, protocol.MethodExchangeDeclareOk})
	}
	if err != nil {
		return err
	}

	if !opts.Passive {
		ch.conn.recovery.recordExchange(name, kind, opts)
	}
	return nil
}

// ExchangeDeclarePassive checks that an exchange exists without creating it
func (ch *Channel) ExchangeDeclarePassive(ctx context.Context, name, kind string) error {
	return ch.ExchangeDeclare(ctx, name, kind, ExchangeDeclareOptions{Passive: true})
}

// ExchangeDelete removes an exchange
func (ch *Channel) ExchangeDelete(ctx context.Context, name string, opts ExchangeDeleteOptions) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}

	args := frame.NewBuilder().
		Uint16(0). // reserved
		ShortString(name).
		Flags(opts.IfUnused, opts.NoWait).
		Bytes()

	f := frame.NewMethod(ch.id, protocol.ClassExchange, protocol.MethodExchangeDelete, args)

	var err error
	if opts.NoWait {
		err = ch.conn.sendFrames(f)
	} else {
		_, err = ch.call(ctx, []*frame.Frame{f},
			methodSig{protocol.ClassExchange, protocol.MethodExchangeDeleteOk})
	}
	if err != nil {
		return err
	}

	ch.conn.recovery.removeExchange(name)
	return nil
}

// ExchangeBind binds the destination exchange to the source exchange
func (ch *Channel) ExchangeBind(ctx context.Context, destination, source, routingKey string, args Table) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}

	body := frame.NewBuilder().
		Uint16(0). // reserved
		ShortString(destination).
		ShortString(source).
		ShortString(routingKey).
		Flags(false). // no-wait
		Table(protocol.Table(args)).
		Bytes()

	_, err := ch.call(ctx,
		[]*frame.Frame{frame.NewMethod(ch.id, protocol.ClassExchange, protocol.MethodExchangeBind, body)},
		methodSig{protocol.ClassExchange, protocol.MethodExchangeBindOk})
	if err != nil {
		return err
	}

	ch.conn.recovery.recordExchangeBinding(destination, source, routingKey, args)
	return nil
}

// ExchangeUnbind removes an exchange-to-exchange binding
func (ch *Channel) ExchangeUnbind(ctx context.Context, destination, source, routingKey string, args Table) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}

	body := frame.NewBuilder().
		Uint16(0). // reserved
		ShortString(destination).
		ShortString(source).
		ShortString(routingKey).
		Flags(false). // no-wait
		Table(protocol.Table(args)).
		Bytes()

	_, err := ch.call(ctx,
		[]*frame.Frame{frame.NewMethod(ch.id, protocol.ClassExchange, protocol.MethodExchangeUnbind, body)},
		methodSig{protocol.ClassExchange, protocol.MethodExchangeUnbindOk})
	if err != nil {
		return err
	}

	ch.conn.recovery.removeExchangeBinding(destination, source, routingKey)
	return nil
}

// QueueDeclare declares a queue. An empty name asks the server to generate
// one; the returned Queue carries the actual name.
func (ch *Channel) QueueDeclare(ctx context.Context, name string, opts QueueDeclareOptions) (Queue, error) {
	if err := ch.checkOpen(); err != nil {
		return Queue{}, err
	}

	args := frame.NewBuilder().
		Uint16(0). // reserved
		ShortString(name).
		Flags(opts.Passive, opts.Durable, opts.Exclusive, opts.AutoDelete, opts.NoWait).
		Table(protocol.Table(opts.Args)).
		Bytes()

	f := frame.NewMethod(ch.id, protocol.ClassQueue, protocol.MethodQueueDeclare, args)

	if opts.NoWait {
		if err := ch.conn.sendFrames(f); err != nil {
			return Queue{}, err
		}
		if !opts.Passive {
			ch.conn.recovery.recordQueue(name, opts)
		}
		return Queue{Name: name}, nil
	}

	res, err := ch.call(ctx, []*frame.Frame{f},
		methodSig{protocol.ClassQueue, protocol.MethodQueueDeclareOk})
	if err != nil {
		return Queue{}, err
	}

	reply := frame.NewArgs(res.method.Args)
	queueName, err := reply.ShortString()
	if err != nil {
		return Queue{}, fmt.Errorf("parse Declare-Ok: %w", err)
	}
	messages, err := reply.Uint32()
	if err != nil {
		return Queue{}, fmt.Errorf("parse Declare-Ok: %w", err)
	}
	consumers, err := reply.Uint32()
	if err != nil {
		return Queue{}, fmt.Errorf("parse Declare-Ok: %w", err)
	}

	if !opts.Passive {
		ch.conn.recovery.recordQueue(queueName, opts)
	}
	return Queue{Name: queueName, Messages: int(messages), Consumers: int(consumers)}, nil
}

// QueueDeclarePassive checks that a queue exists without creating it
func (ch *Channel) QueueDeclarePassive(ctx context.Context, name string) (Queue, error) {
	return ch.QueueDeclare(ctx, name, QueueDeclareOptions{Passive: true})
}

// QueueBind binds a queue to an exchange
func (ch *Channel) QueueBind(ctx context.Context, name, exchange, routingKey string, args Table) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}

	body := frame.NewBuilder().
		Uint16(0). // reserved
		ShortString(name).
		ShortString(exchange).
		ShortString(routingKey).
		Flags(false). // no-wait
		Table(protocol.Table(args)).
		Bytes()

	_, err := ch.call(ctx,
		[]*frame.Frame{frame.NewMethod(ch.id, protocol.ClassQueue, protocol.MethodQueueBind, body)},
		methodSig{protocol.ClassQueue, protocol.MethodQueueBindOk})
	if err != nil {
		return err
	}

	ch.conn.recovery.recordQueueBinding(name, exchange, routingKey, args)
	return nil
}

// QueueUnbind removes a queue binding
func (ch *Channel) QueueUnbind(ctx context.Context, name, exchange, routingKey string, args Table) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}

	body := frame.NewBuilder().
		Uint16(0). // reserved
		ShortString(name).
		ShortString(exchange).
		ShortString(routingKey).
		Table(protocol.Table(args)).
		Bytes()

	_, err := ch.call(ctx,
		[]*frame.Frame{frame.NewMethod(ch.id, protocol.ClassQueue, protocol.MethodQueueUnbind, body)},
		methodSig{protocol.ClassQueue, protocol.MethodQueueUnbindOk})
	if err != nil {
		return err
	}

	ch.conn.recovery.removeQueueBinding(name, exchange, routingKey)
	return nil
}

// QueuePurge discards all ready messages in a queue and returns how many
func (ch *Channel) QueuePurge(ctx context.Context, name string, noWait bool) (int, error) {
	if err := ch.checkOpen(); err != nil {
		return 0, err
	}

	args := frame.NewBuilder().
		Uint16(0). // reserved
		ShortString(name).
		Flags(noWait).
		Bytes()

	f := frame.NewMethod(ch.id, protocol.ClassQueue, protocol.MethodQueuePurge, args)

	if noWait {
		return 0, ch.conn.sendFrames(f)
	}

	res, err := ch.call(ctx, []*frame.Frame{f},
		methodSig{protocol.ClassQueue, protocol.MethodQueuePurgeOk})
	if err != nil {
		return 0, err
	}

	reply := frame.NewArgs(res.method.Args)
	count, err := reply.Uint32()
	if err != nil {
		return 0, fmt.Errorf("parse Purge-Ok: %w", err)
	}
	return int(count), nil
}

// QueueDelete removes a queue and returns the number of messages discarded
func (ch *Channel) QueueDelete(ctx context.Context, name string, opts QueueDeleteOptions) (int, error) {
	if err := ch.checkOpen(); err != nil {
		return 0, err
	}

	args := frame.NewBuilder().
		Uint16(0). // reserved
		ShortString(name).
		Flags(opts.IfUnused, opts.IfEmpty, opts.NoWait).
		Bytes()

	f := frame.NewMethod(ch.id, protocol.ClassQueue, protocol.MethodQueueDelete, args)

	if opts.NoWait {
		if err := ch.conn.sendFrames(f); err != nil {
			return 0, err
		}
		ch.conn.recovery.removeQueue(name)
		return 0, nil
	}

	res, err := ch.call(ctx, []*frame.Frame{f},
		methodSig{protocol.ClassQueue, protocol.MethodQueueDeleteOk})
	if err != nil {
		return 0, err
	}

	reply := frame.NewArgs(res.method.Args)
	count, err := reply.Uint32()
	if err != nil {
		return 0, fmt.Errorf("parse Delete-Ok: %w", err)
	}

	ch.conn.recovery.removeQueue(name)
	return int(count), nil
}
