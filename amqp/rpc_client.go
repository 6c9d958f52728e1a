package amqp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pborman/uuid"
)

// RpcClient implements the request/reply pattern over a channel: requests
// carry a correlation id and a private reply queue, replies are matched back
// to their callers.
type RpcClient struct {
	channel     *Channel
	replyQueue  string
	consumerTag string
	replies     <-chan Delivery

	mu      sync.Mutex
	pending map[string]chan *Delivery

	closed       atomic.Bool
	closeChan    chan struct{}
	dispatchDone chan struct{}
}

// NewRpcClient declares an auto-delete reply queue on the channel and starts
// consuming it.
func NewRpcClient(ctx context.Context, ch *Channel) (*RpcClient, error) {
	// Not exclusive so the responding connection may publish into it.
	q, err := ch.QueueDeclare(ctx, "", QueueDeclareOptions{AutoDelete: true})
	if err != nil {
		return nil, fmt.Errorf("declare reply queue: %w", err)
	}

	consumerTag := "rpc-client-" + uuid.New()
	replies, err := ch.Consume(ctx, q.Name, consumerTag, ConsumeOptions{AutoAck: true})
	if err != nil {
		return nil, fmt.Errorf("consume reply queue: %w", err)
	}

	client := &RpcClient{
		channel:      ch,
		replyQueue:   q.Name,
		consumerTag:  consumerTag,
		replies:      replies,
		pending:      make(map[string]chan *Delivery),
		closeChan:    make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}

	go client.dispatchReplies()
	return client, nil
}

// Call publishes a request and blocks until the correlated reply arrives
func (c *RpcClient) Call(ctx context.Context, exchange, routingKey string, msg Publishing) (*Delivery, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("rpc client is closed")
	}

	correlationId := uuid.New()
	replyChan := make(chan *Delivery, 1)

	c.mu.Lock()
	c.pending[correlationId] = replyChan
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, correlationId)
		c.mu.Unlock()
	}()

	msg.Properties.ReplyTo = c.replyQueue
	msg.Properties.CorrelationId = correlationId

	if err := c.channel.Publish(exchange, routingKey, false, false, msg); err != nil {
		return nil, fmt.Errorf("publish rpc request: %w", err)
	}

	select {
	case reply := <-replyChan:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closeChan:
		return nil, fmt.Errorf("rpc client closed")
	}
}

// dispatchReplies routes consumed replies to their waiting callers. Replies
// with an unknown or missing correlation id are dropped.
func (c *RpcClient) dispatchReplies() {
	defer close(c.dispatchDone)

	for delivery := range c.replies {
		correlationId := delivery.Properties.CorrelationId
		if correlationId == "" {
			continue
		}

		c.mu.Lock()
		replyChan, ok := c.pending[correlationId]
		if ok {
			delete(c.pending, correlationId)
		}
		c.mu.Unlock()

		if ok {
			d := delivery
			replyChan <- &d
		}
	}
}

// Close cancels the reply consumer and fails all in-flight calls
func (c *RpcClient) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.closeChan)

	err := c.channel.BasicCancel(ctx, c.consumerTag, false)

	select {
	case <-c.dispatchDone:
	case <-ctx.Done():
	}
	return err
}
