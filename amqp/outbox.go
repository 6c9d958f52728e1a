package amqp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/buntdb"
)

// outbox persists confirm-mode publishes until the broker acknowledges them,
// so messages in flight when a connection dies survive into recovery and are
// republished. Backed by buntdb; ":memory:" gives a non-durable outbox.
type outbox struct {
	db *buntdb.DB
}

type outboxEntry struct {
	key string

	Exchange   string     `json:"exchange"`
	RoutingKey string     `json:"routingKey"`
	Mandatory  bool       `json:"mandatory"`
	Properties Properties `json:"properties"`
	Body       []byte     `json:"body"`
}

func openOutbox(path string) (*outbox, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	return &outbox{db: db}, nil
}

func outboxKey(channelID uint16, seq uint64) string {
	return fmt.Sprintf("pub:%05d:%020d", channelID, seq)
}

// record stores a publish under its channel and confirm sequence. Failures
// are logged by the caller's absence of an entry later; the publish itself is
// never held back by the outbox.
func (ob *outbox) record(channelID uint16, seq uint64, exchange, routingKey string, msg Publishing) {
	entry := outboxEntry{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Properties: msg.Properties,
		Body:       msg.Body,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	ob.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(outboxKey(channelID, seq), string(data), nil)
		return err
	})
}

// confirm drops an entry once the broker acked it
func (ob *outbox) confirm(channelID uint16, seq uint64) {
	ob.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(outboxKey(channelID, seq))
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

// pending returns every unconfirmed publish in insertion-key order
func (ob *outbox) pending() ([]outboxEntry, error) {
	var entries []outboxEntry
	err := ob.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("pub:*", func(key, value string) bool {
			var e outboxEntry
			if json.Unmarshal([]byte(value), &e) == nil {
				e.key = key
				entries = append(entries, e)
			}
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("scan outbox: %w", err)
	}
	return entries, nil
}

func (ob *outbox) remove(key string) {
	ob.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key)
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

func (ob *outbox) close() {
	ob.db.Close()
}

// republishOutbox resends every publish left unconfirmed by a previous
// connection. Each message goes out on a confirm-mode channel, so it is
// re-recorded under its new sequence and dropped again once acked.
func (c *Connection) republishOutbox() error {
	if c.outbox == nil {
		return nil
	}

	entries, err := c.outbox.pending()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	c.logger.Info("republishing unconfirmed messages", "count", len(entries))

	ctx, cancel := context.WithTimeout(context.Background(), c.factory.HandshakeTimeout)
	defer cancel()

	ch, err := c.NewChannelWithContext(ctx)
	if err != nil {
		return fmt.Errorf("outbox channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ConfirmSelect(ctx, false); err != nil {
		return fmt.Errorf("outbox confirm mode: %w", err)
	}

	for _, e := range entries {
		c.outbox.remove(e.key)
		msg := Publishing{Properties: e.Properties, Body: e.Body}
		if err := ch.Publish(e.Exchange, e.RoutingKey, e.Mandatory, false, msg); err != nil {
			return fmt.Errorf("republish to %s/%s: %w", e.Exchange, e.RoutingKey, err)
		}
	}
	return nil
}
