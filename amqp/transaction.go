package amqp

import (
	"context"

	"github.com/fan-tom/lapin/internal/frame"
	"github.com/fan-tom/lapin/internal/protocol"
)

// TxSelect puts the channel into transactional mode. Publishes and acks are
// then staged until TxCommit or TxRollback. Transactions and confirm mode
// are mutually exclusive on a channel.
func (ch *Channel) TxSelect(ctx context.Context) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}
	ch.mu.Lock()
	confirming := ch.confirms != nil
	ch.mu.Unlock()
	if confirming {
		return ErrConfirmMode
	}

	_, err := ch.call(ctx,
		[]*frame.Frame{frame.NewMethod(ch.id, protocol.ClassTx, protocol.MethodTxSelect, nil)},
		methodSig{protocol.ClassTx, protocol.MethodTxSelectOk})
	if err != nil {
		return err
	}

	ch.txMode.Store(true)
	return nil
}

// TxCommit commits the staged work of the current transaction
func (ch *Channel) TxCommit(ctx context.Context) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}
	if !ch.txMode.Load() {
		return ErrNotTransactional
	}

	_, err := ch.call(ctx,
		[]*frame.Frame{frame.NewMethod(ch.id, protocol.ClassTx, protocol.MethodTxCommit, nil)},
		methodSig{protocol.ClassTx, protocol.MethodTxCommitOk})
	return err
}

// TxRollback discards the staged work of the current transaction
func (ch *Channel) TxRollback(ctx context.Context) error {
	if err := ch.checkOpen(); err != nil {
		return err
	}
	if !ch.txMode.Load() {
		return ErrNotTransactional
	}

	_, err := ch.call(ctx,
		[]*frame.Frame{frame.NewMethod(ch.id, protocol.ClassTx, protocol.MethodTxRollback, nil)},
		methodSig{protocol.ClassTx, protocol.MethodTxRollbackOk})
	return err
}
