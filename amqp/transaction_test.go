package amqp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fan-tom/lapin/internal/frame"
	"github.com/fan-tom/lapin/internal/protocol"
)

func TestTransactionLifecycle(t *testing.T) {
	conn, s := newTestConn(t, defaultTune())
	ch := openChannel(t, conn, s)

	ctx := context.Background()

	// commit and rollback are rejected outside transaction mode
	require.ErrorIs(t, ch.TxCommit(ctx), ErrNotTransactional)
	require.ErrorIs(t, ch.TxRollback(ctx), ErrNotTransactional)

	go s.replyOk(ch.GetChannelID(), protocol.ClassTx, protocol.MethodTxSelect, protocol.MethodTxSelectOk)
	require.NoError(t, ch.TxSelect(ctx))

	go s.replyOk(ch.GetChannelID(), protocol.ClassTx, protocol.MethodTxCommit, protocol.MethodTxCommitOk)
	require.NoError(t, ch.TxCommit(ctx))

	go s.replyOk(ch.GetChannelID(), protocol.ClassTx, protocol.MethodTxRollback, protocol.MethodTxRollbackOk)
	require.NoError(t, ch.TxRollback(ctx))
}

func TestTxSelectRejectedInConfirmMode(t *testing.T) {
	conn, s := newTestConn(t, defaultTune())
	ch := openChannel(t, conn, s)

	go func() {
		s.expectMethod(ch.GetChannelID(), protocol.ClassConfirm, protocol.MethodConfirmSelect)
		s.send(frame.NewMethod(ch.GetChannelID(), protocol.ClassConfirm, protocol.MethodConfirmSelectOk, nil))
	}()
	require.NoError(t, ch.ConfirmSelect(context.Background(), false))

	require.ErrorIs(t, ch.TxSelect(context.Background()), ErrConfirmMode)
}
