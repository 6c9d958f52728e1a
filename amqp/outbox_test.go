package amqp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxRecordConfirm(t *testing.T) {
	ob, err := openOutbox(":memory:")
	require.NoError(t, err)
	defer ob.close()

	ob.record(1, 1, "orders", "created", Publishing{
		Properties: Properties{ContentType: "application/json", CorrelationId: "c1"},
		Body:       []byte(`{"id":1}`),
	})
	ob.record(1, 2, "orders", "updated", Publishing{Body: []byte(`{"id":2}`)})
	ob.record(2, 1, "logs", "info", Publishing{Body: []byte("hi")})

	entries, err := ob.pending()
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// key order: channel first, then sequence
	assert.Equal(t, "created", entries[0].RoutingKey)
	assert.Equal(t, "updated", entries[1].RoutingKey)
	assert.Equal(t, "info", entries[2].RoutingKey)
	assert.Equal(t, "application/json", entries[0].Properties.ContentType)
	assert.Equal(t, []byte(`{"id":1}`), entries[0].Body)

	ob.confirm(1, 1)
	entries, err = ob.pending()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "updated", entries[0].RoutingKey)

	// confirming a missing entry is harmless
	ob.confirm(1, 99)

	ob.remove(entries[0].key)
	entries, err = ob.pending()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "logs", entries[0].Exchange)
}

func TestOutboxPersistsAcrossOpen(t *testing.T) {
	path := t.TempDir() + "/outbox.db"

	ob, err := openOutbox(path)
	require.NoError(t, err)
	ob.record(1, 1, "orders", "created", Publishing{Body: []byte("x")})
	ob.close()

	reopened, err := openOutbox(path)
	require.NoError(t, err)
	defer reopened.close()

	entries, err := reopened.pending()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "orders", entries[0].Exchange)
}
