package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/shardbus/internal/runtime/errors"
	statuspkg "github.com/drblury/shardbus/internal/runtime/status"
	storepkg "github.com/drblury/shardbus/internal/runtime/store"
)

func TestNewRequiresDB(t *testing.T) {
	_, err := New(context.Background(), nil)
	assert.ErrorIs(t, err, errspkg.ErrStoreRequired)
}

func TestNullTimeRoundTrip(t *testing.T) {
	assert.False(t, nullTime(time.Time{}).Valid, "zero time maps to NULL")

	now := time.Now()
	nt := nullTime(now)
	require.True(t, nt.Valid)
	assert.Equal(t, now, timeOf(nt))

	assert.True(t, timeOf(nullTime(time.Time{})).IsZero(), "NULL maps back to the zero time")
}

func TestMetaRoundTrip(t *testing.T) {
	data, err := encodeMeta(nil)
	require.NoError(t, err)
	assert.Nil(t, data, "empty metadata maps to NULL")

	data, err = encodeMeta(map[string]string{"tenant": "acme"})
	require.NoError(t, err)

	meta, err := decodeMeta(data)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"tenant": "acme"}, meta)

	meta, err = decodeMeta(nil)
	require.NoError(t, err)
	assert.Nil(t, meta)
}

// TestPostgresRoundTrip needs a live database; point SHARDBUS_TEST_POSTGRES_URL
// at one to run it.
func TestPostgresRoundTrip(t *testing.T) {
	postgresURL := os.Getenv("SHARDBUS_TEST_POSTGRES_URL")
	if postgresURL == "" {
		t.Skip("SHARDBUS_TEST_POSTGRES_URL not set")
	}

	ctx := context.Background()
	st, err := Open(ctx, postgresURL)
	require.NoError(t, err)
	defer st.Close()

	messageID := "it-" + time.Now().UTC().Format("20060102150405.000000000")

	err = st.Within(ctx, func(ctx context.Context, tx storepkg.Tx) error {
		inserted, err := tx.InsertWorkItem(ctx, storepkg.WorkItem{
			MessageID:   messageID,
			Queue:       storepkg.QueueInbox,
			Destination: "order-handler",
			MessageType: "PlaceOrder",
			Payload:     []byte(`{}`),
			Metadata:    map[string]string{"tenant": "acme"},
			StreamID:    "order-it",
			Partition:   1,
			Status:      statuspkg.Set(0).With(statuspkg.Stored),
			CreatedAt:   time.Now().UTC(),
		})
		require.NoError(t, err)
		require.True(t, inserted)

		item, found, err := tx.GetWorkItem(ctx, storepkg.QueueInbox, messageID)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "order-handler", item.Destination)
		assert.Equal(t, map[string]string{"tenant": "acme"}, item.Metadata)

		inserted, err = tx.InsertWorkItem(ctx, item)
		require.NoError(t, err)
		assert.False(t, inserted, "inbox redelivery must be a no-op")
		return nil
	})
	require.NoError(t, err)
}
